package repo

import (
	"context"
	"database/sql"

	"thesisline/internal/domain"
)

// ReplaceOutlineTx replaces the project's outline rows. Rows must arrive
// parent-first: a subsection's ParentID refers to a row inserted earlier in
// the same batch. Written sections belong to the outline they were written
// against, so they are cleared with it; otherwise a re-run with a smaller
// outline would count stale rows toward completion.
func (r Repo) ReplaceOutlineTx(ctx context.Context, tx *sql.Tx, projectID string, sections []domain.OutlineSection) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM outline_sections WHERE project_id=?`, projectID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE project_id=?`, projectID); err != nil {
		return err
	}
	for _, s := range sections {
		if _, err := tx.ExecContext(ctx, `INSERT INTO outline_sections(id,project_id,title,section_type,word_count,position,parent_id) VALUES (?,?,?,?,?,?,?)`,
			s.ID, projectID, s.Title, s.SectionType, s.WordCount, s.Position, nullableStringPtr(s.ParentID)); err != nil {
			return err
		}
	}
	return nil
}

// ListOutlineSections returns all outline rows for a project, parents before
// children, each level in position order.
func (r Repo) ListOutlineSections(ctx context.Context, projectID string) ([]domain.OutlineSection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,title,section_type,word_count,position,parent_id
FROM outline_sections WHERE project_id=? ORDER BY parent_id IS NOT NULL, position ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutlineSection
	for rows.Next() {
		var s domain.OutlineSection
		var parent sql.NullString
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Title, &s.SectionType, &s.WordCount, &s.Position, &parent); err != nil {
			return nil, err
		}
		if parent.Valid {
			s.ParentID = &parent.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountTopLevelOutlineSections returns how many outline entries have no parent.
func (r Repo) CountTopLevelOutlineSections(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outline_sections WHERE project_id=? AND parent_id IS NULL`, projectID).Scan(&n)
	return n, err
}
