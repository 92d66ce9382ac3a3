package repo

import (
	"context"
	"database/sql"
	"fmt"

	"thesisline/internal/domain"
)

// ReplaceSectionGroupTx stores one written top-level section and its
// subsections, replacing any earlier rows for the same section identity so a
// re-run never accumulates duplicates.
func (r Repo) ReplaceSectionGroupTx(ctx context.Context, tx *sql.Tx, top domain.Section, subs []domain.Section) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE project_id=? AND (parent_title=? OR (title=? AND parent_title=''))`,
		top.ProjectID, top.Title, top.Title)
	if err != nil {
		return fmt.Errorf("clear section group: %w", err)
	}
	if err := insertSectionTx(ctx, tx, top); err != nil {
		return fmt.Errorf("insert section %q: %w", top.Title, err)
	}
	for _, sub := range subs {
		if err := insertSectionTx(ctx, tx, sub); err != nil {
			return fmt.Errorf("insert subsection %q: %w", sub.Title, err)
		}
	}
	return nil
}

func insertSectionTx(ctx context.Context, tx *sql.Tx, s domain.Section) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sections(id,project_id,title,section_type,parent_title,content,word_count,position,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Title, s.SectionType, s.ParentTitle, s.Content, s.WordCount, s.Position, s.CreatedAt)
	return err
}

// CountTopLevelSectionsTx counts written top-level sections inside the
// caller's transaction, so completion decisions see the rows just inserted.
func (r Repo) CountTopLevelSectionsTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sections WHERE project_id=? AND parent_title=''`, projectID).Scan(&n)
	return n, err
}

// ListSections returns all written rows for a project: top-level sections in
// position order, each followed by its subsections.
func (r Repo) ListSections(ctx context.Context, projectID string) ([]domain.Section, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,title,section_type,parent_title,content,word_count,position,created_at
FROM sections WHERE project_id=? ORDER BY parent_title <> '', position ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSections(rows)
}

// ListTopLevelSections returns only written sections without a parent.
func (r Repo) ListTopLevelSections(ctx context.Context, projectID string) ([]domain.Section, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,title,section_type,parent_title,content,word_count,position,created_at
FROM sections WHERE project_id=? AND parent_title='' ORDER BY position ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSections(rows)
}

// ListSubsections returns written subsections of the named parent section.
func (r Repo) ListSubsections(ctx context.Context, projectID, parentTitle string) ([]domain.Section, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,title,section_type,parent_title,content,word_count,position,created_at
FROM sections WHERE project_id=? AND parent_title=? ORDER BY position ASC`, projectID, parentTitle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSections(rows)
}

func collectSections(rows *sql.Rows) ([]domain.Section, error) {
	var res []domain.Section
	for rows.Next() {
		var s domain.Section
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Title, &s.SectionType, &s.ParentTitle, &s.Content, &s.WordCount, &s.Position, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
