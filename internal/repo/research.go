package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"thesisline/internal/domain"
)

// ReplaceResearchTx stores the research row and its sources, replacing any
// prior result for the project. Summary row and sources move together so a
// reader never sees a summary whose sources are missing.
func (r Repo) ReplaceResearchTx(ctx context.Context, tx *sql.Tx, research domain.Research, sources []domain.Source) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO research(project_id,summary,gaps,recommendations,total_sources_found,pdf_sources_count,web_sources_count,created_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET summary=excluded.summary, gaps=excluded.gaps, recommendations=excluded.recommendations,
total_sources_found=excluded.total_sources_found, pdf_sources_count=excluded.pdf_sources_count, web_sources_count=excluded.web_sources_count, created_at=excluded.created_at`,
		research.ProjectID, research.Summary, research.Gaps, research.Recommendations,
		research.TotalSourcesFound, research.PDFSourcesCount, research.WebSourcesCount, research.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert research: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE project_id=?`, research.ProjectID); err != nil {
		return fmt.Errorf("clear sources: %w", err)
	}
	for _, s := range sources {
		if err := r.insertSourceTx(ctx, tx, s); err != nil {
			return fmt.Errorf("insert source %q: %w", s.Title, err)
		}
	}
	return nil
}

func (r Repo) insertSourceTx(ctx context.Context, tx *sql.Tx, s domain.Source) error {
	authors := s.Authors
	if authors == nil {
		authors = []string{}
	}
	authorsJSON, err := json.Marshal(authors)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sources(id,project_id,position,title,source_type,authors,publication_year,url,doi,abstract,key_findings,summary,full_content,relevance_score,relevance_reason,citation_text)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Position, s.Title, s.SourceType, string(authorsJSON),
		nullableIntPtr(s.PublicationYear), nullableStringPtr(s.URL), nullableStringPtr(s.DOI),
		s.Abstract, s.KeyFindings, s.Summary, s.FullContent,
		s.RelevanceScore, s.RelevanceReason, s.CitationText)
	return err
}

func (r Repo) GetResearch(ctx context.Context, projectID string) (domain.Research, error) {
	var res domain.Research
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,summary,gaps,recommendations,total_sources_found,pdf_sources_count,web_sources_count,created_at FROM research WHERE project_id=?`, projectID).
		Scan(&res.ProjectID, &res.Summary, &res.Gaps, &res.Recommendations, &res.TotalSourcesFound, &res.PDFSourcesCount, &res.WebSourcesCount, &res.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return res, ErrNotFound
	}
	return res, err
}

func (r Repo) ListSources(ctx context.Context, projectID string) ([]domain.Source, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,position,title,source_type,authors,publication_year,url,doi,abstract,key_findings,summary,full_content,relevance_score,relevance_reason,citation_text
FROM sources WHERE project_id=? ORDER BY position ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Source
	for rows.Next() {
		var s domain.Source
		var authorsJSON string
		var year sql.NullInt64
		var url, doi sql.NullString
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Position, &s.Title, &s.SourceType, &authorsJSON,
			&year, &url, &doi, &s.Abstract, &s.KeyFindings, &s.Summary, &s.FullContent,
			&s.RelevanceScore, &s.RelevanceReason, &s.CitationText); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(authorsJSON), &s.Authors); err != nil {
			return nil, fmt.Errorf("source %s authors: %w", s.ID, err)
		}
		if year.Valid {
			y := int(year.Int64)
			s.PublicationYear = &y
		}
		if url.Valid {
			s.URL = &url.String
		}
		if doi.Valid {
			s.DOI = &doi.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountSources returns the number of stored sources for a project.
func (r Repo) CountSources(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}
