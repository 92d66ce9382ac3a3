// Package engine owns project lifecycle and the persistence checkpoints of
// a pipeline run. Every write happens inside a transaction together with
// its audit event.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"thesisline/internal/config"
	"thesisline/internal/domain"
	"thesisline/internal/events"
	"thesisline/internal/repo"
	"thesisline/internal/stages"
)

// ErrActiveRun rejects a second enqueue while a run is queued or running
// for the same project.
var ErrActiveRun = errors.New("a run is already queued or running for this project")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID            string
	Name          string
	Topic         string
	CitationStyle string
	Owner         string
	ActorID       string
	Enqueue       bool
}

// CreateProject inserts a project with a snapshot of the current config,
// so later config edits do not change how an existing project runs. With
// Enqueue set it also queues a pipeline run in the same transaction; the
// returned job is nil otherwise.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, *domain.Job, error) {
	if e.Config == nil {
		return domain.Project{}, nil, errors.New("config not loaded")
	}
	if strings.TrimSpace(opts.Topic) == "" {
		return domain.Project{}, nil, errors.New("topic is required")
	}
	if opts.CitationStyle == "" {
		opts.CitationStyle = "APA"
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Name == "" {
		opts.Name = opts.Topic
	}

	now := e.timestamp()
	p := domain.Project{
		ID:            opts.ID,
		Name:          opts.Name,
		Topic:         opts.Topic,
		CitationStyle: opts.CitationStyle,
		Status:        "pending",
		Owner:         opts.Owner,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, nil, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, e.Config); err != nil {
		return domain.Project{}, nil, fmt.Errorf("snapshot config: %w", err)
	}

	var job *domain.Job
	if opts.Enqueue {
		j, err := e.enqueueTx(ctx, tx, p.ID)
		if err != nil {
			return domain.Project{}, nil, err
		}
		job = &j
	}

	if err := e.Events.Append(ctx, tx, "project.created", p.ID, opts.ActorID, events.EventPayload{
		"topic":          p.Topic,
		"citation_style": p.CitationStyle,
	}); err != nil {
		return domain.Project{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, nil, err
	}
	return p, job, nil
}

// EnqueueRun queues a pipeline run for an existing project. At most one
// run may be queued or running per project.
func (e Engine) EnqueueRun(ctx context.Context, projectID, actorID string) (domain.Job, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Job{}, err
	}
	if _, err := e.Repo.ActiveJobForProject(ctx, projectID); err == nil {
		return domain.Job{}, ErrActiveRun
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.enqueueTx(ctx, tx, projectID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.enqueued", projectID, actorID, events.EventPayload{
		"job":  j.ID,
		"kind": j.Kind,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func (e Engine) enqueueTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Job, error) {
	now := e.timestamp()
	j := domain.Job{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Kind:        "pipeline.run",
		Status:      "queued",
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertJobTx(ctx, tx, j); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context, f repo.ProjectFilters) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, f)
}

// DeleteProject removes a project and everything hanging off it. The audit
// event outlives the project.
func (e Engine) DeleteProject(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteProject(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.deleted", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveResearch checkpoints an accepted research result: the summary row,
// its sources and the move to status outlined commit together.
func (e Engine) SaveResearch(ctx context.Context, projectID string, result *stages.ResearchResult, actorID string) error {
	research, sources := researchRows(projectID, result, e.timestamp())

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if err := ensureProjectTransition(p.Status, "outlined", false); err != nil {
		return err
	}
	if err := e.Repo.ReplaceResearchTx(ctx, tx, research, sources); err != nil {
		return fmt.Errorf("save research: %w", err)
	}
	if err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, "outlined", "", e.timestamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.research.saved", projectID, actorID, events.EventPayload{
		"sources": result.TotalSourcesFound,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveOutline checkpoints the normalized outline and moves the project to
// status writing.
func (e Engine) SaveOutline(ctx context.Context, projectID string, entries []stages.SectionWithSubsections, actorID string) error {
	rows := outlineRows(projectID, entries)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if err := ensureProjectTransition(p.Status, "writing", false); err != nil {
		return err
	}
	if err := e.Repo.ReplaceOutlineTx(ctx, tx, projectID, rows); err != nil {
		return fmt.Errorf("save outline: %w", err)
	}
	if err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, "writing", "", e.timestamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.outline.saved", projectID, actorID, events.EventPayload{
		"sections": len(entries),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveSections checkpoints one fan-out write result. Re-saving the same
// section replaces its rows. The transaction that brings the persisted
// top-level count up to expected also marks the project completed; the
// returned flag reports whether this call was the one.
func (e Engine) SaveSections(ctx context.Context, projectID string, result *stages.SingleSectionWritingResult, position, expected int, actorID string) (bool, error) {
	top, subs := sectionRows(projectID, result, position, e.timestamp())

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return false, err
	}
	if err := e.Repo.ReplaceSectionGroupTx(ctx, tx, top, subs); err != nil {
		return false, fmt.Errorf("save section %q: %w", top.Title, err)
	}
	if err := e.Events.Append(ctx, tx, "project.section.saved", projectID, actorID, events.EventPayload{
		"section":     top.Title,
		"word_count":  top.WordCount,
		"subsections": len(subs),
	}); err != nil {
		return false, err
	}

	count, err := e.Repo.CountTopLevelSectionsTx(ctx, tx, projectID)
	if err != nil {
		return false, err
	}
	completed := count >= expected && p.Status != "completed"
	if completed {
		if err := ensureProjectTransition(p.Status, "completed", false); err != nil {
			return false, err
		}
		if err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, "completed", "", e.timestamp()); err != nil {
			return false, err
		}
		if err := e.Events.Append(ctx, tx, "project.completed", projectID, actorID, events.EventPayload{
			"sections": count,
		}); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return completed, nil
}

// UpdateStatus validates and applies a status transition with a note.
func (e Engine) UpdateStatus(ctx context.Context, projectID, status, note, actorID string, force bool) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return p, err
	}
	if err := ensureProjectTransition(p.Status, status, force); err != nil {
		return p, err
	}
	now := e.timestamp()
	if err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, status, note, now); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "project.status", projectID, actorID, events.EventPayload{
		"from": p.Status,
		"to":   status,
		"note": note,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Status = status
	p.StatusNote = note
	p.UpdatedAt = now
	return p, nil
}

// ensureProjectTransition enforces the one-directional lifecycle. failed
// is reachable from any non-terminal state. researching is always
// reachable because every run, including an external re-trigger of a
// finished project, begins by claiming the project.
func ensureProjectTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	if newStatus == "researching" {
		return nil
	}
	if newStatus == "failed" {
		if oldStatus != "completed" && oldStatus != "failed" {
			return nil
		}
		return fmt.Errorf("invalid project status transition %s -> %s", oldStatus, newStatus)
	}
	switch oldStatus {
	case "researching":
		if newStatus == "outlined" {
			return nil
		}
	case "outlined":
		if newStatus == "writing" {
			return nil
		}
	case "writing":
		if newStatus == "completed" {
			return nil
		}
	}
	return fmt.Errorf("invalid project status transition %s -> %s", oldStatus, newStatus)
}

func researchRows(projectID string, result *stages.ResearchResult, now string) (domain.Research, []domain.Source) {
	research := domain.Research{
		ProjectID:         projectID,
		Summary:           result.ResearchSummary,
		Gaps:              result.ResearchGaps,
		Recommendations:   result.Recommendations,
		TotalSourcesFound: result.TotalSourcesFound,
		PDFSourcesCount:   result.PDFSourcesCount,
		WebSourcesCount:   result.WebSourcesCount,
		CreatedAt:         now,
	}
	sources := make([]domain.Source, 0, len(result.Sources))
	for i, src := range result.Sources {
		sources = append(sources, domain.Source{
			ID:              uuid.NewString(),
			ProjectID:       projectID,
			Position:        i + 1,
			Title:           src.Title,
			SourceType:      src.SourceType,
			Authors:         src.Authors,
			PublicationYear: src.PublicationYear,
			URL:             src.URL,
			DOI:             src.DOI,
			Abstract:        src.Abstract,
			KeyFindings:     src.KeyFindings,
			Summary:         src.Summary,
			FullContent:     src.FullContent,
			RelevanceScore:  src.RelevanceScore,
			RelevanceReason: src.RelevanceReason,
			CitationText:    src.CitationText,
		})
	}
	return research, sources
}

// outlineRows flattens normalized entries parent-first so parent_id
// references always point at an earlier row. Position is the source
// sequence, not the order field. The synthetic fallback entry becomes a
// single row titled Document.
func outlineRows(projectID string, entries []stages.SectionWithSubsections) []domain.OutlineSection {
	var rows []domain.OutlineSection
	pos := 0
	for _, entry := range entries {
		pos++
		top := domain.OutlineSection{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			Position:  pos,
		}
		if entry.Section == nil {
			top.Title = "Document"
			top.SectionType = "document"
		} else {
			top.Title = entry.Section.Title
			top.SectionType = entry.Section.SectionType
			top.WordCount = entry.Section.WordCount
		}
		rows = append(rows, top)
		for _, sub := range entry.Subsections {
			pos++
			parentID := top.ID
			rows = append(rows, domain.OutlineSection{
				ID:          uuid.NewString(),
				ProjectID:   projectID,
				Title:       sub.Title,
				SectionType: sub.SectionType,
				WordCount:   sub.WordCount,
				Position:    pos,
				ParentID:    &parentID,
			})
		}
	}
	return rows
}

func sectionRows(projectID string, result *stages.SingleSectionWritingResult, position int, now string) (domain.Section, []domain.Section) {
	top := domain.Section{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Title:       result.Section.SectionTitle,
		SectionType: result.Section.SectionType,
		Content:     result.Section.Content,
		WordCount:   result.Section.WordCount,
		Position:    position,
		CreatedAt:   now,
	}
	subs := make([]domain.Section, 0, len(result.Subsections))
	for i, sub := range result.Subsections {
		parent := sub.ParentSection
		if parent == "" {
			parent = top.Title
		}
		subs = append(subs, domain.Section{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			Title:       sub.SectionTitle,
			SectionType: sub.SectionType,
			ParentTitle: parent,
			Content:     sub.Content,
			WordCount:   sub.WordCount,
			Position:    i + 1,
			CreatedAt:   now,
		})
	}
	return top, subs
}
