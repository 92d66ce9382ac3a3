package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"thesisline/internal/config"
	"thesisline/internal/domain"
	"thesisline/internal/repo"
	"thesisline/internal/stages"
)

// ErrPipelineBusy rejects a run while another run for the same project is
// still in flight in this process.
var ErrPipelineBusy = errors.New("a pipeline run for this project is already in flight")

// Pipeline drives a full generation run: research, outline, then one write
// per top-level outline section.
type Pipeline struct {
	Engine   Engine
	Research *stages.ResearchStage
	Outline  *stages.OutlineStage
	Writer   *stages.WriterStage
	Logger   *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

func NewPipeline(eng Engine, research *stages.ResearchStage, outline *stages.OutlineStage, writer *stages.WriterStage, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		Engine:   eng,
		Research: research,
		Outline:  outline,
		Writer:   writer,
		Logger:   logger,
		active:   make(map[string]struct{}),
	}
}

// Run executes the stages for one project. Each checkpoint commits before
// the next stage starts, so an interrupted run leaves consistent state
// behind. A stage failure marks the project failed and is returned.
func (pl *Pipeline) Run(ctx context.Context, projectID, actorID string) error {
	if err := pl.claim(projectID); err != nil {
		return err
	}
	defer pl.release(projectID)

	p, err := pl.Engine.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	cfg := pl.snapshot(ctx, projectID)

	// Per-run copies so the config snapshot taken at project creation
	// governs this run even if the shared stages were built from a newer
	// config.
	research := *pl.Research
	research.MinSources = cfg.Pipeline.MinSources
	research.MaxAttempts = cfg.Pipeline.MaxAttempts
	outline := *pl.Outline
	outline.MaxAttempts = cfg.Pipeline.MaxAttempts
	writer := *pl.Writer
	writer.MaxAttempts = cfg.Pipeline.MaxAttempts

	if _, err := pl.Engine.UpdateStatus(ctx, projectID, "researching", "pipeline run started", actorID, false); err != nil {
		return err
	}
	log := pl.logger().With("project", projectID)
	log.Info("run started", "topic", p.Topic)

	researchResult, err := pl.runResearch(ctx, &research, p, cfg)
	if err != nil {
		return pl.fail(ctx, projectID, "research", actorID, err)
	}
	if err := pl.Engine.SaveResearch(ctx, projectID, researchResult, actorID); err != nil {
		return pl.fail(ctx, projectID, "research", actorID, err)
	}
	log.Info("research saved", "sources", researchResult.TotalSourcesFound)

	rawOutline, err := pl.runOutline(ctx, &outline, p, cfg, researchResult.ResearchSummary)
	if err != nil {
		return pl.fail(ctx, projectID, "outline", actorID, err)
	}
	entries := stages.Normalize(rawOutline)
	if err := pl.Engine.SaveOutline(ctx, projectID, entries, actorID); err != nil {
		return pl.fail(ctx, projectID, "outline", actorID, err)
	}
	log.Info("outline saved", "sections", len(entries))

	if err := pl.writeSections(ctx, &writer, p, cfg, researchResult.ResearchSummary, entries, actorID); err != nil {
		return pl.fail(ctx, projectID, "write", actorID, err)
	}

	// Every write returned, but only the save that brings the persisted
	// count up to the outline's section count flips the project to
	// completed. If that never happened (writes colliding on one section
	// identity, say) the run must not report success.
	final, err := pl.Engine.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if final.Status != "completed" {
		return pl.fail(ctx, projectID, "write", actorID,
			fmt.Errorf("%d section writes returned but the project never completed", len(entries)))
	}
	log.Info("run completed", "sections", len(entries))
	return nil
}

func (pl *Pipeline) runResearch(ctx context.Context, stage *stages.ResearchStage, p domain.Project, cfg *config.Config) (*stages.ResearchResult, error) {
	rctx, cancel := stageCtx(ctx, cfg.Pipeline.StageTimeout)
	defer cancel()
	return stage.Run(rctx, stages.ResearchInput{
		Topic:         p.Topic,
		CitationStyle: p.CitationStyle,
	})
}

func (pl *Pipeline) runOutline(ctx context.Context, stage *stages.OutlineStage, p domain.Project, cfg *config.Config, summary string) (any, error) {
	octx, cancel := stageCtx(ctx, cfg.Pipeline.StageTimeout)
	defer cancel()
	return stage.Run(octx, stages.OutlineInput{
		Topic:           p.Topic,
		CitationStyle:   p.CitationStyle,
		ResearchSummary: summary,
	})
}

// writeSections fans one write out per top-level section, at most
// WriterConcurrency in flight. Every section gets its attempt even after
// another has failed; the first error wins.
func (pl *Pipeline) writeSections(ctx context.Context, writer *stages.WriterStage, p domain.Project, cfg *config.Config, summary string, entries []stages.SectionWithSubsections, actorID string) error {
	expected := len(entries)
	if expected == 0 {
		_, err := pl.Engine.UpdateStatus(ctx, p.ID, "completed", "outline produced no sections", actorID, false)
		return err
	}

	width := cfg.Pipeline.WriterConcurrency
	if width < 1 {
		width = 1
	}
	sem := make(chan struct{}, width)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i, entry := range entries {
		wg.Add(1)
		go func(position int, entry stages.SectionWithSubsections) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := pl.writeOne(ctx, writer, p, cfg, summary, entries, entry, position, expected, actorID); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(i+1, entry)
	}
	wg.Wait()
	return firstErr
}

func (pl *Pipeline) writeOne(ctx context.Context, writer *stages.WriterStage, p domain.Project, cfg *config.Config, summary string, outline []stages.SectionWithSubsections, entry stages.SectionWithSubsections, position, expected int, actorID string) error {
	wctx, cancel := stageCtx(ctx, cfg.Pipeline.StageTimeout)
	defer cancel()

	result, err := writer.Run(wctx, stages.WriteInput{
		Topic:           p.Topic,
		CitationStyle:   p.CitationStyle,
		ResearchSummary: summary,
		Outline:         outline,
		Section:         entry,
		ProjectID:       p.ID,
	})
	if err != nil {
		return err
	}
	completed, err := pl.Engine.SaveSections(ctx, p.ID, result, position, expected, actorID)
	if err != nil {
		return err
	}
	if completed {
		pl.logger().Info("all sections written", "project", p.ID, "sections", expected)
	}
	return nil
}

// fail records the failure on the project and passes the error through.
func (pl *Pipeline) fail(ctx context.Context, projectID, stage, actorID string, err error) error {
	note := fmt.Sprintf("%s: %v", stage, err)
	if _, uerr := pl.Engine.UpdateStatus(ctx, projectID, "failed", note, actorID, false); uerr != nil {
		pl.logger().Error("could not mark project failed", "project", projectID, "err", uerr)
	}
	pl.logger().Error("run failed", "project", projectID, "stage", stage, "err", err)
	return err
}

// snapshot returns the config captured at project creation, falling back
// to the engine config when none was stored.
func (pl *Pipeline) snapshot(ctx context.Context, projectID string) *config.Config {
	cfg, err := pl.Engine.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			pl.logger().Warn("project config unreadable, using current", "project", projectID, "err", err)
		}
		return pl.Engine.Config
	}
	return cfg
}

func (pl *Pipeline) logger() *slog.Logger {
	if pl.Logger != nil {
		return pl.Logger
	}
	return slog.Default()
}

func (pl *Pipeline) claim(projectID string) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.active == nil {
		pl.active = make(map[string]struct{})
	}
	if _, ok := pl.active[projectID]; ok {
		return ErrPipelineBusy
	}
	pl.active[projectID] = struct{}{}
	return nil
}

func (pl *Pipeline) release(projectID string) {
	pl.mu.Lock()
	delete(pl.active, projectID)
	pl.mu.Unlock()
}

func stageCtx(ctx context.Context, timeout config.Duration) (context.Context, context.CancelFunc) {
	d := time.Duration(timeout)
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
