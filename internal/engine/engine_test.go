package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"thesisline/internal/config"
	"thesisline/internal/db"
	"thesisline/internal/domain"
	"thesisline/internal/engine"
	"thesisline/internal/llm"
	"thesisline/internal/migrate"
	"thesisline/internal/repo"
	"thesisline/internal/stages"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func createProject(t *testing.T, env testEnv, topic string) domain.Project {
	t.Helper()
	p, _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Topic: topic, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

// scriptedProvider replays canned completions in order, repeating the last
// one once the script runs out. Safe for the writer fan-out.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []string
	reqs    []llm.Request
	calls   int
}

func (p *scriptedProvider) Complete(_ context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	i := p.calls
	p.calls++
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	if i < 0 {
		return "", fmt.Errorf("no scripted reply")
	}
	return p.replies[i], nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// blockingProvider parks every call until release is closed, then answers
// with a fixed reply.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
	reply   string
	once    sync.Once
}

func (p *blockingProvider) Complete(ctx context.Context, _ llm.Request) (string, error) {
	p.once.Do(func() { close(p.started) })
	select {
	case <-p.release:
		return p.reply, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func newTestPipeline(env testEnv, research, outline, writer llm.Provider) *engine.Pipeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := env.Engine.Config.Pipeline
	return engine.NewPipeline(
		env.Engine,
		stages.NewResearch(research, "research-model", nil, cfg, logger),
		stages.NewOutline(outline, "outline-model", cfg, logger),
		stages.NewWriter(writer, "writer-model", cfg, logger),
		logger,
	)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return string(data)
}

func researchJSON(t *testing.T, n int) string {
	t.Helper()
	sources := make([]map[string]any, 0, n)
	for i := 1; i <= n; i++ {
		sources = append(sources, map[string]any{
			"title":           fmt.Sprintf("Study %d", i),
			"source_type":     "academic",
			"authors":         []string{"Author " + strconv.Itoa(i)},
			"url":             fmt.Sprintf("https://example.org/papers/%d", i),
			"summary":         "A relevant study.",
			"full_content":    "Full text of the study.",
			"relevance_score": 0.9,
		})
	}
	return mustJSON(t, map[string]any{
		"sources":          sources,
		"research_summary": "The field is active and well documented.",
	})
}

func outlineJSON(t *testing.T, tops, subs int) string {
	t.Helper()
	var rows []map[string]any
	order := 0
	for i := 1; i <= tops; i++ {
		order++
		chapter := fmt.Sprintf("Chapter %d", i)
		rows = append(rows, map[string]any{
			"title": chapter, "type": "chapter", "word_count": 1200, "order": order,
		})
		for j := 1; j <= subs; j++ {
			order++
			rows = append(rows, map[string]any{
				"title": fmt.Sprintf("Section %d.%d", i, j), "type": "section",
				"word_count": 400, "order": order, "parent_section": chapter,
			})
		}
	}
	return mustJSON(t, map[string]any{"structure": rows})
}

// writerReply leaves section_title empty so the stage fills it from the
// focus section, letting one canned reply serve every fan-out slot.
func writerReply(t *testing.T) string {
	t.Helper()
	return mustJSON(t, map[string]any{
		"section": map[string]any{
			"content": "Written body with citations (Author, 2024).",
		},
		"subsections": []map[string]any{
			{"section_title": "Part One", "content": "First part of the section."},
			{"section_title": "Part Two", "content": "Second part of the section."},
		},
	})
}

func TestPipelineRunCompletesProject(t *testing.T) {
	env := newTestEnv(t)
	p := createProject(t, env, "Urban beekeeping")

	research := &scriptedProvider{replies: []string{researchJSON(t, 12)}}
	outline := &scriptedProvider{replies: []string{outlineJSON(t, 3, 2)}}
	writer := &scriptedProvider{replies: []string{writerReply(t)}}
	pl := newTestPipeline(env, research, outline, writer)

	if err := pl.Run(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := env.Engine.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" {
		t.Fatalf("status = %s, want completed (note: %s)", got.Status, got.StatusNote)
	}

	res, err := env.Engine.Repo.GetResearch(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("research row: %v", err)
	}
	if res.TotalSourcesFound != 12 {
		t.Fatalf("total sources = %d, want 12", res.TotalSourcesFound)
	}
	sources, err := env.Engine.Repo.ListSources(env.Ctx, p.ID)
	if err != nil || len(sources) != 12 {
		t.Fatalf("sources = %d (%v), want 12", len(sources), err)
	}

	outlineRows, err := env.Engine.Repo.ListOutlineSections(env.Ctx, p.ID)
	if err != nil || len(outlineRows) != 9 {
		t.Fatalf("outline rows = %d (%v), want 9", len(outlineRows), err)
	}

	tops, err := env.Engine.Repo.ListTopLevelSections(env.Ctx, p.ID)
	if err != nil || len(tops) != 3 {
		t.Fatalf("top-level sections = %d (%v), want 3", len(tops), err)
	}
	all, err := env.Engine.Repo.ListSections(env.Ctx, p.ID)
	if err != nil || len(all) != 9 {
		t.Fatalf("section rows = %d (%v), want 9", len(all), err)
	}
	if writer.callCount() != 3 {
		t.Fatalf("writer calls = %d, want 3", writer.callCount())
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, 0, p.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, e := range evts {
		types[e.Type] = true
	}
	for _, want := range []string{"project.created", "project.research.saved", "project.outline.saved", "project.section.saved", "project.completed"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}

func TestPipelineRetriesThinResearch(t *testing.T) {
	env := newTestEnv(t)
	p := createProject(t, env, "Glacier melt modelling")

	research := &scriptedProvider{replies: []string{researchJSON(t, 7), researchJSON(t, 11)}}
	outline := &scriptedProvider{replies: []string{outlineJSON(t, 1, 0)}}
	writer := &scriptedProvider{replies: []string{writerReply(t)}}
	pl := newTestPipeline(env, research, outline, writer)

	if err := pl.Run(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if research.callCount() != 2 {
		t.Fatalf("research calls = %d, want 2", research.callCount())
	}
	got, _ := env.Engine.GetProject(env.Ctx, p.ID)
	if got.Status != "completed" {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	res, err := env.Engine.Repo.GetResearch(env.Ctx, p.ID)
	if err != nil || res.TotalSourcesFound != 11 {
		t.Fatalf("research row = %+v (%v), want 11 sources", res, err)
	}
}

func TestPipelineFailsAfterResearchBudget(t *testing.T) {
	env := newTestEnv(t)
	p := createProject(t, env, "Niche topic with no literature")

	research := &scriptedProvider{replies: []string{researchJSON(t, 7)}}
	outline := &scriptedProvider{replies: []string{outlineJSON(t, 1, 0)}}
	writer := &scriptedProvider{replies: []string{writerReply(t)}}
	pl := newTestPipeline(env, research, outline, writer)

	err := pl.Run(env.Ctx, p.ID, "tester")
	if err == nil {
		t.Fatal("expected run failure")
	}
	var genErr *stages.GenerationError
	if !errors.As(err, &genErr) || genErr.Stage != "research" {
		t.Fatalf("error = %v, want research GenerationError", err)
	}
	var guard *stages.GuardrailError
	if !errors.As(err, &guard) || guard.Rule != "min_sources" {
		t.Fatalf("error = %v, want wrapped min_sources guardrail", err)
	}
	if research.callCount() != 3 {
		t.Fatalf("research calls = %d, want 3", research.callCount())
	}

	got, _ := env.Engine.GetProject(env.Ctx, p.ID)
	if got.Status != "failed" {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.StatusNote, "research") {
		t.Fatalf("status note %q should name the stage", got.StatusNote)
	}
	if _, err := env.Engine.Repo.GetResearch(env.Ctx, p.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no research checkpoint, got %v", err)
	}
	if outline.callCount() != 0 {
		t.Fatalf("outline should not run after research failure")
	}
}

func TestPipelineUnparsableOutlineFallsBack(t *testing.T) {
	env := newTestEnv(t)
	p := createProject(t, env, "History of mechanical clocks")

	research := &scriptedProvider{replies: []string{researchJSON(t, 10)}}
	outline := &scriptedProvider{replies: []string{"I. Origins\nII. Escapements\nIII. Decline"}}
	writer := &scriptedProvider{replies: []string{writerReply(t)}}
	pl := newTestPipeline(env, research, outline, writer)

	if err := pl.Run(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("run: %v", err)
	}

	rows, err := env.Engine.Repo.ListOutlineSections(env.Ctx, p.ID)
	if err != nil || len(rows) != 1 {
		t.Fatalf("outline rows = %d (%v), want the single fallback row", len(rows), err)
	}
	if rows[0].Title != "Document" {
		t.Fatalf("fallback title = %q, want Document", rows[0].Title)
	}
	if writer.callCount() != 1 {
		t.Fatalf("writer calls = %d, want 1", writer.callCount())
	}
	got, _ := env.Engine.GetProject(env.Ctx, p.ID)
	if got.Status != "completed" {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestPipelineDuplicateOutlineTitlesComplete(t *testing.T) {
	env := newTestEnv(t)
	p := createProject(t, env, "Repeated chapter names")

	research := &scriptedProvider{replies: []string{researchJSON(t, 10)}}
	outline := &scriptedProvider{replies: []string{mustJSON(t, map[string]any{"structure": []map[string]any{
		{"title": "Analysis", "type": "chapter", "word_count": 1000, "order": 1},
		{"title": "Analysis", "type": "chapter", "word_count": 1000, "order": 2},
	}})}}
	writer := &scriptedProvider{replies: []string{writerReply(t)}}
	pl := newTestPipeline(env, research, outline, writer)

	if err := pl.Run(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := env.Engine.GetProject(env.Ctx, p.ID)
	if got.Status != "completed" {
		t.Fatalf("status = %s, want completed (note: %s)", got.Status, got.StatusNote)
	}

	tops, err := env.Engine.Repo.ListTopLevelSections(env.Ctx, p.ID)
	if err != nil || len(tops) != 2 {
		t.Fatalf("top-level sections = %d (%v), want 2", len(tops), err)
	}
	titles := map[string]bool{}
	for _, s := range tops {
		titles[s.Title] = true
	}
	if !titles["Analysis"] || !titles["Analysis (2)"] {
		t.Fatalf("titles = %v, want the duplicate disambiguated", titles)
	}
	if writer.callCount() != 2 {
		t.Fatalf("writer calls = %d, want 2", writer.callCount())
	}
}

func TestPipelineFailsWhenSectionWritesCollide(t *testing.T) {
	env := newTestEnv(t)
	p := createProject(t, env, "Colliding writer output")

	research := &scriptedProvider{replies: []string{researchJSON(t, 10)}}
	outline := &scriptedProvider{replies: []string{outlineJSON(t, 2, 0)}}
	// The provider insists on one title for every section, so the second
	// save replaces the first and the persisted count never reaches two.
	writer := &scriptedProvider{replies: []string{mustJSON(t, map[string]any{
		"section": map[string]any{"section_title": "Same Title", "content": "Body."},
	})}}
	pl := newTestPipeline(env, research, outline, writer)

	err := pl.Run(env.Ctx, p.ID, "tester")
	if err == nil {
		t.Fatal("run must not report success when the project never completed")
	}
	got, _ := env.Engine.GetProject(env.Ctx, p.ID)
	if got.Status != "failed" {
		t.Fatalf("status = %s, want failed (note: %s)", got.Status, got.StatusNote)
	}
	if !strings.Contains(got.StatusNote, "write") {
		t.Fatalf("status note %q should name the stage", got.StatusNote)
	}
}

func TestPipelineStageTimeoutFailsProject(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Pipeline.StageTimeout = config.Duration(30 * time.Millisecond)
	p := createProject(t, env, "Unresponsive provider")

	research := &blockingProvider{
		started: make(chan struct{}),
		release: make(chan struct{}),
		reply:   researchJSON(t, 10),
	}
	outline := &scriptedProvider{replies: []string{outlineJSON(t, 1, 0)}}
	writer := &scriptedProvider{replies: []string{writerReply(t)}}
	pl := newTestPipeline(env, research, outline, writer)

	err := pl.Run(env.Ctx, p.ID, "tester")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run error = %v, want deadline exceeded", err)
	}
	got, _ := env.Engine.GetProject(env.Ctx, p.ID)
	if got.Status != "failed" {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if outline.callCount() != 0 {
		t.Fatal("outline must not run after a timed-out research stage")
	}
}

func TestPipelineRejectsConcurrentRun(t *testing.T) {
	env := newTestEnv(t)
	p := createProject(t, env, "Soil microbiomes")

	research := &blockingProvider{
		started: make(chan struct{}),
		release: make(chan struct{}),
		reply:   researchJSON(t, 10),
	}
	outline := &scriptedProvider{replies: []string{outlineJSON(t, 1, 0)}}
	writer := &scriptedProvider{replies: []string{writerReply(t)}}
	pl := newTestPipeline(env, research, outline, writer)

	done := make(chan error, 1)
	go func() { done <- pl.Run(env.Ctx, p.ID, "tester") }()
	<-research.started

	if err := pl.Run(env.Ctx, p.ID, "tester"); !errors.Is(err, engine.ErrPipelineBusy) {
		t.Fatalf("second run error = %v, want ErrPipelineBusy", err)
	}

	close(research.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	// The slot frees once the run finishes.
	if err := pl.Run(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatalf("rerun after release: %v", err)
	}
}

func TestProjectStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	p := createProject(t, env, "Transition rules")

	step := func(status string, wantErr bool) {
		t.Helper()
		_, err := env.Engine.UpdateStatus(env.Ctx, p.ID, status, "", "tester", false)
		if wantErr && err == nil {
			t.Fatalf("transition to %s should be rejected", status)
		}
		if !wantErr && err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	step("writing", true)      // pending cannot skip ahead
	step("researching", false) // a run may start from any status
	step("writing", true)
	step("outlined", false)
	step("completed", true)
	step("writing", false)
	step("completed", false)
	step("failed", true) // terminal
	step("researching", false)
	step("failed", false)
	step("outlined", true) // failed is terminal short of a new run

	// force overrides the lifecycle
	if _, err := env.Engine.UpdateStatus(env.Ctx, p.ID, "writing", "manual override", "tester", true); err != nil {
		t.Fatalf("forced transition: %v", err)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, 0, p.ID, "project.status")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) < 7 {
		t.Fatalf("status events = %d, want one per applied transition", len(evts))
	}
}

func TestCreateProjectDefaults(t *testing.T) {
	env := newTestEnv(t)
	p, job, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Topic:   "Deep sea mining",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatal("no job expected without Enqueue")
	}
	if p.Name != "Deep sea mining" || p.CitationStyle != "APA" || p.Status != "pending" {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	cfg, err := env.Engine.Repo.GetProjectConfig(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("config snapshot: %v", err)
	}
	if cfg.Pipeline.MinSources != env.Engine.Config.Pipeline.MinSources {
		t.Fatalf("snapshot min_sources = %d", cfg.Pipeline.MinSources)
	}

	if _, _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ActorID: "tester"}); err == nil {
		t.Fatal("empty topic should be rejected")
	}
}

func TestEnqueueRunActiveGuard(t *testing.T) {
	env := newTestEnv(t)
	p, job, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Topic:   "Queued project",
		ActorID: "tester",
		Enqueue: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.Status != "queued" || job.Kind != "pipeline.run" {
		t.Fatalf("unexpected job: %+v", job)
	}

	if _, err := env.Engine.EnqueueRun(env.Ctx, p.ID, "tester"); !errors.Is(err, engine.ErrActiveRun) {
		t.Fatalf("second enqueue error = %v, want ErrActiveRun", err)
	}
	jobs, err := env.Engine.Repo.ListJobs(env.Ctx, p.ID)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %d (%v), want 1", len(jobs), err)
	}

	if _, err := env.Engine.EnqueueRun(env.Ctx, "missing", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("enqueue for missing project = %v, want ErrNotFound", err)
	}
}

func TestDeleteProjectKeepsAudit(t *testing.T) {
	env := newTestEnv(t)
	p := createProject(t, env, "Ephemeral project")

	if err := env.Engine.DeleteProject(env.Ctx, p.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetProject(env.Ctx, p.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("get after delete = %v, want ErrNotFound", err)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, p.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, e := range evts {
		types[e.Type] = true
	}
	if !types["project.created"] || !types["project.deleted"] {
		t.Fatalf("audit trail incomplete after delete: %v", types)
	}

	if err := env.Engine.DeleteProject(env.Ctx, p.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("double delete = %v, want ErrNotFound", err)
	}
}

func TestSaveSectionsReplacesAndCompletesOnce(t *testing.T) {
	env := newTestEnv(t)
	p := createProject(t, env, "Checkpoint semantics")

	if _, err := env.Engine.UpdateStatus(env.Ctx, p.ID, "researching", "", "tester", false); err != nil {
		t.Fatal(err)
	}
	research := &stages.ResearchResult{
		ResearchSummary:   "Enough material.",
		Sources:           []stages.Source{{Title: "Study 1", SourceType: "academic", RelevanceScore: 0.8}},
		TotalSourcesFound: 1,
	}
	if err := env.Engine.SaveResearch(env.Ctx, p.ID, research, "tester"); err != nil {
		t.Fatalf("save research: %v", err)
	}

	entries := []stages.SectionWithSubsections{
		{Section: &stages.Structure{Title: "Introduction", SectionType: "chapter", WordCount: 800, Order: 1}},
		{Section: &stages.Structure{Title: "Conclusion", SectionType: "chapter", WordCount: 600, Order: 2}},
	}
	if err := env.Engine.SaveOutline(env.Ctx, p.ID, entries, "tester"); err != nil {
		t.Fatalf("save outline: %v", err)
	}

	first := &stages.SingleSectionWritingResult{
		Section: stages.SectionContent{SectionTitle: "Introduction", SectionType: "chapter", Content: "Opening words.", WordCount: 2},
	}
	completed, err := env.Engine.SaveSections(env.Ctx, p.ID, first, 1, 2, "tester")
	if err != nil {
		t.Fatalf("save first section: %v", err)
	}
	if completed {
		t.Fatal("one of two sections should not complete the project")
	}

	second := &stages.SingleSectionWritingResult{
		Section: stages.SectionContent{SectionTitle: "Conclusion", SectionType: "chapter", Content: "Closing words.", WordCount: 2},
	}
	completed, err = env.Engine.SaveSections(env.Ctx, p.ID, second, 2, 2, "tester")
	if err != nil {
		t.Fatalf("save second section: %v", err)
	}
	if !completed {
		t.Fatal("second of two sections should complete the project")
	}
	got, _ := env.Engine.GetProject(env.Ctx, p.ID)
	if got.Status != "completed" {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	// Re-saving replaces content without a second completion.
	second.Section.Content = "Rewritten closing words."
	completed, err = env.Engine.SaveSections(env.Ctx, p.ID, second, 2, 2, "tester")
	if err != nil {
		t.Fatalf("re-save section: %v", err)
	}
	if completed {
		t.Fatal("re-save must not report completion again")
	}
	tops, err := env.Engine.Repo.ListTopLevelSections(env.Ctx, p.ID)
	if err != nil || len(tops) != 2 {
		t.Fatalf("top-level sections = %d (%v), want 2", len(tops), err)
	}
	var conclusion domain.Section
	for _, s := range tops {
		if s.Title == "Conclusion" {
			conclusion = s
		}
	}
	if conclusion.Content != "Rewritten closing words." {
		t.Fatalf("content = %q, want replacement", conclusion.Content)
	}
}
