package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"thesisline/internal/config"
	"thesisline/internal/db"
	"thesisline/internal/domain"
	"thesisline/internal/engine"
	"thesisline/internal/llm"
	"thesisline/internal/migrate"
	"thesisline/internal/queue"
	"thesisline/internal/repo"
	"thesisline/internal/stages"
)

type cannedProvider struct {
	mu    sync.Mutex
	reply string
	calls int
}

func (p *cannedProvider) Complete(_ context.Context, _ llm.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.reply, nil
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
			"summary":         "A study.",
			"full_content":    "Text.",
			"relevance_score": 0.8,
		})
	}
	return mustJSON(t, map[string]any{"sources": sources, "research_summary": "Summary."})
}

func newRunner(t *testing.T, researchReply string) (*queue.Runner, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := eng.Config.Pipeline
	research := &cannedProvider{reply: researchReply}
	outline := &cannedProvider{reply: mustJSON(t, map[string]any{"structure": []map[string]any{
		{"title": "Body", "type": "chapter", "word_count": 900, "order": 1},
	}})}
	writer := &cannedProvider{reply: mustJSON(t, map[string]any{"section": map[string]any{"content": "Prose."}})}
	pl := engine.NewPipeline(
		eng,
		stages.NewResearch(research, "m", nil, cfg, logger),
		stages.NewOutline(outline, "m", cfg, logger),
		stages.NewWriter(writer, "m", cfg, logger),
		logger,
	)
	runner := queue.NewRunner(eng, pl, logger)
	runner.Interval = 10 * time.Millisecond
	return runner, eng
}

func enqueueProject(t *testing.T, eng engine.Engine) (domain.Project, domain.Job) {
	t.Helper()
	p, job, err := eng.CreateProject(context.Background(), engine.ProjectCreateOptions{
		Topic:   "Queued topic",
		ActorID: "tester",
		Enqueue: true,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if job == nil {
		t.Fatal("expected enqueued job")
	}
	return p, *job
}

func TestRunnerProcessesQueuedJob(t *testing.T) {
	runner, eng := newRunner(t, researchJSON(t, 10))
	ctx := context.Background()
	p, job := enqueueProject(t, eng)

	claimed, err := runner.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !claimed {
		t.Fatal("expected a claimed job")
	}

	got, err := eng.Repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "done" || got.Attempts != 1 {
		t.Fatalf("job = %+v, want done after one attempt", got)
	}
	project, _ := eng.GetProject(ctx, p.ID)
	if project.Status != "completed" {
		t.Fatalf("project status = %s, want completed", project.Status)
	}
}

func TestRunnerEmptyQueue(t *testing.T) {
	runner, _ := newRunner(t, researchJSON(t, 10))
	claimed, err := runner.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if claimed {
		t.Fatal("nothing should be claimed from an empty queue")
	}
}

func TestRunnerRetriesThenFailsJob(t *testing.T) {
	// Seven sources never satisfy the guardrail, so every run fails fast.
	runner, eng := newRunner(t, researchJSON(t, 7))
	ctx := context.Background()
	p, job := enqueueProject(t, eng)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := runner.ProcessOne(ctx)
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if !claimed {
			t.Fatalf("attempt %d: job should still be claimable", attempt)
		}
		got, err := eng.Repo.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if attempt < 3 && got.Status != "queued" {
			t.Fatalf("after attempt %d: status = %s, want queued", attempt, got.Status)
		}
		if attempt == 3 && got.Status != "failed" {
			t.Fatalf("after final attempt: status = %s, want failed", got.Status)
		}
	}

	claimed, err := runner.ProcessOne(ctx)
	if err != nil || claimed {
		t.Fatalf("exhausted job claimed again (claimed=%v err=%v)", claimed, err)
	}

	got, _ := eng.Repo.GetJob(ctx, job.ID)
	if got.Error == nil || *got.Error == "" {
		t.Fatal("job error should record the failure")
	}
	project, _ := eng.GetProject(ctx, p.ID)
	if project.Status != "failed" {
		t.Fatalf("project status = %s, want failed", project.Status)
	}
}

func TestClaimFailsOrphanedJobAfterLastLease(t *testing.T) {
	_, eng := newRunner(t, researchJSON(t, 10))
	ctx := context.Background()
	p, job := enqueueProject(t, eng)

	// Claim the job through every attempt, letting each lease lapse as if
	// the worker crashed mid-run, so requeue and fail never happen.
	now := time.Now()
	lease := time.Minute
	for attempt := 1; attempt <= job.MaxAttempts; attempt++ {
		claimed, err := eng.Repo.ClaimJob(ctx, now, lease)
		if err != nil {
			t.Fatalf("claim %d: %v", attempt, err)
		}
		if claimed.ID != job.ID || claimed.Attempts != attempt {
			t.Fatalf("claim %d = %+v", attempt, claimed)
		}
		now = now.Add(lease + time.Minute)
	}

	if _, err := eng.Repo.ClaimJob(ctx, now, lease); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("exhausted job claimed again: %v", err)
	}
	got, err := eng.Repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "failed" {
		t.Fatalf("job status = %s, want failed", got.Status)
	}
	if got.Error == nil || *got.Error == "" {
		t.Fatal("job error should record the expired lease")
	}

	// The failed orphan no longer blocks new runs for the project.
	if _, err := eng.Repo.ActiveJobForProject(ctx, p.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("project still blocked by orphaned job: %v", err)
	}
	if _, err := eng.EnqueueRun(ctx, p.ID, "tester"); err != nil {
		t.Fatalf("enqueue after orphan cleanup: %v", err)
	}
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	runner, _ := newRunner(t, researchJSON(t, 10))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}
