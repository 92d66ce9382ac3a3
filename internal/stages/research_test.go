package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type fakeFetcher struct {
	byURL map[string]string
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) string {
	f.calls = append(f.calls, url)
	if text, ok := f.byURL[url]; ok {
		return text
	}
	return "fetched: " + url
}

func TestResearchAcceptsEnoughSources(t *testing.T) {
	p := &scriptedProvider{replies: []string{researchJSON(t, 12)}}
	stage := NewResearch(p, "test-model", nil, testPipelineConfig(), testLogger())

	result, err := stage.Run(context.Background(), ResearchInput{Topic: "X", CitationStyle: "APA"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.calls != 1 {
		t.Errorf("provider calls: got %d, want 1", p.calls)
	}
	if result.TotalSourcesFound != 12 || len(result.Sources) != 12 {
		t.Errorf("sources: total %d, len %d", result.TotalSourcesFound, len(result.Sources))
	}
	if result.ResearchSummary == "" {
		t.Error("summary empty")
	}
	if result.WebSourcesCount != 12 {
		t.Errorf("derived web count: got %d, want 12", result.WebSourcesCount)
	}
}

func TestResearchGuardrailBroadensAndRetries(t *testing.T) {
	p := &scriptedProvider{replies: []string{researchJSON(t, 7), researchJSON(t, 11)}}
	stage := NewResearch(p, "test-model", nil, testPipelineConfig(), testLogger())

	result, err := stage.Run(context.Background(), ResearchInput{Topic: "X", CitationStyle: "APA"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.calls != 2 {
		t.Errorf("provider calls: got %d, want 2", p.calls)
	}
	if result.TotalSourcesFound != 11 {
		t.Errorf("total: got %d, want 11", result.TotalSourcesFound)
	}
	if !strings.Contains(p.reqs[1].Prompt, "only 7 sources") {
		t.Errorf("second prompt not broadened:\n%s", p.reqs[1].Prompt)
	}
	if strings.Contains(p.reqs[0].Prompt, "previous pass") {
		t.Error("first prompt should not mention a previous pass")
	}
}

func TestResearchGuardrailExhaustsBudget(t *testing.T) {
	p := &scriptedProvider{replies: []string{researchJSON(t, 7)}}
	stage := NewResearch(p, "test-model", nil, testPipelineConfig(), testLogger())

	_, err := stage.Run(context.Background(), ResearchInput{Topic: "X", CitationStyle: "APA"})
	if err == nil {
		t.Fatal("expected error")
	}
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Stage != "research" {
		t.Fatalf("expected GenerationError for research, got %v", err)
	}
	var grErr *GuardrailError
	if !errors.As(err, &grErr) || grErr.Rule != "min_sources" {
		t.Fatalf("expected wrapped GuardrailError min_sources, got %v", err)
	}
	if p.calls != 3 {
		t.Errorf("provider calls: got %d, want 3", p.calls)
	}
}

func TestResearchRecoversFromInvalidOutput(t *testing.T) {
	p := &scriptedProvider{replies: []string{"sorry, here is prose instead", researchJSON(t, 12)}}
	stage := NewResearch(p, "test-model", nil, testPipelineConfig(), testLogger())

	result, err := stage.Run(context.Background(), ResearchInput{Topic: "X", CitationStyle: "APA"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.calls != 2 {
		t.Errorf("provider calls: got %d, want 2", p.calls)
	}
	if len(result.Sources) != 12 {
		t.Errorf("sources: got %d", len(result.Sources))
	}
}

func TestResearchProviderFailureIsFatal(t *testing.T) {
	p := &failingProvider{}
	stage := NewResearch(p, "test-model", nil, testPipelineConfig(), testLogger())

	_, err := stage.Run(context.Background(), ResearchInput{Topic: "X", CitationStyle: "APA"})
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	// One semantic attempt, transport retries exhausted inside it.
	if p.calls != 4 {
		t.Errorf("provider calls: got %d, want 4", p.calls)
	}
}

func TestResearchEnrichmentAbsorbsFetchFailures(t *testing.T) {
	n := 10
	fetcher := &fakeFetcher{byURL: map[string]string{
		"https://example.org/papers/3": "[fetch error: http 500]",
	}}
	p := &scriptedProvider{replies: []string{researchJSON(t, n)}}
	stage := NewResearch(p, "test-model", fetcher, testPipelineConfig(), testLogger())

	result, err := stage.Run(context.Background(), ResearchInput{Topic: "X", CitationStyle: "APA"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fetcher.calls) != n {
		t.Errorf("fetch calls: got %d, want %d", len(fetcher.calls), n)
	}
	var errStrings, filled int
	for _, src := range result.Sources {
		if src.FullContent == "" {
			t.Errorf("source %q not enriched", src.Title)
		}
		if strings.HasPrefix(src.FullContent, "[fetch error:") {
			errStrings++
		} else {
			filled++
		}
	}
	if errStrings != 1 || filled != n-1 {
		t.Errorf("enrichment split: %d errors, %d filled", errStrings, filled)
	}
}

func TestResearchMinimumFloorHolds(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.MinSources = 2 // below the floor; the stage must still demand 10
	p := &scriptedProvider{replies: []string{researchJSON(t, 9)}}
	stage := NewResearch(p, "test-model", nil, cfg, testLogger())

	_, err := stage.Run(context.Background(), ResearchInput{Topic: "X", CitationStyle: "APA"})
	var grErr *GuardrailError
	if !errors.As(err, &grErr) {
		t.Fatalf("expected GuardrailError, got %v", err)
	}
	if !strings.Contains(grErr.Detail, fmt.Sprintf("at least %d", 10)) {
		t.Errorf("floor not enforced: %s", grErr.Detail)
	}
}
