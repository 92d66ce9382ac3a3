package stages

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func chapterInput(title string, subs ...string) WriteInput {
	section := SectionWithSubsections{
		Section: &Structure{Title: title, SectionType: "chapter", WordCount: 1200, Order: 1},
	}
	for i, sub := range subs {
		section.Subsections = append(section.Subsections, Structure{
			Title: sub, SectionType: "section", WordCount: 600,
			Order: i + 2, ParentSection: title,
		})
	}
	return WriteInput{
		Topic:           "X",
		CitationStyle:   "APA",
		ResearchSummary: "summary",
		Outline:         []SectionWithSubsections{section},
		Section:         section,
		ProjectID:       "p1",
	}
}

func TestWriterProducesSectionWithSubsections(t *testing.T) {
	p := &scriptedProvider{replies: []string{writerJSON(t, "Methods", 1300, "Sampling", "Analysis")}}
	stage := NewWriter(p, "test-model", testPipelineConfig(), testLogger())

	result, err := stage.Run(context.Background(), chapterInput("Methods", "Sampling", "Analysis"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Section.SectionTitle != "Methods" || result.Section.WordCount != 1300 {
		t.Errorf("section: %+v", result.Section)
	}
	if len(result.Subsections) != 2 {
		t.Fatalf("subsections: got %d, want 2", len(result.Subsections))
	}
	for _, sub := range result.Subsections {
		if sub.ParentSection != "Methods" {
			t.Errorf("subsection %q parent %q", sub.SectionTitle, sub.ParentSection)
		}
	}
	prompt := p.reqs[0].Prompt
	if !strings.Contains(prompt, `"Methods"`) || !strings.Contains(prompt, "Sampling") {
		t.Errorf("prompt missing focus section:\n%s", prompt)
	}
}

func TestWriterBackstopsMissingFields(t *testing.T) {
	reply := mustJSON(t, map[string]any{
		"section": map[string]any{
			"content": "## Methods\n\nOne two three four five.",
		},
		"subsections": []map[string]any{{
			"section_title": "Sampling",
			"content":       "### Sampling\n\nSix seven eight.",
		}},
	})
	p := &scriptedProvider{replies: []string{reply}}
	stage := NewWriter(p, "test-model", testPipelineConfig(), testLogger())

	result, err := stage.Run(context.Background(), chapterInput("Methods", "Sampling"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Section.SectionTitle != "Methods" {
		t.Errorf("title backstop: %q", result.Section.SectionTitle)
	}
	if result.Section.SectionType != "chapter" {
		t.Errorf("type backstop: %q", result.Section.SectionType)
	}
	if result.Section.WordCount != 7 {
		t.Errorf("word count backstop: %d", result.Section.WordCount)
	}
	if result.Subsections[0].ParentSection != "Methods" {
		t.Errorf("parent backstop: %q", result.Subsections[0].ParentSection)
	}
	if result.Subsections[0].WordCount != 5 {
		t.Errorf("subsection word count backstop: %d", result.Subsections[0].WordCount)
	}
}

func TestWriterSyntheticSection(t *testing.T) {
	rawOutline := "I. Introduction\nII. Conclusion"
	in := WriteInput{
		Topic:           "X",
		CitationStyle:   "APA",
		ResearchSummary: "summary",
		Outline:         []SectionWithSubsections{{Raw: rawOutline}},
		Section:         SectionWithSubsections{Raw: rawOutline},
		ProjectID:       "p1",
	}
	reply := mustJSON(t, map[string]any{
		"section": map[string]any{"content": "Full draft body.", "word_count": 900},
	})
	p := &scriptedProvider{replies: []string{reply}}
	stage := NewWriter(p, "test-model", testPipelineConfig(), testLogger())

	result, err := stage.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Section.SectionTitle != "Document" {
		t.Errorf("synthetic title: %q", result.Section.SectionTitle)
	}
	if !strings.Contains(p.reqs[0].Prompt, rawOutline) {
		t.Errorf("prompt missing raw outline:\n%s", p.reqs[0].Prompt)
	}
}

func TestWriterExhaustsAttemptsOnInvalidOutput(t *testing.T) {
	p := &scriptedProvider{replies: []string{`{"no_section": true}`}}
	stage := NewWriter(p, "test-model", testPipelineConfig(), testLogger())

	_, err := stage.Run(context.Background(), chapterInput("Methods"))
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Stage != "write" {
		t.Fatalf("expected write GenerationError, got %v", err)
	}
	if p.calls != 3 {
		t.Errorf("provider calls: got %d, want 3", p.calls)
	}
}
