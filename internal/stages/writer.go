package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"thesisline/internal/config"
	"thesisline/internal/llm"
	"thesisline/internal/schema"
)

// SectionContent is the written body of one top-level section.
type SectionContent struct {
	SectionTitle string `json:"section_title"`
	SectionType  string `json:"section_type,omitempty"`
	Content      string `json:"content"`
	WordCount    int    `json:"word_count"`
}

// SubsectionContent is the written body of one subsection.
type SubsectionContent struct {
	SectionTitle  string `json:"section_title"`
	ParentSection string `json:"parent_section"`
	SectionType   string `json:"section_type,omitempty"`
	Content       string `json:"content"`
	WordCount     int    `json:"word_count"`
}

// SingleSectionWritingResult is the output of one fan-out write invocation.
type SingleSectionWritingResult struct {
	Section     SectionContent      `json:"section"`
	Subsections []SubsectionContent `json:"subsections,omitempty"`
}

// WriteInput carries the shared read-only context plus the one section in
// focus. Fan-out invocations share nothing mutable.
type WriteInput struct {
	Topic           string
	CitationStyle   string
	ResearchSummary string
	Outline         []SectionWithSubsections
	Section         SectionWithSubsections
	ProjectID       string
}

var sectionContentShape = schema.Shape{Name: "section", Fields: []schema.Field{
	{Name: "section_title", Kind: schema.String},
	{Name: "section_type", Kind: schema.String},
	{Name: "content", Kind: schema.String, Required: true},
	{Name: "word_count", Kind: schema.Int, Min: schema.F(0)},
}}

var subsectionContentShape = schema.Shape{Name: "subsection", Fields: []schema.Field{
	{Name: "section_title", Kind: schema.String, Required: true},
	{Name: "parent_section", Kind: schema.String},
	{Name: "section_type", Kind: schema.String},
	{Name: "content", Kind: schema.String, Required: true},
	{Name: "word_count", Kind: schema.Int, Min: schema.F(0)},
}}

var writerShape = schema.Shape{Name: "section_writing_result", Fields: []schema.Field{
	{Name: "section", Kind: schema.Object, Required: true, Elem: &sectionContentShape},
	{Name: "subsections", Kind: schema.List, Elem: &subsectionContentShape},
}}

var writerPromptTmpl = template.Must(template.New("writer").Parse(`Write one part of a thesis.

Topic: {{.Topic}}
Citation style: {{.CitationStyle}}

Research summary:
{{.ResearchSummary}}

Full outline:
{{.OutlineText}}
{{- if .Synthetic}}

The outline above could not be parsed into sections. Write a complete, well-structured draft of the document body based on this outline text:
{{.Raw}}
{{- else}}

Section in focus: "{{.SectionTitle}}"{{if .SectionType}} ({{.SectionType}}{{if .WordCount}}, target {{.WordCount}} words{{end}}){{end}}
{{- if .Subsections}}

Write the section body and then each subsection:
{{- range .Subsections}}
- "{{.Title}}"{{if .SectionType}} ({{.SectionType}}{{if .WordCount}}, target {{.WordCount}} words{{end}}){{end}}
{{- end}}
{{- end}}
{{- end}}

Write long-form academic prose in markdown. Ground every claim in the research summary and cite in {{.CitationStyle}} style. Meet or exceed each word count target.

Respond with a single JSON object with keys "section" (object with section_title, section_type, content, word_count) and "subsections" (list of objects with section_title, parent_section, section_type, content, word_count). word_count is the actual count of the content you wrote. Do not include any text outside the JSON object.

Example response:
{"section": {"section_title": "Introduction", "section_type": "introduction", "content": "## Introduction\n\n...", "word_count": 820}, "subsections": [{"section_title": "Motivation", "parent_section": "Introduction", "section_type": "section", "content": "### Motivation\n\n...", "word_count": 410}]}`))

// WriterStage writes one top-level section per invocation. Invocations are
// independent and safe to run concurrently.
type WriterStage struct {
	Provider    llm.Provider
	Model       string
	MaxAttempts int
	Logger      *slog.Logger
}

// NewWriter creates a WriterStage.
func NewWriter(provider llm.Provider, model string, cfg config.Pipeline, logger *slog.Logger) *WriterStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &WriterStage{
		Provider:    provider,
		Model:       model,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
	}
}

// Run writes the section in focus, retrying on invalid output within the
// attempt budget.
func (s *WriterStage) Run(ctx context.Context, in WriteInput) (*SingleSectionWritingResult, error) {
	focus := focusTitle(in.Section)
	log := s.Logger.With("stage", "write", "project", in.ProjectID, "section", focus)
	attempts := maxAttemptsOr(s.MaxAttempts)

	prompt, err := render(writerPromptTmpl, writerPromptData(in))
	if err != nil {
		return nil, &GenerationError{Stage: "write", Reason: "render prompt", Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := invoke(ctx, s.Provider, llm.Request{
			Model:  s.Model,
			System: "You are an academic writer.",
			Prompt: prompt,
		}, attempts)
		if err != nil {
			return nil, &GenerationError{Stage: "write", Reason: "provider call failed", Err: err}
		}

		fields, err := schema.Validate(raw, writerShape)
		if err != nil {
			lastErr = err
			log.Warn("write: output failed validation", "attempt", attempt, "error", err)
			continue
		}

		result := &SingleSectionWritingResult{}
		if err := decodeInto(fields, result); err != nil {
			lastErr = err
			log.Warn("write: output did not convert", "attempt", attempt, "error", err)
			continue
		}

		result.fill(in)
		if target := targetWords(in.Section); target > 0 && result.Section.WordCount < target {
			log.Warn("write: section under word target",
				"words", result.Section.WordCount, "target", target)
		}
		log.Info("write: accepted", "attempt", attempt,
			"words", result.Section.WordCount, "subsections", len(result.Subsections))
		return result, nil
	}

	return nil, &GenerationError{
		Stage:  "write",
		Reason: fmt.Sprintf("no acceptable result for section %q after %d attempts", focus, attempts),
		Err:    lastErr,
	}
}

type writerPromptVars struct {
	Topic, CitationStyle, ResearchSummary string
	OutlineText                           string
	Synthetic                             bool
	Raw                                   string
	SectionTitle, SectionType             string
	WordCount                             int
	Subsections                           []Structure
}

func writerPromptData(in WriteInput) writerPromptVars {
	data := writerPromptVars{
		Topic:           in.Topic,
		CitationStyle:   in.CitationStyle,
		ResearchSummary: in.ResearchSummary,
		OutlineText:     outlineDigest(in.Outline),
	}
	if in.Section.Section == nil {
		data.Synthetic = true
		data.Raw = in.Section.Raw
		return data
	}
	data.SectionTitle = in.Section.Section.Title
	data.SectionType = in.Section.Section.SectionType
	data.WordCount = in.Section.Section.WordCount
	data.Subsections = in.Section.Subsections
	return data
}

// fill backstops fields the provider left blank so persistence always has
// a stable identity and a word count.
func (r *SingleSectionWritingResult) fill(in WriteInput) {
	if r.Section.SectionTitle == "" {
		r.Section.SectionTitle = focusTitle(in.Section)
	}
	if r.Section.SectionType == "" && in.Section.Section != nil {
		r.Section.SectionType = in.Section.Section.SectionType
	}
	if r.Section.WordCount <= 0 {
		r.Section.WordCount = countWords(r.Section.Content)
	}
	for i := range r.Subsections {
		sub := &r.Subsections[i]
		if sub.ParentSection == "" {
			sub.ParentSection = r.Section.SectionTitle
		}
		if sub.WordCount <= 0 {
			sub.WordCount = countWords(sub.Content)
		}
	}
}

func focusTitle(section SectionWithSubsections) string {
	if section.Section != nil && section.Section.Title != "" {
		return section.Section.Title
	}
	return "Document"
}

func targetWords(section SectionWithSubsections) int {
	if section.Section == nil {
		return 0
	}
	return section.Section.WordCount
}

func countWords(text string) int {
	return len(strings.Fields(text))
}

// outlineDigest renders the outline as an indented listing for prompts.
func outlineDigest(entries []SectionWithSubsections) string {
	var sb strings.Builder
	for i, entry := range entries {
		if entry.Section == nil {
			sb.WriteString(strings.TrimSpace(entry.Raw))
			sb.WriteByte('\n')
			continue
		}
		fmt.Fprintf(&sb, "%d. %s (%s, %d words)\n",
			i+1, entry.Section.Title, entry.Section.SectionType, entry.Section.WordCount)
		for _, sub := range entry.Subsections {
			fmt.Fprintf(&sb, "   - %s (%s, %d words)\n", sub.Title, sub.SectionType, sub.WordCount)
		}
	}
	return strings.TrimSpace(sb.String())
}
