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

// Fetcher retrieves the readable text behind a URL. Failures come back as
// bracketed error-description strings, never as errors, so a bad link
// costs one source and nothing else.
type Fetcher interface {
	Fetch(ctx context.Context, url string) string
}

// Source is one reference collected by the research stage.
type Source struct {
	Title           string   `json:"title"`
	SourceType      string   `json:"source_type"`
	Authors         []string `json:"authors,omitempty"`
	PublicationYear *int     `json:"publication_year,omitempty"`
	URL             *string  `json:"url,omitempty"`
	DOI             *string  `json:"doi,omitempty"`
	Abstract        string   `json:"abstract,omitempty"`
	KeyFindings     string   `json:"key_findings,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	FullContent     string   `json:"full_content,omitempty"`
	RelevanceScore  float64  `json:"relevance_score,omitempty"`
	RelevanceReason string   `json:"relevance_reason,omitempty"`
	CitationText    string   `json:"citation_text,omitempty"`
}

// ResearchResult is the accepted output of the research stage.
type ResearchResult struct {
	Sources           []Source `json:"sources"`
	ResearchSummary   string   `json:"research_summary"`
	ResearchGaps      string   `json:"research_gaps,omitempty"`
	Recommendations   string   `json:"recommendations,omitempty"`
	TotalSourcesFound int      `json:"total_sources_found"`
	PDFSourcesCount   int      `json:"pdf_sources_count"`
	WebSourcesCount   int      `json:"web_sources_count"`
}

// ResearchInput carries the project fields the research stage prompts with.
type ResearchInput struct {
	Topic         string
	CitationStyle string
}

var sourceShape = schema.Shape{Name: "source", Fields: []schema.Field{
	{Name: "title", Kind: schema.String, Required: true},
	{Name: "source_type", Kind: schema.String, Required: true,
		Enum: []string{"academic", "book", "article", "website", "report", "other"}},
	{Name: "authors", Kind: schema.StringList},
	{Name: "publication_year", Kind: schema.Int},
	{Name: "url", Kind: schema.String},
	{Name: "doi", Kind: schema.String},
	{Name: "abstract", Kind: schema.String},
	{Name: "key_findings", Kind: schema.String},
	{Name: "summary", Kind: schema.String},
	{Name: "full_content", Kind: schema.String},
	{Name: "relevance_score", Kind: schema.Float, Min: schema.F(0), Max: schema.F(1)},
	{Name: "relevance_reason", Kind: schema.String},
	{Name: "citation_text", Kind: schema.String},
}}

var researchShape = schema.Shape{Name: "research_result", Fields: []schema.Field{
	{Name: "sources", Kind: schema.List, Required: true, Elem: &sourceShape},
	{Name: "research_summary", Kind: schema.String, Required: true},
	{Name: "research_gaps", Kind: schema.String},
	{Name: "recommendations", Kind: schema.String},
	{Name: "total_sources_found", Kind: schema.Int},
	{Name: "pdf_sources_count", Kind: schema.Int},
	{Name: "web_sources_count", Kind: schema.Int},
}}

var researchPromptTmpl = template.Must(template.New("research").Parse(`Research the following thesis topic and collect supporting sources.

Topic: {{.Topic}}
Citation style: {{.CitationStyle}}

Find at least {{.MinSources}} distinct, credible sources: peer-reviewed papers, books, reports and reputable websites. Prefer primary literature.
{{- if .Broaden}}

Your previous pass found only {{.PrevFound}} sources, which is not enough. Broaden the search: include adjacent subfields, survey articles, preprints, grey literature and older foundational work.
{{- end}}

For each source provide:
- title
- source_type: one of "academic", "book", "article", "website", "report", "other"
- authors: list of author names
- publication_year: integer year if known
- url: link to the source if available
- doi: DOI if available
- abstract: the source's abstract or a faithful summary of it
- key_findings: the findings relevant to the topic
- summary: two or three sentences on what the source contributes
- relevance_score: float between 0.0 and 1.0
- relevance_reason: one sentence justifying the score
- citation_text: a full {{.CitationStyle}} citation

Also provide:
- research_summary: a synthesis of the collected material (500+ words)
- research_gaps: open questions the sources leave unanswered
- recommendations: how the thesis should use this material
- total_sources_found: integer count of sources
- pdf_sources_count and web_sources_count: integer counts by kind

Respond with a single JSON object with keys "sources", "research_summary", "research_gaps", "recommendations", "total_sources_found", "pdf_sources_count", "web_sources_count". Do not include any text outside the JSON object.

Example response:
{"sources": [{"title": "Attention Is All You Need", "source_type": "academic", "authors": ["Vaswani, A."], "publication_year": 2017, "url": "https://arxiv.org/abs/1706.03762", "abstract": "...", "key_findings": "...", "summary": "...", "relevance_score": 0.95, "relevance_reason": "...", "citation_text": "..."}], "research_summary": "...", "research_gaps": "...", "recommendations": "...", "total_sources_found": 12, "pdf_sources_count": 8, "web_sources_count": 4}`))

// ResearchStage collects and summarizes sources for a topic. Results below
// the minimum source count are rejected and the stage re-prompts with
// broadened terms until the attempt budget runs out.
type ResearchStage struct {
	Provider    llm.Provider
	Model       string
	Fetch       Fetcher
	MinSources  int
	MaxAttempts int
	Logger      *slog.Logger
}

// NewResearch creates a ResearchStage. fetcher may be nil to disable
// full-content enrichment.
func NewResearch(provider llm.Provider, model string, fetcher Fetcher, cfg config.Pipeline, logger *slog.Logger) *ResearchStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResearchStage{
		Provider:    provider,
		Model:       model,
		Fetch:       fetcher,
		MinSources:  cfg.MinSources,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
	}
}

// minSources never reports less than the hard floor, whatever was injected.
func (s *ResearchStage) minSources() int {
	if s.MinSources < config.MinSourcesFloor {
		return config.MinSourcesFloor
	}
	return s.MinSources
}

// Run prompts for sources until a result passes validation and the
// minimum-source gate. Below-threshold results are never returned.
func (s *ResearchStage) Run(ctx context.Context, in ResearchInput) (*ResearchResult, error) {
	log := s.Logger.With("stage", "research", "topic", in.Topic)
	attempts := maxAttemptsOr(s.MaxAttempts)

	var lastErr error
	prevFound := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		prompt, err := render(researchPromptTmpl, struct {
			Topic, CitationStyle string
			MinSources           int
			Broaden              bool
			PrevFound            int
		}{in.Topic, in.CitationStyle, s.minSources(), attempt > 1, prevFound})
		if err != nil {
			return nil, &GenerationError{Stage: "research", Reason: "render prompt", Err: err}
		}

		raw, err := invoke(ctx, s.Provider, llm.Request{
			Model:  s.Model,
			System: "You are an academic research assistant.",
			Prompt: prompt,
		}, attempts)
		if err != nil {
			return nil, &GenerationError{Stage: "research", Reason: "provider call failed", Err: err}
		}

		fields, err := schema.Validate(raw, researchShape)
		if err != nil {
			lastErr = err
			log.Warn("research: output failed validation", "attempt", attempt, "error", err)
			continue
		}

		result := &ResearchResult{}
		if err := decodeInto(fields, result); err != nil {
			lastErr = err
			log.Warn("research: output did not convert", "attempt", attempt, "error", err)
			continue
		}

		// The reported total is advisory; the source list is the truth.
		result.TotalSourcesFound = len(result.Sources)
		if result.TotalSourcesFound < s.minSources() {
			prevFound = result.TotalSourcesFound
			lastErr = &GuardrailError{
				Rule:   "min_sources",
				Detail: fmt.Sprintf("found %d sources, need at least %d", prevFound, s.minSources()),
			}
			log.Warn("research: too few sources, broadening",
				"attempt", attempt, "found", prevFound, "min", s.minSources())
			continue
		}

		s.enrich(ctx, result, log)
		result.deriveCounts()
		log.Info("research: accepted", "attempt", attempt, "sources", result.TotalSourcesFound)
		return result, nil
	}

	return nil, &GenerationError{
		Stage:  "research",
		Reason: fmt.Sprintf("no acceptable result after %d attempts", attempts),
		Err:    lastErr,
	}
}

// enrich fills missing full_content by fetching each source's URL. Fetch
// failures land in full_content as bracketed error strings and research
// carries on with the rest.
func (s *ResearchStage) enrich(ctx context.Context, result *ResearchResult, log *slog.Logger) {
	if s.Fetch == nil {
		return
	}
	for i := range result.Sources {
		src := &result.Sources[i]
		if src.URL == nil || *src.URL == "" || src.FullContent != "" {
			continue
		}
		src.FullContent = s.Fetch.Fetch(ctx, *src.URL)
	}
	log.Debug("research: enriched sources", "count", len(result.Sources))
}

// deriveCounts recomputes the aggregate counts from the source list when
// the provider left them at zero.
func (r *ResearchResult) deriveCounts() {
	r.TotalSourcesFound = len(r.Sources)
	if r.PDFSourcesCount != 0 || r.WebSourcesCount != 0 {
		return
	}
	for _, src := range r.Sources {
		if src.URL == nil || *src.URL == "" {
			continue
		}
		if strings.HasSuffix(strings.ToLower(*src.URL), ".pdf") {
			r.PDFSourcesCount++
		} else {
			r.WebSourcesCount++
		}
	}
}
