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

// Structure is one outline entry. ParentSection empty means top-level.
type Structure struct {
	Title         string `json:"title"`
	SectionType   string `json:"type,omitempty"`
	WordCount     int    `json:"word_count,omitempty"`
	Order         int    `json:"order,omitempty"`
	ParentSection string `json:"parent_section,omitempty"`
}

// OutlineResult is the structured output of the outline stage: a flat
// entry list in presentation order, subsections referencing their parent
// by title.
type OutlineResult struct {
	Structure []Structure `json:"structure"`
}

// SectionWithSubsections is one unit of writing work: a top-level section
// and its subsections. Section nil marks the synthetic fallback entry that
// wraps outline text the stage could not parse; Raw then carries that text
// verbatim.
type SectionWithSubsections struct {
	Section     *Structure
	Subsections []Structure
	Raw         string
}

// OutlineInput carries what the outline stage prompts with.
type OutlineInput struct {
	Topic           string
	CitationStyle   string
	ResearchSummary string
}

var structureShape = schema.Shape{Name: "entry", Fields: []schema.Field{
	{Name: "title", Kind: schema.String, Required: true},
	{Name: "type", Kind: schema.String},
	{Name: "word_count", Kind: schema.Int, Min: schema.F(0)},
	{Name: "order", Kind: schema.Int},
	{Name: "parent_section", Kind: schema.String},
}}

var outlineShape = schema.Shape{Name: "outline_result", Fields: []schema.Field{
	{Name: "structure", Kind: schema.List, Required: true, Elem: &structureShape},
}}

var outlinePromptTmpl = template.Must(template.New("outline").Parse(`Design the chapter outline for a thesis.

Topic: {{.Topic}}
Citation style: {{.CitationStyle}}

Research summary:
{{.ResearchSummary}}

Produce a complete academic outline: introduction, body chapters grounded in the research summary, and conclusion. Each entry needs:
- title
- type: e.g. "introduction", "chapter", "section", "conclusion"
- word_count: target length as an integer
- order: integer position in the document
- parent_section: the title of the containing section, or "" for top-level entries

List entries in presentation order, each top-level entry followed by its subsections.

Respond with a single JSON object with one key "structure" holding the entry list. Do not include any text outside the JSON object.

Example response:
{"structure": [{"title": "Introduction", "type": "introduction", "word_count": 800, "order": 1, "parent_section": ""}, {"title": "Motivation", "type": "section", "word_count": 400, "order": 2, "parent_section": "Introduction"}]}`))

// OutlineStage turns a research summary into a chapter outline.
type OutlineStage struct {
	Provider    llm.Provider
	Model       string
	MaxAttempts int
	Logger      *slog.Logger
}

// NewOutline creates an OutlineStage.
func NewOutline(provider llm.Provider, model string, cfg config.Pipeline, logger *slog.Logger) *OutlineStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutlineStage{
		Provider:    provider,
		Model:       model,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
	}
}

// Run prompts for an outline and returns either a *OutlineResult or, when
// every attempt produced unparsable output, the raw provider text. Either
// way the value goes through Normalize; unparsable text is not an error
// here.
func (s *OutlineStage) Run(ctx context.Context, in OutlineInput) (any, error) {
	log := s.Logger.With("stage", "outline", "topic", in.Topic)
	attempts := maxAttemptsOr(s.MaxAttempts)

	prompt, err := render(outlinePromptTmpl, in)
	if err != nil {
		return nil, &GenerationError{Stage: "outline", Reason: "render prompt", Err: err}
	}

	var lastRaw string
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := invoke(ctx, s.Provider, llm.Request{
			Model:  s.Model,
			System: "You are an academic writing planner.",
			Prompt: prompt,
		}, attempts)
		if err != nil {
			return nil, &GenerationError{Stage: "outline", Reason: "provider call failed", Err: err}
		}
		lastRaw = raw

		fields, err := schema.Validate(raw, outlineShape)
		if err != nil {
			lastErr = err
			log.Warn("outline: output failed validation", "attempt", attempt, "error", err)
			continue
		}

		result := &OutlineResult{}
		if err := decodeInto(fields, result); err != nil {
			lastErr = err
			log.Warn("outline: output did not convert", "attempt", attempt, "error", err)
			continue
		}
		log.Info("outline: accepted", "attempt", attempt, "entries", len(result.Structure))
		return result, nil
	}

	log.Warn("outline: all attempts unparsable, handing raw text to the normalizer", "error", lastErr)
	return lastRaw, nil
}

// Normalize converts whatever the outline stage produced into the canonical
// list of top-level sections with their subsections. Already-normalized
// values pass through unchanged. Text is parsed if possible; otherwise it
// degrades to exactly one synthetic entry wrapping the text verbatim, so
// fan-out always receives at least one unit of work. Entries keep source
// order; the order field is not re-sorted here.
func Normalize(raw any) []SectionWithSubsections {
	switch v := raw.(type) {
	case []SectionWithSubsections:
		return v
	case *OutlineResult:
		return groupStructure(v.Structure)
	case OutlineResult:
		return groupStructure(v.Structure)
	case map[string]any, string, []byte:
		text := ""
		switch t := v.(type) {
		case string:
			text = t
		case []byte:
			text = string(t)
		default:
			text = fmt.Sprintf("%v", t)
		}
		fields, err := schema.Validate(v, outlineShape)
		if err != nil {
			return synthetic(text)
		}
		result := &OutlineResult{}
		if err := decodeInto(fields, result); err != nil {
			return synthetic(text)
		}
		entries := groupStructure(result.Structure)
		if len(entries) == 0 {
			return synthetic(text)
		}
		return entries
	case nil:
		return synthetic("")
	default:
		return synthetic(fmt.Sprintf("%v", raw))
	}
}

func synthetic(text string) []SectionWithSubsections {
	return []SectionWithSubsections{{Section: nil, Raw: text}}
}

// groupStructure folds a flat entry list into top-level sections carrying
// their subsections. A subsection attaches to the section whose title
// matches its parent_section; with no match it attaches to the most recent
// top-level entry, and with no top-level entry yet it is promoted rather
// than dropped. Repeated top-level titles get a numeric suffix, since title
// is the persistence identity of a section: without it a later write would
// replace an earlier one and the fan-out could never account for every
// section.
func groupStructure(rows []Structure) []SectionWithSubsections {
	var entries []SectionWithSubsections
	index := make(map[string]int)
	for _, row := range rows {
		parent := strings.TrimSpace(row.ParentSection)
		if parent == "" {
			top := row
			top.Title = uniqueTitle(index, top.Title)
			index[top.Title] = len(entries)
			entries = append(entries, SectionWithSubsections{Section: &top})
			continue
		}
		if i, ok := index[parent]; ok {
			entries[i].Subsections = append(entries[i].Subsections, row)
			continue
		}
		if len(entries) > 0 {
			entries[len(entries)-1].Subsections = append(entries[len(entries)-1].Subsections, row)
			continue
		}
		top := row
		top.ParentSection = ""
		top.Title = uniqueTitle(index, top.Title)
		index[top.Title] = len(entries)
		entries = append(entries, SectionWithSubsections{Section: &top})
	}
	return entries
}

func uniqueTitle(index map[string]int, title string) string {
	if _, taken := index[title]; !taken {
		return title
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", title, n)
		if _, taken := index[candidate]; !taken {
			return candidate
		}
	}
}
