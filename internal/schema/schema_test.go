package schema

import (
	"errors"
	"strings"
	"testing"
)

func sourceShape() Shape {
	return Shape{
		Name: "source",
		Fields: []Field{
			{Name: "title", Kind: String, Required: true},
			{Name: "source_type", Kind: String, Required: true, Enum: []string{"academic", "book", "article", "website", "report", "other"}},
			{Name: "authors", Kind: StringList},
			{Name: "publication_year", Kind: Int},
			{Name: "relevance_score", Kind: Float, Required: true, Min: F(0), Max: F(1)},
		},
	}
}

func TestValidateAcceptsDecodedMap(t *testing.T) {
	raw := map[string]any{
		"title":           "  Attention Is All You Need ",
		"source_type":     "Academic",
		"authors":         []any{"Vaswani", "Shazeer"},
		"relevance_score": 0.9,
	}
	got, err := Validate(raw, sourceShape())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got["title"] != "Attention Is All You Need" {
		t.Errorf("title not trimmed: %q", got["title"])
	}
	if got["source_type"] != "academic" {
		t.Errorf("enum not normalized: %q", got["source_type"])
	}
	authors, ok := got["authors"].([]string)
	if !ok || len(authors) != 2 {
		t.Errorf("authors = %#v", got["authors"])
	}
}

func TestValidateParsesJSONText(t *testing.T) {
	raw := "```json\n{\"title\":\"T\",\"source_type\":\"book\",\"relevance_score\":1,\"publication_year\":2017}\n```"
	got, err := Validate(raw, sourceShape())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got["publication_year"] != 2017 {
		t.Errorf("year = %#v, want int 2017", got["publication_year"])
	}
	if got["relevance_score"] != 1.0 {
		t.Errorf("score = %#v", got["relevance_score"])
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want string
	}{
		{"missing required", map[string]any{"source_type": "book", "relevance_score": 0.5}, "title is required"},
		{"bad enum", map[string]any{"title": "T", "source_type": "blog", "relevance_score": 0.5}, "not in"},
		{"score out of range", map[string]any{"title": "T", "source_type": "book", "relevance_score": 1.5}, "above maximum"},
		{"fractional int", map[string]any{"title": "T", "source_type": "book", "relevance_score": 0.5, "publication_year": 2017.5}, "want integer"},
		{"not json", "once upon a time", "not valid JSON"},
		{"wrong top-level type", []byte(`[1,2,3]`), "not valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.raw, sourceShape())
			if err == nil {
				t.Fatal("expected error")
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error type %T", err)
			}
			if !strings.Contains(vErr.Reason, tt.want) {
				t.Errorf("reason %q does not mention %q", vErr.Reason, tt.want)
			}
		})
	}
}

func TestValidateNestedList(t *testing.T) {
	shape := Shape{
		Name: "outline",
		Fields: []Field{
			{Name: "structure", Kind: List, Required: true, Elem: &Shape{
				Name: "entry",
				Fields: []Field{
					{Name: "title", Kind: String, Required: true},
					{Name: "word_count", Kind: Int, Min: F(0)},
				},
			}},
		},
	}
	raw := `{"structure":[{"title":"Intro","word_count":500},{"title":"Methods","word_count":800}]}`
	got, err := Validate(raw, shape)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	entries, ok := got["structure"].([]map[string]any)
	if !ok || len(entries) != 2 {
		t.Fatalf("structure = %#v", got["structure"])
	}
	if entries[1]["title"] != "Methods" {
		t.Errorf("entries[1] = %#v", entries[1])
	}

	_, err = Validate(`{"structure":[{"word_count":100}]}`, shape)
	if err == nil || !strings.Contains(err.Error(), "structure[0].title is required") {
		t.Errorf("nested issue not reported: %v", err)
	}
}

func TestParseLoose(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n[1,2]\n```", `[1,2]`},
		{"Here is the outline:\n{\"a\":1}\nHope this helps.", `{"a":1}`},
		{"no json here", "no json here"},
	}
	for _, tt := range tests {
		if got := ParseLoose(tt.in); got != tt.want {
			t.Errorf("ParseLoose(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExcerptTruncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := Excerpt(long)
	if len(got) != 203 || !strings.HasSuffix(got, "...") {
		t.Errorf("excerpt length %d", len(got))
	}
}
