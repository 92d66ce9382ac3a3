// Package schema validates the semi-structured output generation stages
// return before anything is persisted.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Kind is the expected primitive type of a field.
type Kind int

const (
	String Kind = iota
	Int
	Float
	Bool
	StringList
	List
	Object
)

// Field declares one expected field of a stage's output.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
	Enum     []string // allowed values for String fields, matched case-insensitively
	Min      *float64 // numeric lower bound, inclusive
	Max      *float64 // numeric upper bound, inclusive
	Elem     *Shape   // element shape for List, nested shape for Object
}

// Shape declares the expected structure of a stage's output.
type Shape struct {
	Name   string
	Fields []Field
}

// ValidationError reports output that does not conform to its declared shape.
type ValidationError struct {
	Reason     string
	RawExcerpt string
}

func (e *ValidationError) Error() string {
	if e.RawExcerpt == "" {
		return fmt.Sprintf("validate %s", e.Reason)
	}
	return fmt.Sprintf("validate %s (raw: %s)", e.Reason, e.RawExcerpt)
}

// Validate checks raw output against shape and returns a normalized map:
// whole floats become ints where Int is declared, strings are trimmed, enum
// values lowercased. raw may be a JSON string, raw bytes, or an
// already-decoded map. Pure function.
func Validate(raw any, shape Shape) (map[string]any, error) {
	value, excerpt, err := decode(raw)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("%s: %v", shape.Name, err), RawExcerpt: excerpt}
	}
	normalized, issues := validateObject(value, shape, shape.Name)
	if len(issues) > 0 {
		return nil, &ValidationError{Reason: strings.Join(issues, "; "), RawExcerpt: excerpt}
	}
	return normalized, nil
}

func decode(raw any) (map[string]any, string, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, "", nil
	case string:
		return decodeText(v)
	case []byte:
		return decodeText(string(v))
	case nil:
		return nil, "", fmt.Errorf("output is empty")
	default:
		return nil, Excerpt(fmt.Sprintf("%v", raw)), fmt.Errorf("output is %T, want object", raw)
	}
}

func decodeText(text string) (map[string]any, string, error) {
	var value map[string]any
	if err := json.Unmarshal([]byte(ParseLoose(text)), &value); err != nil {
		return nil, Excerpt(text), fmt.Errorf("not valid JSON: %w", err)
	}
	return value, Excerpt(text), nil
}

func validateObject(value map[string]any, shape Shape, path string) (map[string]any, []string) {
	normalized := make(map[string]any, len(shape.Fields))
	var issues []string
	for _, f := range shape.Fields {
		fieldPath := path + "." + f.Name
		raw, ok := value[f.Name]
		if !ok || raw == nil {
			if f.Required {
				issues = append(issues, fieldPath+" is required")
			}
			continue
		}
		v, fieldIssues := validateField(raw, f, fieldPath)
		if len(fieldIssues) > 0 {
			issues = append(issues, fieldIssues...)
			continue
		}
		normalized[f.Name] = v
	}
	return normalized, issues
}

func validateField(raw any, f Field, path string) (any, []string) {
	switch f.Kind {
	case String:
		s, ok := raw.(string)
		if !ok {
			return nil, []string{fmt.Sprintf("%s is %T, want string", path, raw)}
		}
		s = strings.TrimSpace(s)
		if f.Required && s == "" {
			return nil, []string{path + " is empty"}
		}
		if len(f.Enum) > 0 {
			s = strings.ToLower(s)
			for _, allowed := range f.Enum {
				if s == allowed {
					return s, nil
				}
			}
			return nil, []string{fmt.Sprintf("%s value %q not in %v", path, s, f.Enum)}
		}
		return s, nil
	case Int:
		n, ok := asFloat(raw)
		if !ok || n != math.Trunc(n) {
			return nil, []string{fmt.Sprintf("%s is %v, want integer", path, raw)}
		}
		if issue := checkRange(n, f, path); issue != "" {
			return nil, []string{issue}
		}
		return int(n), nil
	case Float:
		n, ok := asFloat(raw)
		if !ok {
			return nil, []string{fmt.Sprintf("%s is %T, want number", path, raw)}
		}
		if issue := checkRange(n, f, path); issue != "" {
			return nil, []string{issue}
		}
		return n, nil
	case Bool:
		b, ok := raw.(bool)
		if !ok {
			return nil, []string{fmt.Sprintf("%s is %T, want bool", path, raw)}
		}
		return b, nil
	case StringList:
		items, ok := raw.([]any)
		if !ok {
			// a bare string degrades to a single-element list
			if s, isStr := raw.(string); isStr {
				return []string{strings.TrimSpace(s)}, nil
			}
			return nil, []string{fmt.Sprintf("%s is %T, want list of strings", path, raw)}
		}
		out := make([]string, 0, len(items))
		for i, item := range items {
			s, isStr := item.(string)
			if !isStr {
				return nil, []string{fmt.Sprintf("%s[%d] is %T, want string", path, i, item)}
			}
			out = append(out, strings.TrimSpace(s))
		}
		return out, nil
	case List:
		items, ok := raw.([]any)
		if !ok {
			return nil, []string{fmt.Sprintf("%s is %T, want list", path, raw)}
		}
		if f.Elem == nil {
			return items, nil
		}
		out := make([]map[string]any, 0, len(items))
		var issues []string
		for i, item := range items {
			obj, isObj := item.(map[string]any)
			if !isObj {
				issues = append(issues, fmt.Sprintf("%s[%d] is %T, want object", path, i, item))
				continue
			}
			normalized, itemIssues := validateObject(obj, *f.Elem, fmt.Sprintf("%s[%d]", path, i))
			if len(itemIssues) > 0 {
				issues = append(issues, itemIssues...)
				continue
			}
			out = append(out, normalized)
		}
		if len(issues) > 0 {
			return nil, issues
		}
		return out, nil
	case Object:
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, []string{fmt.Sprintf("%s is %T, want object", path, raw)}
		}
		if f.Elem == nil {
			return obj, nil
		}
		normalized, issues := validateObject(obj, *f.Elem, path)
		if len(issues) > 0 {
			return nil, issues
		}
		return normalized, nil
	default:
		return nil, []string{fmt.Sprintf("%s has unknown kind", path)}
	}
}

func asFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func checkRange(n float64, f Field, path string) string {
	if f.Min != nil && n < *f.Min {
		return fmt.Sprintf("%s is %v, below minimum %v", path, n, *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		return fmt.Sprintf("%s is %v, above maximum %v", path, n, *f.Max)
	}
	return ""
}

// ParseLoose strips the markdown code fences providers wrap JSON in and
// trims any prose outside the outermost braces.
func ParseLoose(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndex(s, "}")
	} else {
		end = strings.LastIndex(s, "]")
	}
	if end <= start {
		return s
	}
	return s[start : end+1]
}

// Excerpt truncates raw output for error reporting.
func Excerpt(text string) string {
	const max = 200
	s := strings.TrimSpace(text)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// F returns a float pointer, a convenience for range bounds.
func F(v float64) *float64 { return &v }
