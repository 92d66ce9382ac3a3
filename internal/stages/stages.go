// Package stages holds the three generation stages of a pipeline run:
// research, outline and section writing. Each stage renders a prompt,
// invokes its provider, validates the semi-structured reply and converts
// it to a typed result. Stages are constructed once at process start and
// injected into the engine.
package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"text/template"
	"time"

	"thesisline/internal/llm"
)

// backoffBase controls the base duration for exponential backoff between
// provider retries. Tests override this to avoid real sleeps.
var backoffBase = time.Second

// invoke calls the provider, retrying transient failures with exponential
// backoff. Validation of the reply is the caller's concern.
func invoke(ctx context.Context, p llm.Provider, req llm.Request, maxRetries int) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * backoffBase
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		out, err := p.Complete(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("after %d retries: %w", maxRetries, lastErr)
}

// decodeInto converts a validated field map to a typed result via JSON
// round-trip.
func decodeInto(fields map[string]any, dst any) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func maxAttemptsOr(n int) int {
	if n <= 0 {
		return 3
	}
	return n
}
