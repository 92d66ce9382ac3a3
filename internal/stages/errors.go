package stages

import "fmt"

// GuardrailError reports stage output that is structurally valid but fails
// a business rule. Recoverable by re-invoking the stage with broadened
// parameters while its attempt budget lasts.
type GuardrailError struct {
	Rule   string
	Detail string
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("guardrail %s: %s", e.Rule, e.Detail)
}

// GenerationError reports a stage that could not produce an acceptable
// result: the provider kept failing, or every attempt returned output that
// did not survive validation or the guardrail. Fatal to the stage.
type GenerationError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s stage: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("%s stage: %s: %v", e.Stage, e.Reason, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
