package pipeline

import "fmt"

// ErrorKind classifies a StageError by origin: input, resource,
// content, artifact, or budget.
type ErrorKind string

const (
	KindInput    ErrorKind = "input"
	KindResource ErrorKind = "resource"
	KindContent  ErrorKind = "content"
	KindArtifact ErrorKind = "artifact"
	KindBudget   ErrorKind = "budget"
)

// StageError is the categorized error every stage either returns or
// wraps into a self-debug cycle. It implements Unwrap so errors.Is/As
// compose with the fmt.Errorf("...: %w", err) chains used throughout.
type StageError struct {
	Stage    Stage
	Kind     ErrorKind
	Category ErrorCategory
	Cause    error
}

func (e *StageError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("stage %s: %s/%s", e.Stage, e.Kind, e.Category)
	}
	return fmt.Sprintf("stage %s: %s/%s: %v", e.Stage, e.Kind, e.Category, e.Cause)
}

func (e *StageError) Unwrap() error { return e.Cause }

// NewStageError wraps cause with the stage and error classification it
// occurred under.
func NewStageError(stage Stage, kind ErrorKind, category ErrorCategory, cause error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Category: category, Cause: cause}
}

// Retryable reports whether the runner may silently retry the stage
// that raised this error. Resource errors are the only eligible class.
func (e *StageError) Retryable() bool {
	return e != nil && e.Kind == KindResource
}

// ErrSchemaParseFailure is returned by a stage when a structured LLM
// call's output fails to parse as JSON on both the first attempt and the
// stricter-reminder retry.
var ErrSchemaParseFailure = fmt.Errorf("schema_parse_failure")

// ErrNoCheckpoint is returned when a clarification resume references a
// correlation id with no matching checkpoint.
var ErrNoCheckpoint = fmt.Errorf("no checkpoint found for correlation id")
