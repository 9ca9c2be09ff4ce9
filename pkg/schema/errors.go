package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeGrammarUnsupported   = "GRAMMAR_UNSUPPORTED"
	ErrCodeDefinitionIncomplete = "DEFINITION_INCOMPLETE"
	ErrCodeParseFailure         = "PARSE_FAILURE"
	ErrCodeTransformFailure     = "TRANSFORM_FAILURE"
	ErrCodeRendererUnavailable  = "RENDERER_UNAVAILABLE"
	ErrCodeCircuitOpen          = "CIRCUIT_OPEN"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeSessionClosed        = "SESSION_CLOSED"
	ErrCodeStore                = "STORE_ERROR"
	ErrCodeExpression           = "EXPRESSION_ERROR"
)

// KindUnknown is reported by Kind for errors that carry no DiagramError code.
const KindUnknown = "UNKNOWN"

// DiagramError is the structured error type for all mermend operations.
type DiagramError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Cause     error          `json:"-"`
}

func (e *DiagramError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[%s] session %s: %s", e.Code, e.SessionID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DiagramError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether an automatic render retry may succeed.
// Syntax problems never fix themselves, so only transport-like failures qualify.
func (e *DiagramError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRendererUnavailable, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new DiagramError.
func NewError(code, message string) *DiagramError {
	return &DiagramError{Code: code, Message: message}
}

// NewErrorf creates a new DiagramError with a formatted message.
func NewErrorf(code, format string, args ...any) *DiagramError {
	return &DiagramError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithSession attaches a session ID to the error.
func (e *DiagramError) WithSession(sessionID string) *DiagramError {
	e.SessionID = sessionID
	return e
}

// WithCause attaches an underlying cause.
func (e *DiagramError) WithCause(err error) *DiagramError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *DiagramError) WithDetails(details map[string]any) *DiagramError {
	e.Details = details
	return e
}

// Kind returns the error code of the first DiagramError in err's chain,
// or KindUnknown.
func Kind(err error) string {
	var de *DiagramError
	if errors.As(err, &de) {
		return de.Code
	}
	return KindUnknown
}
