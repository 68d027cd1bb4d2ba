package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorizes a pipeline failure. Every stage-local error is
// converted to one of these before it leaves the pipeline.
type ErrorType string

const (
	// ErrorTypeValidation indicates a structural or limit violation in the
	// incoming request.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeInjection indicates the prompt-injection detector flagged the
	// request.
	ErrorTypeInjection ErrorType = "injection_detected"

	// ErrorTypeRateLimit indicates a rate-limit scope was exhausted.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeModeration indicates the pre-generation moderation gate
	// flagged the user content.
	ErrorTypeModeration ErrorType = "moderation_flagged"

	// ErrorTypeUpstreamTransient indicates a retryable upstream failure
	// (timeout, 429, 5xx) that exhausted its retry budget.
	ErrorTypeUpstreamTransient ErrorType = "upstream_transient"

	// ErrorTypeUpstreamFatal indicates a non-retryable upstream failure.
	ErrorTypeUpstreamFatal ErrorType = "upstream_fatal"

	// ErrorTypeCircuitOpen indicates the circuit breaker rejected the call
	// without contacting upstream.
	ErrorTypeCircuitOpen ErrorType = "circuit_open"

	// ErrorTypeInternal is the catch-all for unexpected failures.
	ErrorTypeInternal ErrorType = "internal"
)

// PipelineError is the canonical error crossing the pipeline boundary.
// Message is safe to show to callers; Cause retains the operator-facing
// detail for logs and trace spans.
type PipelineError struct {
	Type       ErrorType
	Stage      string
	Message    string
	RetryAfter int // seconds, only meaningful for rate-limit errors
	Cause      error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s at %s: %s: %v", e.Type, e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s at %s: %s", e.Type, e.Stage, e.Message)
}

// Unwrap exposes the internal cause for errors.Is/As.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// HTTPStatusCode maps the error type to the caller-facing status.
func (e *PipelineError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeValidation, ErrorTypeInjection, ErrorTypeModeration:
		return http.StatusBadRequest
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeUpstreamTransient, ErrorTypeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithCause attaches the internal cause and returns the error.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// WithRetryAfter sets the retry-after hint in seconds and returns the error.
func (e *PipelineError) WithRetryAfter(seconds int) *PipelineError {
	e.RetryAfter = seconds
	return e
}

// NewPipelineError creates a pipeline error for a stage with a caller-safe
// message.
func NewPipelineError(typ ErrorType, stage, message string) *PipelineError {
	return &PipelineError{Type: typ, Stage: stage, Message: message}
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *PipelineError {
	return NewPipelineError(ErrorTypeValidation, "validation", message)
}

// ErrInjection creates an injection-detected error with the canonical
// caller-facing message.
func ErrInjection() *PipelineError {
	return NewPipelineError(ErrorTypeInjection, "prompt_injection_check",
		"Prompt injection detected. Please rephrase your message.")
}

// ErrRateLimited creates a rate-limit error for the given scope.
func ErrRateLimited(scope string, retryAfter int) *PipelineError {
	return NewPipelineError(ErrorTypeRateLimit, "rate_limit",
		fmt.Sprintf("Rate limit exceeded: %s. Please try again later.", scope)).
		WithRetryAfter(retryAfter)
}

// ErrModerationFlagged creates a pre-generation moderation rejection.
func ErrModerationFlagged() *PipelineError {
	return NewPipelineError(ErrorTypeModeration, "moderation_pre_llm",
		"Content violates our usage policies. Please modify your message.")
}

// ErrUpstreamUnavailable creates the caller-facing error for exhausted
// transient upstream failures.
func ErrUpstreamUnavailable(cause error) *PipelineError {
	return NewPipelineError(ErrorTypeUpstreamTransient, "llm_call",
		"The model service is temporarily unavailable. Please try again later.").
		WithCause(cause)
}

// ErrUpstreamFatal creates the caller-facing error for non-retryable
// upstream failures.
func ErrUpstreamFatal(cause error) *PipelineError {
	return NewPipelineError(ErrorTypeUpstreamFatal, "llm_call",
		"An unexpected error occurred. Please try again later.").
		WithCause(cause)
}

// ErrCircuitOpen creates the fail-fast error emitted while the breaker is
// open.
func ErrCircuitOpen(retryAfter int) *PipelineError {
	return NewPipelineError(ErrorTypeCircuitOpen, "llm_call",
		"The model service is temporarily unavailable. Please try again later.").
		WithRetryAfter(retryAfter)
}

// ErrInternal wraps an unexpected failure with a generic caller message.
func ErrInternal(cause error) *PipelineError {
	return NewPipelineError(ErrorTypeInternal, "pipeline",
		"An unexpected error occurred. Please try again later.").
		WithCause(cause)
}

// AsPipelineError extracts a *PipelineError from err, wrapping unknown
// errors as internal so no raw error crosses the external boundary.
func AsPipelineError(err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return ErrInternal(err)
}
