package domain

import (
	"errors"
	"net/http"
	"testing"
)

func TestPipelineError_HTTPStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *PipelineError
		want int
	}{
		{"validation", ErrValidation("bad input"), http.StatusBadRequest},
		{"injection", ErrInjection(), http.StatusBadRequest},
		{"moderation", ErrModerationFlagged(), http.StatusBadRequest},
		{"rate limit", ErrRateLimited("ip", 30), http.StatusTooManyRequests},
		{"upstream transient", ErrUpstreamUnavailable(errors.New("boom")), http.StatusServiceUnavailable},
		{"circuit open", ErrCircuitOpen(45), http.StatusServiceUnavailable},
		{"upstream fatal", ErrUpstreamFatal(errors.New("boom")), http.StatusInternalServerError},
		{"internal", ErrInternal(errors.New("boom")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.want {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrRateLimited_CarriesRetryAfter(t *testing.T) {
	err := ErrRateLimited("user", 42)
	if err.RetryAfter != 42 {
		t.Errorf("RetryAfter = %d, want 42", err.RetryAfter)
	}
	if err.Type != ErrorTypeRateLimit {
		t.Errorf("Type = %s", err.Type)
	}
}

func TestPipelineError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := ErrUpstreamUnavailable(cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is() does not reach the cause")
	}
}

func TestAsPipelineError(t *testing.T) {
	pe := ErrValidation("nope")
	if got := AsPipelineError(pe); got != pe {
		t.Error("existing PipelineError was re-wrapped")
	}

	wrapped := AsPipelineError(errors.New("raw failure"))
	if wrapped.Type != ErrorTypeInternal {
		t.Errorf("Type = %s, want internal", wrapped.Type)
	}
	if wrapped.HTTPStatusCode() != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", wrapped.HTTPStatusCode())
	}
}

func TestPipelineError_MessageHidesCause(t *testing.T) {
	err := ErrUpstreamFatal(errors.New("api key sk-123 leaked in error"))
	// The caller-facing message must not contain internal detail.
	if err.Message != "An unexpected error occurred. Please try again later." {
		t.Errorf("Message = %q", err.Message)
	}
}
