package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// FailureKind classifies an upstream failure for retry decisions.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureRateLimited FailureKind = "rate_limited"
	FailureServer      FailureKind = "server_error"
	FailureInvalid     FailureKind = "invalid_request"
)

// UpstreamError is a classified failure from the completion API.
type UpstreamError struct {
	Kind       FailureKind
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Message)
}

// Transient reports whether the failure is worth retrying.
func (e *UpstreamError) Transient() bool {
	switch e.Kind {
	case FailureTimeout, FailureRateLimited, FailureServer:
		return true
	}
	return false
}

// classifyStatus maps an upstream HTTP status to a failure kind.
func classifyStatus(code int) FailureKind {
	switch {
	case code == http.StatusTooManyRequests:
		return FailureRateLimited
	case code == http.StatusRequestTimeout:
		return FailureTimeout
	case code >= 500:
		return FailureServer
	default:
		return FailureInvalid
	}
}

// classifyTransport wraps a transport-level error. Deadline expiry becomes a
// timeout; everything else (DNS, connection reset) counts as a server-side
// transient failure.
func classifyTransport(err error) *UpstreamError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{Kind: FailureTimeout, Message: err.Error()}
	}
	return &UpstreamError{Kind: FailureServer, Message: err.Error()}
}

// IsTransient reports whether err is a retryable upstream failure.
func IsTransient(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Transient()
}
