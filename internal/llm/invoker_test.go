package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/escuela-ia/chat-guardrails/internal/config"
	"github.com/escuela-ia/chat-guardrails/internal/domain"
)

// scriptedClient returns one response per call from its script.
type scriptedClient struct {
	calls     int
	responses []scriptedResponse
}

type scriptedResponse struct {
	resp *ChatCompletionResponse
	err  error
}

func (c *scriptedClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	idx := c.calls
	c.calls++
	if idx >= len(c.responses) {
		return nil, errors.New("script exhausted")
	}
	return c.responses[idx].resp, c.responses[idx].err
}

func (c *scriptedClient) StreamChatCompletion(ctx context.Context, req *ChatCompletionRequest) (<-chan StreamResult, error) {
	return nil, errors.New("not scripted")
}

func successResponse() *ChatCompletionResponse {
	resp := &ChatCompletionResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o-mini",
		Usage: Usage{PromptTokens: 171, CompletionTokens: 16, TotalTokens: 187},
	}
	resp.Choices = make([]struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}, 1)
	resp.Choices[0].Message = ChatMessage{Role: "assistant", Content: "Paris."}
	resp.Choices[0].FinishReason = "stop"
	return resp
}

func transientErr() error {
	return &UpstreamError{Kind: FailureServer, StatusCode: 500, Message: "upstream exploded"}
}

func fatalErr() error {
	return &UpstreamError{Kind: FailureInvalid, StatusCode: 400, Message: "bad request"}
}

func newTestInvoker(client CompletionClient, breaker *CircuitBreaker) *Invoker {
	if breaker == nil {
		breaker = NewCircuitBreaker(config.BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Cooldown:         time.Minute,
		}, discard())
	}
	inv := NewInvoker(client, breaker,
		config.OpenAIConfig{Model: "gpt-4o-mini", Timeout: 5 * time.Second},
		config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
		discard())
	inv.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return inv
}

func testChatRequest() *domain.ChatRequest {
	return &domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "What is the capital of France?"},
		},
	}
}

func TestInvoke_SuccessFirstAttempt(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{{resp: successResponse()}}}
	inv := newTestInvoker(client, nil)

	result, err := inv.Invoke(context.Background(), testChatRequest())
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if client.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", client.calls)
	}
	if result.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", result.RetryCount)
	}
	if result.Content != "Paris." {
		t.Errorf("Content = %q", result.Content)
	}
	if result.Usage.Total != 187 {
		t.Errorf("Usage.Total = %d, want 187", result.Usage.Total)
	}
}

func TestInvoke_RetriesTransientThenSucceeds(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{err: transientErr()},
		{err: transientErr()},
		{resp: successResponse()},
	}}
	inv := newTestInvoker(client, nil)

	result, err := inv.Invoke(context.Background(), testChatRequest())
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if client.calls != 3 {
		t.Errorf("upstream calls = %d, want 3", client.calls)
	}
	if result.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", result.RetryCount)
	}
}

func TestInvoke_ExhaustsRetryBudget(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{err: transientErr()},
		{err: transientErr()},
		{err: transientErr()},
	}}
	inv := newTestInvoker(client, nil)

	_, err := inv.Invoke(context.Background(), testChatRequest())
	if err == nil {
		t.Fatal("Invoke() = nil error after exhausting retries")
	}
	if client.calls != 3 {
		t.Errorf("upstream calls = %d, want 3", client.calls)
	}

	perr := domain.AsPipelineError(err)
	if perr.Type != domain.ErrorTypeUpstreamTransient {
		t.Errorf("error type = %s, want %s", perr.Type, domain.ErrorTypeUpstreamTransient)
	}
	if perr.HTTPStatusCode() != 503 {
		t.Errorf("status = %d, want 503", perr.HTTPStatusCode())
	}
}

func TestInvoke_NoRetryOnFatalError(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{{err: fatalErr()}}}
	inv := newTestInvoker(client, nil)

	_, err := inv.Invoke(context.Background(), testChatRequest())
	if err == nil {
		t.Fatal("Invoke() = nil error on fatal upstream failure")
	}
	if client.calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (no retry on fatal)", client.calls)
	}

	perr := domain.AsPipelineError(err)
	if perr.Type != domain.ErrorTypeUpstreamFatal {
		t.Errorf("error type = %s, want %s", perr.Type, domain.ErrorTypeUpstreamFatal)
	}
}

func TestInvoke_FatalDoesNotTripBreaker(t *testing.T) {
	breaker := NewCircuitBreaker(config.BreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		Cooldown:         time.Minute,
	}, discard())
	client := &scriptedClient{responses: []scriptedResponse{
		{err: fatalErr()},
		{resp: successResponse()},
	}}
	inv := newTestInvoker(client, breaker)

	if _, err := inv.Invoke(context.Background(), testChatRequest()); err == nil {
		t.Fatal("expected fatal error")
	}
	if breaker.State() != StateClosed {
		t.Errorf("breaker state = %s, want closed after fatal error", breaker.State())
	}
	if _, err := inv.Invoke(context.Background(), testChatRequest()); err != nil {
		t.Errorf("follow-up call failed: %v", err)
	}
}

func TestInvoke_FailsFastWhenCircuitOpen(t *testing.T) {
	breaker := NewCircuitBreaker(config.BreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		Cooldown:         time.Minute,
	}, discard())
	breaker.RecordFailure()

	client := &scriptedClient{responses: []scriptedResponse{{resp: successResponse()}}}
	inv := newTestInvoker(client, breaker)

	_, err := inv.Invoke(context.Background(), testChatRequest())
	if err == nil {
		t.Fatal("Invoke() = nil error with open circuit")
	}
	if client.calls != 0 {
		t.Errorf("upstream calls = %d, want 0 while circuit is open", client.calls)
	}

	perr := domain.AsPipelineError(err)
	if perr.Type != domain.ErrorTypeCircuitOpen {
		t.Errorf("error type = %s, want %s", perr.Type, domain.ErrorTypeCircuitOpen)
	}
	if perr.HTTPStatusCode() != 503 {
		t.Errorf("status = %d, want 503", perr.HTTPStatusCode())
	}
	if perr.RetryAfter < 1 {
		t.Errorf("RetryAfter = %d, want >= 1", perr.RetryAfter)
	}
}

func TestInvoke_TransientFailuresTripBreaker(t *testing.T) {
	breaker := NewCircuitBreaker(config.BreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		Cooldown:         time.Minute,
	}, discard())
	client := &scriptedClient{responses: []scriptedResponse{
		{err: transientErr()},
		{err: transientErr()},
		{err: transientErr()},
	}}
	inv := newTestInvoker(client, breaker)

	if _, err := inv.Invoke(context.Background(), testChatRequest()); err == nil {
		t.Fatal("expected failure")
	}
	if breaker.State() != StateOpen {
		t.Errorf("breaker state = %s, want open after threshold failures", breaker.State())
	}
}

func TestInvoke_EmptyChoices(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{resp: &ChatCompletionResponse{Model: "gpt-4o-mini"}},
	}}
	inv := newTestInvoker(client, nil)

	if _, err := inv.Invoke(context.Background(), testChatRequest()); err == nil {
		t.Fatal("Invoke() = nil error on response with no choices")
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	inv := NewInvoker(nil, NewCircuitBreaker(config.BreakerConfig{}, discard()),
		config.OpenAIConfig{},
		config.RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second},
		discard())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
		{4, 3 * time.Second},
	}
	for _, tt := range tests {
		if got := inv.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
