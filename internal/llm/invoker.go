package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/escuela-ia/chat-guardrails/internal/config"
	"github.com/escuela-ia/chat-guardrails/internal/domain"
)

// CompletionClient is the upstream surface the invoker depends on.
type CompletionClient interface {
	CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error)
	StreamChatCompletion(ctx context.Context, req *ChatCompletionRequest) (<-chan StreamResult, error)
}

// Result is a successful completion plus how hard it was to get.
type Result struct {
	Content    string
	Model      string
	Usage      domain.TokenUsage
	RetryCount int
}

// Invoker wraps the completion client with a per-attempt timeout, bounded
// exponential-backoff retries for transient failures, and a circuit breaker.
type Invoker struct {
	client  CompletionClient
	breaker *CircuitBreaker
	model   string
	timeout time.Duration
	retry   config.RetryConfig
	logger  *slog.Logger

	// sleep is context-aware and replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewInvoker creates an invoker for the configured model.
func NewInvoker(client CompletionClient, breaker *CircuitBreaker, cfg config.OpenAIConfig, retry config.RetryConfig, logger *slog.Logger) *Invoker {
	return &Invoker{
		client:  client,
		breaker: breaker,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		retry:   retry,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// Invoke runs a non-streaming completion. Transient failures are retried up
// to the configured attempt budget; non-transient failures fail immediately.
// The returned RetryCount is attempts minus one.
func (inv *Invoker) Invoke(ctx context.Context, req *domain.ChatRequest) (*Result, error) {
	wireReq := inv.buildRequest(req, false)

	var lastErr error
	maxAttempts := inv.maxAttempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ok, retryAfter := inv.breaker.Allow(); !ok {
			return nil, domain.ErrCircuitOpen(retryAfter)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, inv.timeout)
		resp, err := inv.client.CreateChatCompletion(attemptCtx, wireReq)
		cancel()

		if err == nil {
			inv.breaker.RecordSuccess()
			return inv.buildResult(resp, attempt-1)
		}

		if ctx.Err() != nil {
			// Caller went away; stop burning attempts.
			return nil, domain.ErrUpstreamUnavailable(ctx.Err())
		}

		if !IsTransient(err) {
			return nil, domain.ErrUpstreamFatal(err)
		}

		inv.breaker.RecordFailure()
		lastErr = err
		inv.logger.Warn("transient upstream failure",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if attempt < maxAttempts {
			if err := inv.sleep(ctx, inv.backoff(attempt)); err != nil {
				return nil, domain.ErrUpstreamUnavailable(lastErr)
			}
		}
	}

	return nil, domain.ErrUpstreamUnavailable(lastErr)
}

// InvokeStream starts a streaming completion, applying the same breaker and
// retry policy to stream initiation. Once the stream is open the caller owns
// it; mid-stream failures are not retried.
func (inv *Invoker) InvokeStream(ctx context.Context, req *domain.ChatRequest) (<-chan StreamResult, error) {
	wireReq := inv.buildRequest(req, true)

	var lastErr error
	maxAttempts := inv.maxAttempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ok, retryAfter := inv.breaker.Allow(); !ok {
			return nil, domain.ErrCircuitOpen(retryAfter)
		}

		stream, err := inv.client.StreamChatCompletion(ctx, wireReq)
		if err == nil {
			inv.breaker.RecordSuccess()
			return stream, nil
		}

		if ctx.Err() != nil {
			return nil, domain.ErrUpstreamUnavailable(ctx.Err())
		}
		if !IsTransient(err) {
			return nil, domain.ErrUpstreamFatal(err)
		}

		inv.breaker.RecordFailure()
		lastErr = err
		if attempt < maxAttempts {
			if err := inv.sleep(ctx, inv.backoff(attempt)); err != nil {
				return nil, domain.ErrUpstreamUnavailable(lastErr)
			}
		}
	}

	return nil, domain.ErrUpstreamUnavailable(lastErr)
}

// BreakerState exposes the breaker state for response metadata.
func (inv *Invoker) BreakerState() string {
	return string(inv.breaker.State())
}

func (inv *Invoker) buildRequest(req *domain.ChatRequest, stream bool) *ChatCompletionRequest {
	messages := make([]ChatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return &ChatCompletionRequest{
		Model:       inv.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func (inv *Invoker) buildResult(resp *ChatCompletionResponse, retries int) (*Result, error) {
	if len(resp.Choices) == 0 {
		return nil, domain.ErrUpstreamFatal(errors.New("upstream response contained no choices"))
	}
	return &Result{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: domain.TokenUsage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
			Total:  resp.Usage.TotalTokens,
		},
		RetryCount: retries,
	}, nil
}

func (inv *Invoker) maxAttempts() int {
	if inv.retry.MaxAttempts < 1 {
		return 1
	}
	return inv.retry.MaxAttempts
}

// backoff doubles the base delay per completed attempt, capped at the
// configured maximum.
func (inv *Invoker) backoff(attempt int) time.Duration {
	delay := inv.retry.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if inv.retry.MaxDelay > 0 && delay >= inv.retry.MaxDelay {
			return inv.retry.MaxDelay
		}
	}
	if inv.retry.MaxDelay > 0 && delay > inv.retry.MaxDelay {
		delay = inv.retry.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
