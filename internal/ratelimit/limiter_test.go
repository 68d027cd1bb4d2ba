package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/escuela-ia/chat-guardrails/internal/config"
	"github.com/escuela-ia/chat-guardrails/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRateLimitConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:          true,
		PerIPPerMinute:   5,
		PerUserPerMinute: 10,
		GlobalPerHour:    1000,
	}
}

// failingStore simulates the limit store being unreachable.
type failingStore struct{}

func (failingStore) Admit(ctx context.Context, checks []ScopeCheck, now time.Time) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}
func (failingStore) Evict(ctx context.Context, now time.Time) error { return errors.New("down") }
func (failingStore) Ping(ctx context.Context) error                 { return errors.New("down") }
func (failingStore) Close() error                                   { return nil }

func TestLimiter_RejectsOverLimit(t *testing.T) {
	limiter := NewLimiter(testRateLimitConfig(), NewMemoryStore(), testLogger())
	fixed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }

	for i := 0; i < 5; i++ {
		if err := limiter.Check(context.Background(), "203.0.113.9", "alice"); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}

	err := limiter.Check(context.Background(), "203.0.113.9", "alice")
	if err == nil {
		t.Fatal("request 6 admitted, want rate-limit rejection")
	}

	perr := domain.AsPipelineError(err)
	if perr.Type != domain.ErrorTypeRateLimit {
		t.Errorf("error type = %s, want %s", perr.Type, domain.ErrorTypeRateLimit)
	}
	if perr.HTTPStatusCode() != 429 {
		t.Errorf("status = %d, want 429", perr.HTTPStatusCode())
	}
	if perr.RetryAfter < 1 || perr.RetryAfter > 60 {
		t.Errorf("RetryAfter = %d, want within (0, 60]", perr.RetryAfter)
	}
}

func TestLimiter_PerUserScope(t *testing.T) {
	cfg := testRateLimitConfig()
	cfg.PerIPPerMinute = 1000
	cfg.PerUserPerMinute = 2
	limiter := NewLimiter(cfg, NewMemoryStore(), testLogger())

	for i := 0; i < 2; i++ {
		if err := limiter.Check(context.Background(), "203.0.113.9", "alice"); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}
	if err := limiter.Check(context.Background(), "203.0.113.9", "alice"); err == nil {
		t.Fatal("alice over user limit admitted")
	}

	// Same IP, different user: the user scope is independent.
	if err := limiter.Check(context.Background(), "203.0.113.9", "bob"); err != nil {
		t.Fatalf("bob rejected by alice's counter: %v", err)
	}
}

func TestLimiter_AnonymousSkipsUserScope(t *testing.T) {
	cfg := testRateLimitConfig()
	cfg.PerUserPerMinute = 1
	cfg.PerIPPerMinute = 3
	limiter := NewLimiter(cfg, NewMemoryStore(), testLogger())

	// Without a user ID only the IP and global scopes apply.
	for i := 0; i < 3; i++ {
		if err := limiter.Check(context.Background(), "203.0.113.9", ""); err != nil {
			t.Fatalf("anonymous request %d rejected: %v", i+1, err)
		}
	}
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	limiter := NewLimiter(testRateLimitConfig(), failingStore{}, testLogger())

	if err := limiter.Check(context.Background(), "203.0.113.9", "alice"); err != nil {
		t.Fatalf("Check() = %v, want nil when store is down", err)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	cfg := testRateLimitConfig()
	cfg.Enabled = false
	limiter := NewLimiter(cfg, failingStore{}, testLogger())

	if err := limiter.Check(context.Background(), "203.0.113.9", "alice"); err != nil {
		t.Fatalf("disabled limiter rejected a request: %v", err)
	}
}
