package llm

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/escuela-ia/chat-guardrails/internal/config"
)

// BreakerState is the explicit circuit breaker state.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// CircuitBreaker stops calling a failing upstream for a cool-down period.
//
// Transitions: Closed counts consecutive failures and opens at the
// threshold; Open rejects immediately until the cool-down elapses, then
// admits a single trial in HalfOpen; the trial's outcome closes or reopens
// the circuit.
type CircuitBreaker struct {
	mu sync.Mutex

	enabled   bool
	threshold int
	cooldown  time.Duration

	state    BreakerState
	failures int
	openedAt time.Time

	now    func() time.Time
	logger *slog.Logger
}

// NewCircuitBreaker creates a breaker in the Closed state.
func NewCircuitBreaker(cfg config.BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		enabled:   cfg.Enabled,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		state:     StateClosed,
		now:       time.Now,
		logger:    logger,
	}
}

// Allow reports whether a call may proceed. When the circuit is open it
// returns false with the whole seconds remaining until a trial is allowed.
// The transition Open -> HalfOpen happens here, and while HalfOpen only the
// single caller that triggered the transition is admitted.
func (b *CircuitBreaker) Allow() (bool, int) {
	if !b.enabled {
		return true, 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, 0
	case StateHalfOpen:
		// Trial already in flight.
		return false, retrySeconds(b.cooldown)
	default: // StateOpen
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cooldown {
			remaining := b.cooldown - elapsed
			return false, retrySeconds(remaining)
		}
		b.state = StateHalfOpen
		b.logger.Info("circuit breaker entering half-open state")
		return true, 0
	}
}

// RecordSuccess resets the breaker after a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.logger.Info("circuit breaker closed after successful trial")
	}
	b.state = StateClosed
	b.failures = 0
}

// RecordFailure counts a failure, opening the circuit at the threshold or
// immediately when a half-open trial fails.
func (b *CircuitBreaker) RecordFailure() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		b.logger.Warn("circuit breaker reopened after failed trial")
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.now()
		b.logger.Error("circuit breaker opened",
			slog.Int("consecutive_failures", b.failures))
	}
}

// State returns the current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func retrySeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
