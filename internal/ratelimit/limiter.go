package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/escuela-ia/chat-guardrails/internal/config"
	"github.com/escuela-ia/chat-guardrails/internal/domain"
)

// Limiter checks the global, per-IP and per-user budgets for a request.
// The three scopes are admitted or rejected as a unit by the counter store.
// When the store itself fails the limiter fails open: availability is
// preferred over strict enforcement, and the degradation is logged.
type Limiter struct {
	cfg    config.RateLimitConfig
	store  CounterStore
	logger *slog.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter on top of the given counter store.
func NewLimiter(cfg config.RateLimitConfig, store CounterStore, logger *slog.Logger) *Limiter {
	return &Limiter{cfg: cfg, store: store, logger: logger, now: time.Now}
}

// Check admits or rejects a request identified by client IP and optional
// user ID. A rejection is returned as a rate-limit PipelineError carrying
// the retry-after hint; a store failure admits the request.
func (l *Limiter) Check(ctx context.Context, ip, userID string) error {
	if !l.cfg.Enabled {
		return nil
	}

	checks := make([]ScopeCheck, 0, 3)
	if l.cfg.GlobalPerHour > 0 {
		checks = append(checks, ScopeCheck{
			Key:    "global",
			Scope:  "global",
			Limit:  l.cfg.GlobalPerHour,
			Window: time.Hour,
		})
	}
	if l.cfg.PerIPPerMinute > 0 && ip != "" {
		checks = append(checks, ScopeCheck{
			Key:    "ip:" + ip,
			Scope:  "ip",
			Limit:  l.cfg.PerIPPerMinute,
			Window: time.Minute,
		})
	}
	if l.cfg.PerUserPerMinute > 0 && userID != "" {
		checks = append(checks, ScopeCheck{
			Key:    "user:" + userID,
			Scope:  "user",
			Limit:  l.cfg.PerUserPerMinute,
			Window: time.Minute,
		})
	}
	if len(checks) == 0 {
		return nil
	}

	decision, err := l.store.Admit(ctx, checks, l.now())
	if err != nil {
		// Fail open: the limit store being down must not take the service
		// down with it.
		l.logger.Warn("rate-limit store unavailable, admitting request",
			slog.String("error", err.Error()))
		return nil
	}

	if !decision.Allowed {
		l.logger.Warn("rate limit exceeded",
			slog.String("scope", decision.Scope),
			slog.Int("retry_after", decision.RetryAfter),
		)
		return domain.ErrRateLimited(decision.Scope, decision.RetryAfter)
	}
	return nil
}

// StartEviction runs periodic removal of expired windows until ctx is done.
func (l *Limiter) StartEviction(ctx context.Context) {
	interval := l.cfg.EvictionInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.store.Evict(ctx, l.now()); err != nil {
					l.logger.Warn("rate-window eviction failed",
						slog.String("error", err.Error()))
				}
			}
		}
	}()
}
