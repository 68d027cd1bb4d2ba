// Package ratelimit implements fixed-window request counting across three
// independent scopes (IP, user, global) with admit-all-or-reject semantics.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// ScopeCheck is one scope's budget to verify for a request.
type ScopeCheck struct {
	// Key identifies the counter, e.g. "ip:203.0.113.9" or "global".
	Key string
	// Scope names the budget for rejection messages: "ip", "user", "global".
	Scope string
	// Limit is the maximum number of admitted requests per window.
	Limit int
	// Window is the fixed window length.
	Window time.Duration
}

// Decision is the outcome of an Admit call.
type Decision struct {
	Allowed bool
	// Scope is the scope that rejected the request, when !Allowed.
	Scope string
	// RetryAfter is the whole seconds until the rejecting window expires.
	RetryAfter int
}

// CounterStore checks and increments a batch of scope counters as a unit:
// either every counter is incremented or none is. Implementations must make
// the check-and-increment atomic under concurrent callers so a window never
// admits more than its limit.
type CounterStore interface {
	Admit(ctx context.Context, checks []ScopeCheck, now time.Time) (Decision, error)
	// Evict removes counters whose window expired before now.
	Evict(ctx context.Context, now time.Time) error
	Ping(ctx context.Context) error
	Close() error
}

type window struct {
	start time.Time
	count int
}

// MemoryStore is a mutex-guarded in-process CounterStore. It backs tests and
// the storage type "memory"; counters do not survive restarts.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Admit implements CounterStore under a single lock, which makes the
// check-then-increment across all scopes naturally atomic.
func (s *MemoryStore) Admit(ctx context.Context, checks []ScopeCheck, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: verify every scope has headroom.
	for _, c := range checks {
		start := now.Truncate(c.Window)
		w, ok := s.windows[c.Key]
		if !ok || w.start.Before(start) {
			continue // expired or absent, counts as zero
		}
		if w.count >= c.Limit {
			return Decision{
				Scope:      c.Scope,
				RetryAfter: retryAfter(start.Add(c.Window), now),
			}, nil
		}
	}

	// Second pass: increment all counters as a unit.
	for _, c := range checks {
		start := now.Truncate(c.Window)
		w, ok := s.windows[c.Key]
		if !ok || w.start.Before(start) {
			s.windows[c.Key] = &window{start: start, count: 1}
			continue
		}
		w.count++
	}

	return Decision{Allowed: true}, nil
}

// Evict drops windows that ended before now.
func (s *MemoryStore) Evict(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range s.windows {
		// Windows are keyed per scope; the longest configured window is an
		// hour, so anything older than that is unreachable.
		if now.Sub(w.start) > time.Hour {
			delete(s.windows, key)
		}
	}
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// retryAfter converts the time until windowEnd into whole seconds, rounded
// up, never less than 1. Rounding up keeps the hint at or below the window
// length even when the full window remains.
func retryAfter(windowEnd, now time.Time) int {
	secs := int(math.Ceil(windowEnd.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
