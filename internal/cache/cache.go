// Package cache provides an exact-match response cache keyed on the full
// conversation and sampling parameters.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/escuela-ia/chat-guardrails/internal/config"
	"github.com/escuela-ia/chat-guardrails/internal/domain"
)

// Entry is a cached completion.
type Entry struct {
	Content string
	Model   string
	Usage   domain.TokenUsage
	CostUSD float64
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Enabled bool    `json:"enabled"`
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// ResponseCache is an LRU with per-entry TTL. Identical conversations with
// identical sampling parameters share one entry.
type ResponseCache struct {
	enabled bool
	maxSize int
	lru     *expirable.LRU[string, Entry]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache sized and aged per cfg. A disabled cache is safe to
// call and always misses.
func New(cfg config.CacheConfig) *ResponseCache {
	c := &ResponseCache{
		enabled: cfg.Enabled,
		maxSize: cfg.Size,
	}
	if cfg.Enabled {
		c.lru = expirable.NewLRU[string, Entry](cfg.Size, nil, cfg.TTL)
	}
	return c
}

// Key derives a stable cache key from the conversation and sampling
// parameters. Requests differing only in user or session identity share keys.
func Key(req *domain.ChatRequest) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	enc.Encode(req.Messages)
	enc.Encode(req.Temperature)
	enc.Encode(req.MaxTokens)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached entry for key, counting the hit or miss.
func (c *ResponseCache) Get(key string) (Entry, bool) {
	if !c.enabled {
		return Entry{}, false
	}
	entry, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return entry, ok
}

// Put stores a completion under key.
func (c *ResponseCache) Put(key string, entry Entry) {
	if !c.enabled {
		return
	}
	c.lru.Add(key, entry)
}

// Stats returns a snapshot of the cache counters.
func (c *ResponseCache) Stats() Stats {
	s := Stats{
		Enabled: c.enabled,
		MaxSize: c.maxSize,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
	if c.enabled {
		s.Size = c.lru.Len()
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
