// Package cost computes per-request USD cost from token usage and keeps a
// running ledger with daily and monthly aggregates and advisory budget
// warnings.
package cost

import (
	"context"
	"sync"

	"github.com/escuela-ia/chat-guardrails/internal/domain"
)

// DailySummary is the aggregate for one calendar day (UTC).
type DailySummary struct {
	Date         string  `json:"date"`
	Count        int     `json:"count"`
	TotalCostUSD float64 `json:"total_cost"`
	TotalTokens  int     `json:"total_tokens"`
}

// MonthlySummary is the aggregate for one calendar month (UTC).
type MonthlySummary struct {
	Month        string  `json:"month"`
	Count        int     `json:"count"`
	TotalCostUSD float64 `json:"total_cost"`
	TotalTokens  int     `json:"total_tokens"`
}

// Ledger persists usage records and serves aggregates. Append must be
// atomic with respect to concurrent appends so totals never lose updates.
type Ledger interface {
	Append(ctx context.Context, rec domain.UsageRecord) error
	DailyTotal(ctx context.Context, date string) (DailySummary, error)
	MonthlyTotal(ctx context.Context, month string) (MonthlySummary, error)
	// MarkAlerted records that a budget warning for the given period
	// ("daily"/"monthly") was emitted on day. It returns true only for the
	// first caller, deduplicating warnings.
	MarkAlerted(ctx context.Context, period, day string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// MemoryLedger is a mutex-guarded in-process Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	daily   map[string]*DailySummary
	monthly map[string]*MonthlySummary
	alerted map[string]bool
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		daily:   make(map[string]*DailySummary),
		monthly: make(map[string]*MonthlySummary),
		alerted: make(map[string]bool),
	}
}

// Append implements Ledger.
func (l *MemoryLedger) Append(ctx context.Context, rec domain.UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	date := rec.Timestamp.UTC().Format("2006-01-02")
	month := rec.Timestamp.UTC().Format("2006-01")
	tokens := rec.InputTokens + rec.OutputTokens

	d, ok := l.daily[date]
	if !ok {
		d = &DailySummary{Date: date}
		l.daily[date] = d
	}
	d.Count++
	d.TotalCostUSD += rec.CostUSD
	d.TotalTokens += tokens

	m, ok := l.monthly[month]
	if !ok {
		m = &MonthlySummary{Month: month}
		l.monthly[month] = m
	}
	m.Count++
	m.TotalCostUSD += rec.CostUSD
	m.TotalTokens += tokens

	return nil
}

// DailyTotal implements Ledger.
func (l *MemoryLedger) DailyTotal(ctx context.Context, date string) (DailySummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d, ok := l.daily[date]; ok {
		return *d, nil
	}
	return DailySummary{Date: date}, nil
}

// MonthlyTotal implements Ledger.
func (l *MemoryLedger) MonthlyTotal(ctx context.Context, month string) (MonthlySummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m, ok := l.monthly[month]; ok {
		return *m, nil
	}
	return MonthlySummary{Month: month}, nil
}

// MarkAlerted implements Ledger.
func (l *MemoryLedger) MarkAlerted(ctx context.Context, period, day string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := period + ":" + day
	if l.alerted[key] {
		return false, nil
	}
	l.alerted[key] = true
	return true, nil
}

// Ping always succeeds for the in-memory ledger.
func (l *MemoryLedger) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory ledger.
func (l *MemoryLedger) Close() error { return nil }

var _ Ledger = (*MemoryLedger)(nil)
