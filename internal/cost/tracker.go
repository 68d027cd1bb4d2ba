package cost

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/escuela-ia/chat-guardrails/internal/config"
	"github.com/escuela-ia/chat-guardrails/internal/domain"
)

// Tracker computes request cost and records usage. Budget checks are
// advisory: exceeding a budget logs a warning, it never blocks requests.
type Tracker struct {
	cfg    config.CostConfig
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker writing to ledger.
func NewTracker(cfg config.CostConfig, ledger Ledger, logger *slog.Logger) *Tracker {
	return &Tracker{
		cfg:    cfg,
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
}

// Compute returns the USD cost of a call, rounded to six decimal places.
func (t *Tracker) Compute(inputTokens, outputTokens int) float64 {
	cost := (float64(inputTokens)*t.cfg.InputPer1MTokens +
		float64(outputTokens)*t.cfg.OutputPer1MTokens) / 1_000_000
	return math.Round(cost*1e6) / 1e6
}

// Track appends rec to the ledger and emits deduplicated budget warnings.
// Ledger failures are logged and swallowed so accounting never fails a
// request that already succeeded upstream.
func (t *Tracker) Track(ctx context.Context, rec domain.UsageRecord) {
	if !t.cfg.Enabled {
		return
	}

	if err := t.ledger.Append(ctx, rec); err != nil {
		t.logger.Error("failed to record usage",
			slog.String("request_id", rec.RequestID),
			slog.String("error", err.Error()),
		)
		return
	}

	t.checkBudgets(ctx)
}

func (t *Tracker) checkBudgets(ctx context.Context) {
	now := t.now().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	if t.cfg.DailyBudgetUSD > 0 {
		summary, err := t.ledger.DailyTotal(ctx, day)
		if err != nil {
			t.logger.Error("failed to read daily cost total", slog.String("error", err.Error()))
		} else if summary.TotalCostUSD >= t.cfg.AlertThreshold*t.cfg.DailyBudgetUSD {
			t.warnOnce(ctx, "daily", day, summary.TotalCostUSD, t.cfg.DailyBudgetUSD)
		}
	}

	if t.cfg.MonthlyBudgetUSD > 0 {
		summary, err := t.ledger.MonthlyTotal(ctx, month)
		if err != nil {
			t.logger.Error("failed to read monthly cost total", slog.String("error", err.Error()))
		} else if summary.TotalCostUSD >= t.cfg.AlertThreshold*t.cfg.MonthlyBudgetUSD {
			t.warnOnce(ctx, "monthly", day, summary.TotalCostUSD, t.cfg.MonthlyBudgetUSD)
		}
	}
}

// warnOnce logs a budget warning at most once per period per day.
func (t *Tracker) warnOnce(ctx context.Context, period, day string, total, budget float64) {
	first, err := t.ledger.MarkAlerted(ctx, period, day)
	if err != nil {
		t.logger.Error("failed to deduplicate budget alert", slog.String("error", err.Error()))
		return
	}
	if !first {
		return
	}
	t.logger.Warn("cost budget threshold reached",
		slog.String("period", period),
		slog.Float64("total_usd", total),
		slog.Float64("budget_usd", budget),
		slog.Float64("fraction", total/budget),
	)
}

// Daily returns the aggregate for the given UTC date (today when empty).
func (t *Tracker) Daily(ctx context.Context, date string) (DailySummary, error) {
	if date == "" {
		date = t.now().UTC().Format("2006-01-02")
	}
	return t.ledger.DailyTotal(ctx, date)
}

// Monthly returns the aggregate for the given UTC month (current when empty).
func (t *Tracker) Monthly(ctx context.Context, month string) (MonthlySummary, error) {
	if month == "" {
		month = t.now().UTC().Format("2006-01")
	}
	return t.ledger.MonthlyTotal(ctx, month)
}
