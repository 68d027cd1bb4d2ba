// Package trace records the per-request pipeline timeline for structured
// logging. Message content never appears in a trace, only digests.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Stage is one completed pipeline stage.
type Stage struct {
	Name       string  `json:"name"`
	DurationMS float64 `json:"duration_ms"`
	Detail     string  `json:"detail,omitempty"`
}

// Trace accumulates the stages a request passed through, in order. A trace
// belongs to a single request goroutine and is not safe for concurrent use.
type Trace struct {
	requestID string
	started   time.Time
	stages    []Stage
	now       func() time.Time
}

// New starts a trace for the given request.
func New(requestID string) *Trace {
	return newAt(requestID, time.Now)
}

func newAt(requestID string, now func() time.Time) *Trace {
	return &Trace{
		requestID: requestID,
		started:   now(),
		stages:    make([]Stage, 0, 8),
		now:       now,
	}
}

// StartStage returns a function that records the stage when called, with an
// optional one-line detail.
func (t *Trace) StartStage(name string) func(detail string) {
	begin := t.now()
	return func(detail string) {
		d := t.now().Sub(begin)
		t.stages = append(t.stages, Stage{
			Name:       name,
			DurationMS: float64(d.Microseconds()) / 1000,
			Detail:     detail,
		})
	}
}

// Stages returns the recorded stages in completion order.
func (t *Trace) Stages() []Stage {
	return t.stages
}

// Emit writes the completed trace as a single structured log line.
func (t *Trace) Emit(logger *slog.Logger, outcome string) {
	attrs := []any{
		slog.String("request_id", t.requestID),
		slog.String("outcome", outcome),
		slog.Float64("total_ms", float64(t.now().Sub(t.started).Microseconds())/1000),
		slog.Any("stages", t.stages),
	}
	logger.Info("request trace", attrs...)
}

// Digest returns a short hex digest of content for correlating log lines
// without storing the content itself.
func Digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}
