// Package handlers exposes the HTTP surface: the guarded chat endpoints and
// the health and metrics endpoints.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/escuela-ia/chat-guardrails/internal/cache"
	"github.com/escuela-ia/chat-guardrails/internal/config"
	"github.com/escuela-ia/chat-guardrails/internal/cost"
	"github.com/escuela-ia/chat-guardrails/internal/domain"
	"github.com/escuela-ia/chat-guardrails/internal/guard"
	"github.com/escuela-ia/chat-guardrails/internal/llm"
	"github.com/escuela-ia/chat-guardrails/internal/moderation"
	"github.com/escuela-ia/chat-guardrails/internal/ratelimit"
	"github.com/escuela-ia/chat-guardrails/internal/server"
	"github.com/escuela-ia/chat-guardrails/internal/telemetry"
	"github.com/escuela-ia/chat-guardrails/internal/tokens"
)

// systemPrompt is prepended server-side to every conversation. Clients can
// never set or override the system role.
const systemPrompt = "You are a helpful educational assistant. Answer " +
	"questions clearly and accurately, adjust explanations to the " +
	"student's level, and decline requests that are unrelated to learning."

// Handlers holds the pipeline stages in their fixed execution order.
type Handlers struct {
	cfg       *config.Config
	validator *guard.Validator
	detector  *guard.Detector
	limiter   *ratelimit.Limiter
	gate      *moderation.Gate
	invoker   *llm.Invoker
	tracker   *cost.Tracker
	cache     *cache.ResponseCache
	counter   *tokens.Counter
	store     ratelimit.CounterStore
	ledger    cost.Ledger
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New wires the pipeline stages into a handler set.
func New(
	cfg *config.Config,
	validator *guard.Validator,
	detector *guard.Detector,
	limiter *ratelimit.Limiter,
	gate *moderation.Gate,
	invoker *llm.Invoker,
	tracker *cost.Tracker,
	respCache *cache.ResponseCache,
	counter *tokens.Counter,
	store ratelimit.CounterStore,
	ledger cost.Ledger,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		cfg:       cfg,
		validator: validator,
		detector:  detector,
		limiter:   limiter,
		gate:      gate,
		invoker:   invoker,
		tracker:   tracker,
		cache:     respCache,
		counter:   counter,
		store:     store,
		ledger:    ledger,
		logger:    logger,
		tracer:    telemetry.Tracer("chat-guardrails/handlers"),
	}
}

// Register mounts all routes on the router.
func (h *Handlers) Register(r chiRouter) {
	r.Post("/chat", h.Chat)
	r.Post("/chat/stream", h.ChatStream)
	r.Get("/health", h.Health)
	r.Get("/metrics/costs/daily", h.DailyCosts)
	r.Get("/metrics/costs/monthly", h.MonthlyCosts)
	r.Get("/metrics/cache/stats", h.CacheStats)
}

// chiRouter is the subset of chi.Router the handlers need.
type chiRouter interface {
	Get(pattern string, h http.HandlerFunc)
	Post(pattern string, h http.HandlerFunc)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps a pipeline error to its HTTP status and a {"detail": ...}
// body, attaching Retry-After when the error carries a hint.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)

	perr := domain.AsPipelineError(err)
	if perr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(perr.RetryAfter))
	}
	writeJSON(w, perr.HTTPStatusCode(), map[string]string{"detail": perr.Message})
}

// clientIP extracts the originating address, trusting proxy headers first.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func millisecondsSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
