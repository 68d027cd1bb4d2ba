package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/escuela-ia/chat-guardrails/internal/cache"
	"github.com/escuela-ia/chat-guardrails/internal/domain"
	"github.com/escuela-ia/chat-guardrails/internal/server"
	"github.com/escuela-ia/chat-guardrails/internal/trace"
)

// Chat runs the full defense pipeline for a non-streaming completion:
// validation, injection detection, rate limiting, pre-moderation, cache
// lookup, upstream call, post-moderation, cost tracking.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	requestID := server.GetRequestID(ctx)

	tr := trace.New(requestID)
	outcome := "ok"
	defer func() { tr.Emit(h.logger, outcome) }()

	req, err := h.runGuards(ctx, r, tr)
	if err != nil {
		outcome = "rejected:" + string(domain.AsPipelineError(err).Type)
		writeError(w, r, err)
		return
	}

	server.AddLogField(ctx, "user_id", req.UserID)

	// Identical conversations with identical sampling parameters are served
	// from the cache without spending tokens.
	key := cache.Key(req)
	done := tr.StartStage("cache_lookup")
	entry, hit := h.cache.Get(key)
	done(fmt.Sprintf("hit=%t", hit))

	if hit {
		outcome = "cached"
		h.respond(ctx, w, requestID, entry.Content, domain.ResponseMetadata{
			Model:               entry.Model,
			Tokens:              entry.Usage,
			CostUSD:             0,
			LatencyMS:           millisecondsSince(start),
			Cached:              true,
			CircuitBreakerState: h.invoker.BreakerState(),
		})
		h.track(ctx, requestID, req.UserID, entry.Model, entry.Usage, 0, millisecondsSince(start), true)
		return
	}

	done = tr.StartStage("llm_call")
	spanCtx, span := h.tracer.Start(ctx, "pipeline.llm_call")
	result, err := h.invoker.Invoke(spanCtx, withSystemPrompt(req))
	span.End()
	if err != nil {
		done("failed")
		outcome = "error:" + string(domain.AsPipelineError(err).Type)
		writeError(w, r, err)
		return
	}
	done(fmt.Sprintf("retries=%d tokens=%d", result.RetryCount, result.Usage.Total))

	moderated := false
	content := result.Content
	done = tr.StartStage("moderation_post_llm")
	if verdict := h.gate.PostCheck(ctx, content); verdict.Flagged {
		moderated = true
		content = h.gate.FallbackMessage()
	}
	done(fmt.Sprintf("flagged=%t", moderated))

	costUSD := h.tracker.Compute(result.Usage.Input, result.Usage.Output)
	latency := millisecondsSince(start)

	// Flagged output must not be replayed from the cache.
	if !moderated {
		h.cache.Put(key, cache.Entry{
			Content: content,
			Model:   result.Model,
			Usage:   result.Usage,
			CostUSD: costUSD,
		})
	}

	h.track(ctx, requestID, req.UserID, result.Model, result.Usage, costUSD, latency, false)

	h.respond(ctx, w, requestID, content, domain.ResponseMetadata{
		Model:               result.Model,
		Tokens:              result.Usage,
		CostUSD:             costUSD,
		LatencyMS:           latency,
		Cached:              false,
		ModerationFlagged:   moderated,
		CircuitBreakerState: h.invoker.BreakerState(),
		RetryCount:          result.RetryCount,
	})
}

// runGuards executes the pre-upstream stages in their fixed order and
// returns the validated request, or the first rejection.
func (h *Handlers) runGuards(ctx context.Context, r *http.Request, tr *trace.Trace) (*domain.ChatRequest, error) {
	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, domain.ErrValidation("request body is not valid JSON").WithCause(err)
	}

	done := tr.StartStage("validation")
	_, span := h.tracer.Start(ctx, "pipeline.validation")
	err := h.validator.Validate(&req)
	span.End()
	if err != nil {
		done("rejected")
		return nil, err
	}
	estimate, estimated := h.counter.CountInput(req.Messages)
	done(fmt.Sprintf("messages=%d est_input_tokens=%d estimated=%t",
		len(req.Messages), estimate, estimated))

	done = tr.StartStage("prompt_injection_check")
	_, span = h.tracer.Start(ctx, "pipeline.prompt_injection_check")
	verdict := h.detector.InspectAll(req.Messages)
	span.SetAttributes(attribute.Bool("injection.detected", verdict.Detected))
	span.End()
	if verdict.Detected {
		done(fmt.Sprintf("detected digest=%s", trace.Digest(req.LastUserMessage())))
		return nil, domain.ErrInjection()
	}
	done("clean")

	done = tr.StartStage("rate_limit")
	spanCtx, span := h.tracer.Start(ctx, "pipeline.rate_limit")
	err = h.limiter.Check(spanCtx, clientIP(r), req.UserID)
	span.End()
	if err != nil {
		done("rejected")
		return nil, err
	}
	done("allowed")

	done = tr.StartStage("moderation_pre_llm")
	spanCtx, span = h.tracer.Start(ctx, "pipeline.moderation_pre_llm")
	result := h.gate.PreCheck(spanCtx, req.LastUserMessage())
	span.End()
	if result.Flagged {
		done("flagged")
		return nil, domain.ErrModerationFlagged()
	}
	done("clean")

	return &req, nil
}

// withSystemPrompt prepends the server-side system message. The client's
// view of the conversation is left untouched for cache keying.
func withSystemPrompt(req *domain.ChatRequest) *domain.ChatRequest {
	out := *req
	out.Messages = make([]domain.Message, 0, len(req.Messages)+1)
	out.Messages = append(out.Messages, domain.Message{
		Role:    domain.RoleSystem,
		Content: systemPrompt,
	})
	out.Messages = append(out.Messages, req.Messages...)
	return &out
}

func (h *Handlers) respond(ctx context.Context, w http.ResponseWriter, requestID, content string, meta domain.ResponseMetadata) {
	server.AddLogField(ctx, "model", meta.Model)
	writeJSON(w, http.StatusOK, domain.ChatResponse{
		RequestID: requestID,
		Content:   content,
		Role:      domain.RoleAssistant,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handlers) track(ctx context.Context, requestID, userID, model string, usage domain.TokenUsage, costUSD, latencyMS float64, cached bool) {
	h.tracker.Track(ctx, domain.UsageRecord{
		RequestID:    requestID,
		UserID:       userID,
		Timestamp:    time.Now().UTC(),
		Model:        model,
		InputTokens:  usage.Input,
		OutputTokens: usage.Output,
		CostUSD:      costUSD,
		LatencyMS:    latencyMS,
		Cached:       cached,
		Feature:      "chat",
	})
}
