package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/escuela-ia/chat-guardrails/internal/domain"
	"github.com/escuela-ia/chat-guardrails/internal/server"
	"github.com/escuela-ia/chat-guardrails/internal/trace"
)

// streamDelta is one server-sent event carrying a content fragment.
type streamDelta struct {
	Delta string `json:"delta"`
}

// streamFinal is the terminal server-sent event with request metadata.
type streamFinal struct {
	Done      bool                    `json:"done"`
	RequestID string                  `json:"request_id"`
	Metadata  domain.ResponseMetadata `json:"metadata"`
}

// ChatStream runs the same guard stages as Chat and streams the completion
// as server-sent events. The cache is bypassed: streamed output is not
// cached and never served from cache.
func (h *Handlers) ChatStream(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, domain.ErrInternal(fmt.Errorf("response writer does not support streaming")))
		return
	}

	done := tr.StartStage("llm_call")
	stream, err := h.invoker.InvokeStream(ctx, withSystemPrompt(req))
	if err != nil {
		done("failed")
		outcome = "error:" + string(domain.AsPipelineError(err).Type)
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var content strings.Builder
	var usage domain.TokenUsage
	model := h.cfg.OpenAI.Model

	for result := range stream {
		if result.Err != nil {
			// Headers are gone; all we can do is log and stop the stream.
			server.AddError(ctx, result.Err)
			outcome = "error:stream_interrupted"
			break
		}
		chunk := result.Chunk
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = domain.TokenUsage{
				Input:  chunk.Usage.PromptTokens,
				Output: chunk.Usage.CompletionTokens,
				Total:  chunk.Usage.TotalTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			writeEvent(w, streamDelta{Delta: choice.Delta.Content})
			flusher.Flush()
		}
	}
	done(fmt.Sprintf("tokens=%d", usage.Total))

	// Streamed content has already left the building; the post check can
	// only record the violation, not retract it.
	moderated := false
	postDone := tr.StartStage("moderation_post_llm")
	if verdict := h.gate.PostCheck(ctx, content.String()); verdict.Flagged {
		moderated = true
		server.AddLogField(ctx, "post_moderation_flagged", "true")
	}
	postDone(fmt.Sprintf("flagged=%t", moderated))

	costUSD := h.tracker.Compute(usage.Input, usage.Output)
	latency := millisecondsSince(start)
	h.trackStream(ctx, requestID, req.UserID, model, usage, costUSD, latency)

	writeEvent(w, streamFinal{
		Done:      true,
		RequestID: requestID,
		Metadata: domain.ResponseMetadata{
			Model:               model,
			Tokens:              usage,
			CostUSD:             costUSD,
			LatencyMS:           latency,
			ModerationFlagged:   moderated,
			CircuitBreakerState: h.invoker.BreakerState(),
		},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeEvent(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (h *Handlers) trackStream(ctx context.Context, requestID, userID, model string, usage domain.TokenUsage, costUSD, latencyMS float64) {
	h.tracker.Track(ctx, domain.UsageRecord{
		RequestID:    requestID,
		UserID:       userID,
		Timestamp:    time.Now().UTC(),
		Model:        model,
		InputTokens:  usage.Input,
		OutputTokens: usage.Output,
		CostUSD:      costUSD,
		LatencyMS:    latencyMS,
		Feature:      "chat_stream",
	})
}
