package moderation

import (
	"context"
	"log/slog"

	"github.com/escuela-ia/chat-guardrails/internal/config"
	"github.com/escuela-ia/chat-guardrails/internal/domain"
)

// Gate applies the configured threshold to classifier scores before and
// after generation. The gate itself never calls the model API; it only
// interprets the classifier's output.
//
// A classifier failure is not a content flag: the gate logs it and lets the
// content through, keeping moderation-service outages from blocking chat.
type Gate struct {
	cfg        config.ModerationConfig
	classifier Classifier
	logger     *slog.Logger
}

// NewGate creates a moderation gate.
func NewGate(cfg config.ModerationConfig, classifier Classifier, logger *slog.Logger) *Gate {
	return &Gate{cfg: cfg, classifier: classifier, logger: logger}
}

// PreCheck moderates user input before any tokens are spent on generation.
func (g *Gate) PreCheck(ctx context.Context, content string) *domain.ModerationResult {
	if !g.cfg.Enabled || !g.cfg.PreLLM {
		return &domain.ModerationResult{}
	}
	return g.check(ctx, content, "pre_llm")
}

// PostCheck moderates generated output before it reaches the caller.
func (g *Gate) PostCheck(ctx context.Context, content string) *domain.ModerationResult {
	if !g.cfg.Enabled || !g.cfg.PostLLM {
		return &domain.ModerationResult{}
	}
	return g.check(ctx, content, "post_llm")
}

// FallbackMessage is the safe replacement for flagged output.
func (g *Gate) FallbackMessage() string {
	return g.cfg.FallbackMessage
}

func (g *Gate) check(ctx context.Context, content, phase string) *domain.ModerationResult {
	result, err := g.classifier.Moderate(ctx, content)
	if err != nil {
		g.logger.Error("moderation call failed, passing content through",
			slog.String("phase", phase),
			slog.String("error", err.Error()),
		)
		return &domain.ModerationResult{}
	}

	// The classifier's own verdict stands; the threshold can only tighten it.
	if !result.Flagged && result.MaxScore() >= g.cfg.Threshold {
		result.Flagged = true
	}

	if result.Flagged {
		g.logger.Warn("content flagged by moderation",
			slog.String("phase", phase),
			slog.Float64("max_score", result.MaxScore()),
		)
	}
	return result
}
