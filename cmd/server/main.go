package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/escuela-ia/chat-guardrails/internal/cache"
	"github.com/escuela-ia/chat-guardrails/internal/config"
	"github.com/escuela-ia/chat-guardrails/internal/cost"
	"github.com/escuela-ia/chat-guardrails/internal/guard"
	"github.com/escuela-ia/chat-guardrails/internal/handlers"
	"github.com/escuela-ia/chat-guardrails/internal/llm"
	"github.com/escuela-ia/chat-guardrails/internal/moderation"
	"github.com/escuela-ia/chat-guardrails/internal/ratelimit"
	"github.com/escuela-ia/chat-guardrails/internal/server"
	"github.com/escuela-ia/chat-guardrails/internal/telemetry"
	"github.com/escuela-ia/chat-guardrails/internal/tokens"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("GUARD_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdown, err := telemetry.Init(cfg.App.Name, cfg.App.Version, logger)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shut down telemetry", slog.String("error", err.Error()))
		}
	}()

	store, err := newCounterStore(cfg.RateLimit)
	if err != nil {
		log.Fatalf("Failed to open rate-limit store: %v", err)
	}
	defer store.Close()

	ledger, err := newLedger(cfg.Cost)
	if err != nil {
		log.Fatalf("Failed to open cost ledger: %v", err)
	}
	defer ledger.Close()

	validator := guard.NewValidator(cfg.Limits)
	detector := guard.NewDetector(cfg.Injection, logger)
	limiter := ratelimit.NewLimiter(cfg.RateLimit, store, logger)

	classifierOpts := []moderation.ClientOption{}
	if cfg.OpenAI.BaseURL != "" {
		classifierOpts = append(classifierOpts, moderation.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	classifier := moderation.NewClient(cfg.OpenAI.APIKey, classifierOpts...)
	gate := moderation.NewGate(cfg.Moderation, classifier, logger)

	clientOpts := []llm.ClientOption{}
	if cfg.OpenAI.BaseURL != "" {
		clientOpts = append(clientOpts, llm.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	client := llm.NewClient(cfg.OpenAI.APIKey, clientOpts...)
	breaker := llm.NewCircuitBreaker(cfg.Breaker, logger)
	invoker := llm.NewInvoker(client, breaker, cfg.OpenAI, cfg.Retry, logger)

	tracker := cost.NewTracker(cfg.Cost, ledger, logger)
	respCache := cache.New(cfg.Cache)
	counter := tokens.NewCounter(cfg.OpenAI.Model)

	h := handlers.New(cfg, validator, detector, limiter, gate, invoker,
		tracker, respCache, counter, store, ledger, logger)

	srv := server.New(cfg.Server.Port, cfg.Server.RequestTimeout, logger)
	h.Register(srv.Router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter.StartEviction(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigCh:
		logger.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server shutdown complete")
}

func newCounterStore(cfg config.RateLimitConfig) (ratelimit.CounterStore, error) {
	if cfg.Store == "sqlite" {
		return ratelimit.NewSQLStore(cfg.DSN)
	}
	return ratelimit.NewMemoryStore(), nil
}

func newLedger(cfg config.CostConfig) (cost.Ledger, error) {
	if cfg.LedgerStore == "sqlite" {
		return cost.NewSQLLedger(cfg.LedgerDSN)
	}
	return cost.NewMemoryLedger(), nil
}
