// Package config loads service configuration from an optional YAML file and
// GUARD_-prefixed environment variables, with env taking precedence.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	App        AppConfig        `koanf:"app"`
	Server     ServerConfig     `koanf:"server"`
	OpenAI     OpenAIConfig     `koanf:"openai"`
	Limits     LimitsConfig     `koanf:"limits"`
	Injection  InjectionConfig  `koanf:"injection"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Moderation ModerationConfig `koanf:"moderation"`
	Retry      RetryConfig      `koanf:"retry"`
	Breaker    BreakerConfig    `koanf:"circuit_breaker"`
	Cost       CostConfig       `koanf:"cost"`
	Cache      CacheConfig      `koanf:"cache"`
}

type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type OpenAIConfig struct {
	APIKey  string        `koanf:"api_key"`
	Model   string        `koanf:"model"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

type LimitsConfig struct {
	MaxMessageLength      int `koanf:"max_message_length"`
	MaxMessagesPerSession int `koanf:"max_messages_per_session"`
	MaxTotalContentLength int `koanf:"max_total_content_length"`
}

type InjectionConfig struct {
	Enabled bool `koanf:"enabled"`
	// SpecialCharDensity is the fraction of non-alphanumeric runes above
	// which a message is flagged on its own.
	SpecialCharDensity float64 `koanf:"special_char_density"`
}

type RateLimitConfig struct {
	Enabled bool `koanf:"enabled"`
	// Store is "sqlite" or "memory".
	Store            string        `koanf:"store"`
	DSN              string        `koanf:"dsn"`
	PerIPPerMinute   int           `koanf:"per_ip_per_minute"`
	PerUserPerMinute int           `koanf:"per_user_per_minute"`
	GlobalPerHour    int           `koanf:"global_per_hour"`
	EvictionInterval time.Duration `koanf:"eviction_interval"`
}

type ModerationConfig struct {
	Enabled   bool    `koanf:"enabled"`
	PreLLM    bool    `koanf:"pre_llm"`
	PostLLM   bool    `koanf:"post_llm"`
	Threshold float64 `koanf:"threshold"`
	// FallbackMessage replaces output flagged by the post-generation check.
	FallbackMessage string `koanf:"fallback_message"`
}

type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
}

type BreakerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	FailureThreshold int           `koanf:"failure_threshold"`
	Cooldown         time.Duration `koanf:"cooldown"`
}

type CostConfig struct {
	Enabled           bool    `koanf:"enabled"`
	InputPer1MTokens  float64 `koanf:"input_per_1m_tokens"`
	OutputPer1MTokens float64 `koanf:"output_per_1m_tokens"`
	DailyBudgetUSD    float64 `koanf:"daily_budget_usd"`
	MonthlyBudgetUSD  float64 `koanf:"monthly_budget_usd"`
	AlertThreshold    float64 `koanf:"alert_threshold"`
	LedgerStore       string  `koanf:"ledger_store"` // sqlite or memory
	LedgerDSN         string  `koanf:"ledger_dsn"`
}

type CacheConfig struct {
	Enabled bool          `koanf:"enabled"`
	Size    int           `koanf:"size"`
	TTL     time.Duration `koanf:"ttl"`
}

// envPrefix is stripped from environment variables; double underscores
// separate nesting levels (GUARD_SERVER__PORT -> server.port).
const envPrefix = "GUARD_"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from the optional file at path (skipped when
// empty or missing) and the environment, then applies defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	applyDefaults(k)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.OpenAI.APIKey = substituteEnvVars(cfg.OpenAI.APIKey)
	cfg.RateLimit.DSN = substituteEnvVars(cfg.RateLimit.DSN)
	cfg.Cost.LedgerDSN = substituteEnvVars(cfg.Cost.LedgerDSN)

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		"app.name":        "chat-guardrails",
		"app.version":     "2.0.0",
		"app.environment": "development",

		"server.port":            8000,
		"server.request_timeout": "60s",

		"openai.model":   "gpt-4o-mini",
		"openai.timeout": "30s",

		"limits.max_message_length":       4000,
		"limits.max_messages_per_session": 50,
		"limits.max_total_content_length": 20000,

		"injection.enabled":              true,
		"injection.special_char_density": 0.5,

		"rate_limit.enabled":             true,
		"rate_limit.store":               "memory",
		"rate_limit.dsn":                 "guardrails.db",
		"rate_limit.per_ip_per_minute":   10,
		"rate_limit.per_user_per_minute": 20,
		"rate_limit.global_per_hour":     1000,
		"rate_limit.eviction_interval":   "5m",

		"moderation.enabled":   true,
		"moderation.pre_llm":   true,
		"moderation.post_llm":  true,
		"moderation.threshold": 0.5,
		"moderation.fallback_message": "I'm sorry, I can't provide that " +
			"information. Is there something else I can help you with?",

		"retry.max_attempts": 3,
		"retry.base_delay":   "1s",
		"retry.max_delay":    "10s",

		"circuit_breaker.enabled":           true,
		"circuit_breaker.failure_threshold": 5,
		"circuit_breaker.cooldown":          "60s",

		"cost.enabled":              true,
		"cost.input_per_1m_tokens":  0.15,
		"cost.output_per_1m_tokens": 0.60,
		"cost.daily_budget_usd":     100.0,
		"cost.monthly_budget_usd":   2000.0,
		"cost.alert_threshold":      0.8,
		"cost.ledger_store":         "memory",
		"cost.ledger_dsn":           "guardrails.db",

		"cache.enabled": true,
		"cache.size":    1024,
		"cache.ttl":     "1h",
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

// substituteEnvVars replaces ${VAR} references with environment values,
// leaving plain strings untouched.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
