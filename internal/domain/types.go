// Package domain provides the canonical request/response types and error
// taxonomy shared by every pipeline stage.
package domain

import "time"

// MessageRole identifies who authored a message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Valid reports whether the role is one of the three known roles.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single entry in a conversation.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// ChatRequest is the body of POST /chat after validation.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	UserID      string    `json:"user_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// LastUserMessage returns the content of the most recent user message,
// or "" if there is none.
func (r *ChatRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// TokenUsage carries token counts from a completed upstream call.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// ResponseMetadata describes how a chat response was produced.
type ResponseMetadata struct {
	Model                   string     `json:"model"`
	Tokens                  TokenUsage `json:"tokens"`
	CostUSD                 float64    `json:"cost_usd"`
	LatencyMS               float64    `json:"latency_ms"`
	Cached                  bool       `json:"cached"`
	ModerationFlagged       bool       `json:"moderation_flagged"`
	PromptInjectionDetected bool       `json:"prompt_injection_detected"`
	CircuitBreakerState     string     `json:"circuit_breaker_state,omitempty"`
	RetryCount              int        `json:"retry_count"`
}

// ChatResponse is the success body of POST /chat.
type ChatResponse struct {
	RequestID string           `json:"request_id"`
	Content   string           `json:"content"`
	Role      MessageRole      `json:"role"`
	Metadata  ResponseMetadata `json:"metadata"`
	Timestamp time.Time        `json:"timestamp"`
}

// UsageRecord is an immutable record of one successful upstream call,
// appended to the cost ledger and emitted with the request trace.
type UsageRecord struct {
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMS    float64   `json:"latency_ms"`
	Cached       bool      `json:"cached"`
	Feature      string    `json:"feature"`
}

// InjectionVerdict is the outcome of the prompt-injection detector for a
// single message. It is ephemeral: recorded in the trace span, never stored.
type InjectionVerdict struct {
	Detected        bool     `json:"detected"`
	MatchedPatterns []string `json:"matched_patterns,omitempty"`
	Confidence      float64  `json:"confidence"`
}

// ModerationResult is the gate's interpretation of an external classifier's
// category scores.
type ModerationResult struct {
	Flagged        bool               `json:"flagged"`
	Categories     map[string]bool    `json:"categories,omitempty"`
	CategoryScores map[string]float64 `json:"category_scores,omitempty"`
}

// MaxScore returns the highest category score, or 0 when none were reported.
func (m *ModerationResult) MaxScore() float64 {
	var max float64
	for _, s := range m.CategoryScores {
		if s > max {
			max = s
		}
	}
	return max
}
