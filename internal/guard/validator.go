// Package guard implements the pre-upstream defense stages: structural
// validation of incoming chat requests and pattern-based prompt-injection
// detection.
package guard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/escuela-ia/chat-guardrails/internal/config"
	"github.com/escuela-ia/chat-guardrails/internal/domain"
)

var identifierPattern = regexp.MustCompile(`[^\w\-.]`)

// Validator performs pure structural and limit checks on a ChatRequest.
type Validator struct {
	maxMessageLength      int
	maxMessagesPerSession int
	maxTotalContentLength int
}

// NewValidator creates a validator from the configured limits.
func NewValidator(cfg config.LimitsConfig) *Validator {
	return &Validator{
		maxMessageLength:      cfg.MaxMessageLength,
		maxMessagesPerSession: cfg.MaxMessagesPerSession,
		maxTotalContentLength: cfg.MaxTotalContentLength,
	}
}

// Validate checks the request in place and returns a validation error naming
// the first violated constraint. Identifiers are sanitized as a side effect;
// message content is never modified beyond whitespace trimming.
func (v *Validator) Validate(req *domain.ChatRequest) error {
	if len(req.Messages) == 0 {
		return domain.ErrValidation("messages must not be empty")
	}
	if len(req.Messages) > v.maxMessagesPerSession {
		return domain.ErrValidation(fmt.Sprintf(
			"too many messages: %d exceeds the limit of %d",
			len(req.Messages), v.maxMessagesPerSession))
	}

	totalChars := 0
	for i := range req.Messages {
		msg := &req.Messages[i]

		if !msg.Role.Valid() {
			return domain.ErrValidation(fmt.Sprintf("message %d has invalid role %q", i, msg.Role))
		}
		// System messages come from the server, never from the client.
		if msg.Role == domain.RoleSystem {
			return domain.ErrValidation("system role cannot be set by the client")
		}

		msg.Content = strings.TrimSpace(msg.Content)
		if msg.Content == "" {
			return domain.ErrValidation(fmt.Sprintf("message %d has empty content", i))
		}
		if strings.ContainsRune(msg.Content, '\x00') {
			return domain.ErrValidation(fmt.Sprintf("message %d contains a null byte", i))
		}
		if len(msg.Content) > v.maxMessageLength {
			return domain.ErrValidation(fmt.Sprintf(
				"message %d content length %d exceeds the limit of %d",
				i, len(msg.Content), v.maxMessageLength))
		}
		totalChars += len(msg.Content)
	}

	if totalChars > v.maxTotalContentLength {
		return domain.ErrValidation(fmt.Sprintf(
			"total content length %d exceeds the limit of %d",
			totalChars, v.maxTotalContentLength))
	}

	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return domain.ErrValidation("temperature must be between 0 and 2")
	}
	if req.MaxTokens != nil && (*req.MaxTokens < 1 || *req.MaxTokens > 4000) {
		return domain.ErrValidation("max_tokens must be between 1 and 4000")
	}

	req.UserID = sanitizeIdentifier(req.UserID)
	req.SessionID = sanitizeIdentifier(req.SessionID)

	return nil
}

// sanitizeIdentifier strips anything outside [\w\-.] from a client-supplied
// identifier. Overlong identifiers are rejected by becoming empty.
func sanitizeIdentifier(id string) string {
	if id == "" {
		return ""
	}
	if len(id) > 128 {
		return ""
	}
	return identifierPattern.ReplaceAllString(id, "")
}
