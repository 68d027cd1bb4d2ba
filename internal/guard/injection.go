package guard

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/escuela-ia/chat-guardrails/internal/config"
	"github.com/escuela-ia/chat-guardrails/internal/domain"
)

// injectionPatterns are the hard rules: any single match flags the message.
// Grouped by attack family; all case-insensitive.
var injectionPatterns = []string{
	// Direct instruction manipulation
	`ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?)`,
	`forget\s+(your|the|all)\s+(prompt|instructions?|rules?|context)`,
	`disregard\s+(your|the|all)\s+(prompt|instructions?|rules?|context)`,
	`set\s+your\s+(prompt|instructions?|rules?)\s+to`,

	// Role manipulation
	`you\s+are\s+(now|currently|actually)\s+(a|an)\s+\w+`,
	`act\s+as\s+(a|an)\s+\w+`,
	`pretend\s+(to\s+be|you\s+are)\s+(a|an)\s+\w+`,
	`roleplay\s+as\s+(a|an)\s+\w+`,

	// System/assistant role spoofing
	`system\s*:[ \t]*\S`,
	`assistant\s*:[ \t]*\S`,
	`\[system\]`,
	`\[assistant\]`,
	`<system>`,
	`<assistant>`,

	// New instruction injection
	`(new|updated|revised)\s+(instructions?|rules?|prompt)\s*:?`,

	// Prompt leaking
	`(what|tell\s+me|show\s+me)\s+(is|are)?\s*your\s+(instructions?|rules?|prompt|guidelines?)`,
	`repeat\s+(your|the)\s+(instructions?|prompt|system\s+message)`,
	`reveal\s+your\s+(instructions?|prompt)`,

	// Jailbreak phrases
	`dan\s+mode`,
	`developer\s+mode`,
	`jailbreak`,
	`(remove|bypass)\s+(all\s+)?(restrictions?|limitations?|filters?)`,

	// Script/markup injection markers
	"```(python|javascript|bash)",
	`exec\s*\(`,
	`eval\s*\(`,
	`<script`,

	// Delimiter confusion
	`(---|###|\*\*\*)\s*system`,
}

// suspiciousPhrases raise the advisory confidence score; they never flag on
// their own.
var suspiciousPhrases = []string{
	"ignore", "forget", "disregard", "override", "instead",
	"pretend", "secretly", "hypothetically",
}

// Detector flags prompt-injection attempts using a compiled pattern table
// plus a special-character density heuristic. Detection is purely local:
// no remote calls, sub-millisecond per message.
type Detector struct {
	enabled        bool
	densityLimit   float64
	patterns       []*regexp.Regexp
	patternSources []string
	logger         *slog.Logger
}

// NewDetector compiles the pattern table once at startup.
func NewDetector(cfg config.InjectionConfig, logger *slog.Logger) *Detector {
	d := &Detector{
		enabled:        cfg.Enabled,
		densityLimit:   cfg.SpecialCharDensity,
		patterns:       make([]*regexp.Regexp, 0, len(injectionPatterns)),
		patternSources: injectionPatterns,
		logger:         logger,
	}
	for _, p := range injectionPatterns {
		d.patterns = append(d.patterns, regexp.MustCompile(`(?im)`+p))
	}
	return d
}

// Inspect evaluates a single message and returns the verdict. A single
// matched rule is sufficient for detection.
func (d *Detector) Inspect(msg domain.Message) domain.InjectionVerdict {
	if !d.enabled {
		return domain.InjectionVerdict{}
	}

	var matched []string
	for i, p := range d.patterns {
		if p.MatchString(msg.Content) {
			src := d.patternSources[i]
			if len(src) > 50 {
				src = src[:50]
			}
			matched = append(matched, src)
		}
	}

	density := specialCharDensity(msg.Content)
	suspicion := suspicionScore(msg.Content)

	detected := len(matched) > 0 || density > d.densityLimit

	confidence := suspicion
	if detected {
		confidence = 1.0
	}

	if detected {
		d.logger.Warn("prompt injection detected",
			slog.Int("matched_patterns", len(matched)),
			slog.Float64("special_char_density", density),
			slog.Float64("suspicion_score", suspicion),
		)
	}

	return domain.InjectionVerdict{
		Detected:        detected,
		MatchedPatterns: matched,
		Confidence:      confidence,
	}
}

// InspectAll checks every user message and returns the first detection.
func (d *Detector) InspectAll(msgs []domain.Message) domain.InjectionVerdict {
	for _, msg := range msgs {
		if msg.Role != domain.RoleUser {
			continue
		}
		if verdict := d.Inspect(msg); verdict.Detected {
			return verdict
		}
	}
	return domain.InjectionVerdict{}
}

// specialCharDensity returns the fraction of runes that are neither letters,
// digits, nor whitespace. Obfuscated payloads tend to push this up.
func specialCharDensity(content string) float64 {
	if content == "" {
		return 0
	}
	total, special := 0, 0
	for _, r := range content {
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			special++
		}
	}
	return float64(special) / float64(total)
}

// suspicionScore measures the density of suspicious phrases per ten words,
// capped at 1.0.
func suspicionScore(content string) float64 {
	lower := strings.ToLower(content)
	words := len(strings.Fields(content))
	if words == 0 {
		return 0
	}

	count := 0
	for _, phrase := range suspiciousPhrases {
		if strings.Contains(lower, phrase) {
			count++
		}
	}

	denom := float64(words) / 10
	if denom < 1 {
		denom = 1
	}
	score := float64(count) / denom
	if score > 1 {
		score = 1
	}
	return score
}
