// Package tokens estimates input token counts for chat requests. OpenAI
// models get tiktoken counts; everything else falls back to a chars/4
// estimate.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/escuela-ia/chat-guardrails/internal/domain"
)

// charsPerToken is the fallback ratio when no tokenizer is available.
const charsPerToken = 4.0

// Counter estimates input tokens for a message sequence.
type Counter struct {
	mu    sync.Mutex
	codec tokenizer.Codec
	model string
}

// NewCounter creates a counter for the given model.
func NewCounter(model string) *Counter {
	return &Counter{model: model}
}

// CountInput returns the estimated input token count for the messages,
// including the per-message chat framing overhead. The second return value
// reports whether the count came from the fallback estimator.
func (c *Counter) CountInput(msgs []domain.Message) (int, bool) {
	codec := c.getCodec()
	if codec == nil {
		total := 0
		for _, msg := range msgs {
			total += len(msg.Role) + len(msg.Content) + 4
		}
		return int(float64(total) / charsPerToken), true
	}

	// 3 tokens per message plus 1 for the role, plus 3 for assistant
	// priming, per OpenAI's counting guidance.
	total := 3
	for _, msg := range msgs {
		total += 4
		ids, _, _ := codec.Encode(msg.Content)
		total += len(ids)
	}
	return total, false
}

func (c *Counter) getCodec() tokenizer.Codec {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.codec != nil {
		return c.codec
	}

	codec, err := tokenizer.ForModel(tokenizer.Model(c.model))
	if err != nil {
		// gpt-4o* and anything newer share the o200k_base encoding.
		if strings.HasPrefix(c.model, "gpt-") {
			codec, err = tokenizer.Get(tokenizer.O200kBase)
		}
		if err != nil {
			return nil
		}
	}
	c.codec = codec
	return c.codec
}
