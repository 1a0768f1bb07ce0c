// Package tokencount provides token estimation for cost computation when a
// provider omits usage. Counts come from tiktoken when the model's encoding
// is known; otherwise a ~4 chars per token heuristic applies. Encodings load
// lazily so cold paths and tests never pay for (or require) the BPE data.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	gateway "github.com/durinhq/durin/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken // model -> encoding, nil when unavailable
}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// EstimateRequest estimates the total token count for a chat completion request.
// Accounts for message overhead (role, formatting) per the OpenAI tokenization spec.
func (c *Counter) EstimateRequest(model string, messages []gateway.Message) int {
	total := 0
	for _, m := range messages {
		total += messageOverhead
		total += c.count(model, m.Role)
		total += c.count(model, gateway.ContentText(m.Content))
		if m.Name != "" {
			total += c.count(model, m.Name) + 1 // name costs 1 extra token
		}
		if len(m.ToolCalls) > 0 {
			total += c.count(model, string(m.ToolCalls))
		}
		if m.ToolCallID != "" {
			total += c.count(model, m.ToolCallID)
		}
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// CountText counts tokens for a plain text string; never less than 1.
func (c *Counter) CountText(model, text string) int {
	return max(c.count(model, text), 1)
}

// count counts tokens, falling back to the heuristic when no encoding is
// available for the model. Empty text counts zero.
func (c *Counter) count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// encoding returns the cached tiktoken encoding for a model, or nil when the
// model is unknown to tiktoken or the BPE data cannot be loaded.
func (c *Counter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc = nil
	}
	c.encodings[model] = enc
	return enc
}

// estimateTokens uses ~4 characters per token heuristic.
// This is a reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}

// messageOverhead is the per-message framing cost in tokens.
const messageOverhead = 4
