package provider

import (
	"github.com/tidwall/gjson"

	gateway "github.com/durinhq/durin/internal"
)

// ParseUsage decodes an OpenAI-format usage object, lifting the nested
// token-detail counts into the flat gateway fields. It returns nil when the
// object carries no counts at all.
func ParseUsage(raw []byte) *gateway.Usage {
	if len(raw) == 0 {
		return nil
	}
	u := gateway.Usage{
		PromptTokens:     int(gjson.GetBytes(raw, "prompt_tokens").Int()),
		CompletionTokens: int(gjson.GetBytes(raw, "completion_tokens").Int()),
		TotalTokens:      int(gjson.GetBytes(raw, "total_tokens").Int()),
		ReasoningTokens:  int(gjson.GetBytes(raw, "completion_tokens_details.reasoning_tokens").Int()),
		CachedTokens:     int(gjson.GetBytes(raw, "prompt_tokens_details.cached_tokens").Int()),
	}
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return nil
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return &u
}
