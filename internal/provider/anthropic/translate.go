package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/durinhq/durin/internal"
)

// minMaxTokens is the floor for max_tokens; the Messages API requires the
// field on every request.
const minMaxTokens = 1024

// thinkingBudgets maps reasoning effort to a thinking token budget. Minimal
// effort keeps thinking off entirely.
var thinkingBudgets = map[string]int{
	gateway.EffortLow:    1024,
	gateway.EffortMedium: 2000,
	gateway.EffortHigh:   4000,
}

// anthropicRequest is the Messages API request body. Model and Stream carry
// omitempty so hosted platforms, which move both out of the body, can zero
// them before marshaling.
type anthropicRequest struct {
	Model         string               `json:"model,omitempty"`
	System        string               `json:"system,omitempty"`
	Messages      []anthropicMessage   `json:"messages"`
	MaxTokens     int                  `json:"max_tokens"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool      `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
	Thinking      *anthropicThinking   `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock is one content block. Which fields are set depends on Type:
// text, image, tool_use, or tool_result.
type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *anthropicImageSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// translate converts an OpenAI-format request to a Messages API request.
func (c *Client) translate(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:       opts.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	var system strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(gateway.ContentText(m.Content))
		case "assistant":
			blocks, err := assistantBlocks(m)
			if err != nil {
				return nil, err
			}
			if len(blocks) == 0 {
				continue
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: blocks})
		case "tool":
			block := anthropicBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   gateway.ContentText(m.Content),
			}
			// Consecutive tool results share one user turn so each stays
			// adjacent to the assistant turn that requested it.
			if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == "user" &&
				len(out.Messages[n-1].Content) > 0 && out.Messages[n-1].Content[0].Type == "tool_result" {
				out.Messages[n-1].Content = append(out.Messages[n-1].Content, block)
				continue
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: []anthropicBlock{block}})
		case "user":
			blocks, err := c.userBlocks(ctx, m)
			if err != nil {
				return nil, err
			}
			if len(blocks) == 0 {
				continue
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: blocks})
		}
	}

	if system.Len() > 0 {
		if opts.SupportsSystemRole {
			out.System = system.String()
		} else {
			prependSystem(out, system.String())
		}
	}

	out.MaxTokens = req.OutputTokenLimit()
	if out.MaxTokens < minMaxTokens {
		out.MaxTokens = minMaxTokens
	}
	if budget, ok := thinkingBudgets[req.ReasoningEffort]; ok {
		out.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
		// max_tokens bounds thinking plus the visible answer.
		if out.MaxTokens < budget+1000 {
			out.MaxTokens = budget + 1000
		}
	}

	out.StopSequences = stopSequences(req.Stop)

	tools, err := gateway.ParseTools(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("anthropic: parse tools: %w", err)
	}
	for _, t := range tools {
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}
	choice, dropTools := translateToolChoice(req.ToolChoice)
	if dropTools {
		out.Tools = nil
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = choice
	}

	return out, nil
}

// prependSystem folds system text into the first user turn for models that
// reject a system prompt.
func prependSystem(out *anthropicRequest, text string) {
	block := anthropicBlock{Type: "text", Text: text}
	for i := range out.Messages {
		if out.Messages[i].Role == "user" {
			out.Messages[i].Content = append([]anthropicBlock{block}, out.Messages[i].Content...)
			return
		}
	}
	out.Messages = append([]anthropicMessage{{Role: "user", Content: []anthropicBlock{block}}}, out.Messages...)
}

// assistantBlocks converts an assistant turn: text first, then one tool_use
// block per recorded call.
func assistantBlocks(m gateway.Message) ([]anthropicBlock, error) {
	var blocks []anthropicBlock
	if text := gateway.ContentText(m.Content); text != "" {
		blocks = append(blocks, anthropicBlock{Type: "text", Text: text})
	}
	calls, err := gateway.ParseToolCalls(m.ToolCalls)
	if err != nil {
		return nil, fmt.Errorf("anthropic: parse tool calls: %w", err)
	}
	for _, tc := range calls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		blocks = append(blocks, anthropicBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return blocks, nil
}

// userBlocks converts a user turn. Image parts are fetched and inlined as
// base64 source blocks; a part that cannot be fetched degrades to a text
// placeholder so the rest of the conversation still goes through.
func (c *Client) userBlocks(ctx context.Context, m gateway.Message) ([]anthropicBlock, error) {
	parts, err := gateway.ContentParts(m.Content)
	if err != nil {
		return nil, fmt.Errorf("anthropic: parse content: %w", err)
	}
	var blocks []anthropicBlock
	for _, p := range parts {
		switch p.Type {
		case "text":
			if p.Text == "" {
				continue
			}
			blocks = append(blocks, anthropicBlock{Type: "text", Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			img, err := c.images.Fetch(ctx, p.ImageURL.URL)
			if err != nil {
				blocks = append(blocks, anthropicBlock{
					Type: "text",
					Text: fmt.Sprintf("[image unavailable: %v]", err),
				})
				continue
			}
			blocks = append(blocks, anthropicBlock{
				Type: "image",
				Source: &anthropicImageSource{
					Type:      "base64",
					MediaType: img.MediaType,
					Data:      img.Data,
				},
			})
		}
	}
	return blocks, nil
}

// stopSequences accepts the stop field in either OpenAI spelling: a single
// string or an array of strings.
func stopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// translateToolChoice maps the OpenAI tool_choice field. "none" has no
// Messages API equivalent, so the caller drops the tools instead.
func translateToolChoice(raw json.RawMessage) (choice *anthropicToolChoice, dropTools bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return &anthropicToolChoice{Type: "auto"}, false
		case "required":
			return &anthropicToolChoice{Type: "any"}, false
		case "none":
			return nil, true
		}
		return nil, false
	}
	if name := gjson.GetBytes(raw, "function.name"); name.Exists() {
		return &anthropicToolChoice{Type: "tool", Name: name.String()}, false
	}
	return nil, false
}

// decodeResponse converts a Messages API JSON response body.
func decodeResponse(raw []byte) (*gateway.ChatResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("anthropic: invalid response body: %w", gateway.ErrUpstream)
	}
	result := gjson.ParseBytes(raw)

	var text, reasoning strings.Builder
	var toolCalls []gateway.ToolCall
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "thinking":
			reasoning.WriteString(block.Get("thinking").String())
		case "tool_use":
			args := block.Get("input").Raw
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, gateway.ToolCall{
				ID:   block.Get("id").String(),
				Type: "function",
				Function: gateway.ToolCallFunction{
					Name:      block.Get("name").String(),
					Arguments: args,
				},
			})
		}
		return true
	})

	msg := gateway.Message{Role: "assistant", ReasoningContent: reasoning.String()}
	if text.Len() > 0 {
		ct, _ := json.Marshal(text.String())
		msg.Content = ct
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
	}

	var usage *gateway.Usage
	if u := result.Get("usage"); u.Exists() {
		in := int(u.Get("input_tokens").Int())
		completion := int(u.Get("output_tokens").Int())
		usage = &gateway.Usage{
			PromptTokens:     in,
			CompletionTokens: completion,
			TotalTokens:      in + completion,
			ReasoningTokens:  int(u.Get("reasoning_output_tokens").Int()),
			CachedTokens:     int(u.Get("cache_read_input_tokens").Int()),
		}
	}

	return &gateway.ChatResponse{
		ID:      result.Get("id").String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   result.Get("model").String(),
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: mapStopReason(result.Get("stop_reason").String()),
		}},
		Usage: usage,
	}, nil
}

// mapStopReason converts Messages API stop reasons to finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "":
		return ""
	}
	return "stop"
}
