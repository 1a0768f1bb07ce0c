package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/catalog"
	"github.com/durinhq/durin/internal/provider"
	"github.com/durinhq/durin/internal/provider/sseutil"
)

// responsesRequest is the subset of the Responses API the gateway drives.
type responsesRequest struct {
	Model           string          `json:"model"`
	Input           []responsesMsg  `json:"input"`
	Reasoning       *reasoningOpts  `json:"reasoning,omitempty"`
	Tools           []responsesTool `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
}

type responsesMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type reasoningOpts struct {
	Effort  string `json:"effort"`
	Summary string `json:"summary,omitempty"`
}

// responsesTool is the flattened function declaration the Responses API
// takes, without the chat-completions "function" nesting.
type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// encodeResponses translates a canonical request into a Responses API body.
// Multimodal content is flattened to text; the selection rule keeps requests
// with tool history on the chat endpoint.
func encodeResponses(req *gateway.ChatRequest, opts gateway.CallOptions) (*responsesRequest, error) {
	out := &responsesRequest{
		Model:       opts.Model,
		Temperature: req.Temperature,
		Reasoning:   &reasoningOpts{Effort: req.ReasoningEffort, Summary: "detailed"},
	}
	if limit := req.OutputTokenLimit(); limit > 0 {
		out.MaxOutputTokens = &limit
	}

	for _, msg := range provider.RewriteSystemRole(req.Messages, opts.SupportsSystemRole) {
		out.Input = append(out.Input, responsesMsg{Role: msg.Role, Content: gateway.ContentText(msg.Content)})
	}

	tools, err := gateway.ParseTools(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("openai: parse tools: %w", err)
	}
	for _, t := range tools {
		out.Tools = append(out.Tools, responsesTool{
			Type:        "function",
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	out.ToolChoice = flattenToolChoice(req.ToolChoice)
	return out, nil
}

// flattenToolChoice converts the chat-completions tool_choice shape into the
// Responses one: strings pass through, the nested function object flattens.
func flattenToolChoice(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(raw)
	if parsed.Type == gjson.String {
		return raw
	}
	if name := parsed.Get("function.name"); name.Exists() {
		flat, _ := json.Marshal(map[string]string{"type": "function", "name": name.Str})
		return flat
	}
	return raw
}

func (c *Client) responsesCompletion(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (*gateway.ChatResponse, error) {
	encoded, err := encodeResponses(req, opts)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal responses request: %w", err)
	}

	resp, err := c.post(ctx, catalog.ChatEndpoint(c.provider, opts.Model, opts.Token, false, true), body, opts.Token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.provider.ID, resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("openai: read responses body: %w", err)
	}
	return decodeResponses(raw)
}

// decodeResponses converts a Responses API result into the canonical chat
// completion shape: message items become content, reasoning items become
// reasoning_content, function_call items become tool_calls.
func decodeResponses(raw []byte) (*gateway.ChatResponse, error) {
	root := gjson.ParseBytes(raw)

	var content, reasoning string
	var toolCalls []gateway.ToolCall
	for _, item := range root.Get("output").Array() {
		switch item.Get("type").Str {
		case "message":
			for _, part := range item.Get("content").Array() {
				if part.Get("type").Str == "output_text" {
					content += part.Get("text").Str
				}
			}
		case "reasoning":
			for _, s := range item.Get("summary").Array() {
				reasoning += s.Get("text").Str
			}
		case "function_call":
			args := item.Get("arguments").Str
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, gateway.ToolCall{
				ID:   item.Get("call_id").Str,
				Type: "function",
				Function: gateway.ToolCallFunction{
					Name:      item.Get("name").Str,
					Arguments: args,
				},
			})
		}
	}

	msg := gateway.Message{Role: "assistant", ReasoningContent: reasoning}
	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("openai: encode content: %w", err)
	}
	msg.Content = encoded
	if len(toolCalls) > 0 {
		if msg.ToolCalls, err = json.Marshal(toolCalls); err != nil {
			return nil, fmt.Errorf("openai: encode tool calls: %w", err)
		}
	}

	finish := "stop"
	switch {
	case len(toolCalls) > 0:
		finish = "tool_calls"
	case root.Get("status").Str == "incomplete" &&
		root.Get("incomplete_details.reason").Str == "max_output_tokens":
		finish = "length"
	}

	created := root.Get("created_at").Int()
	if created == 0 {
		created = time.Now().Unix()
	}

	return &gateway.ChatResponse{
		ID:      root.Get("id").Str,
		Object:  "chat.completion",
		Created: created,
		Model:   root.Get("model").Str,
		Choices: []gateway.Choice{{Message: msg, FinishReason: finish}},
		Usage:   responsesUsage(root.Get("usage")),
	}, nil
}

func responsesUsage(u gjson.Result) *gateway.Usage {
	if !u.IsObject() {
		return nil
	}
	usage := &gateway.Usage{
		PromptTokens:     int(u.Get("input_tokens").Int()),
		CompletionTokens: int(u.Get("output_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
		ReasoningTokens:  int(u.Get("output_tokens_details.reasoning_tokens").Int()),
		CachedTokens:     int(u.Get("input_tokens_details.cached_tokens").Int()),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

func (c *Client) responsesStream(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (<-chan gateway.StreamChunk, error) {
	encoded, err := encodeResponses(req, opts)
	if err != nil {
		return nil, err
	}
	encoded.Stream = true
	body, err := json.Marshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal responses request: %w", err)
	}

	resp, err := c.post(ctx, catalog.ChatEndpoint(c.provider, opts.Model, opts.Token, true, true), body, opts.Token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.provider.ID, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readResponsesStream(ctx, c.provider.ID, resp, opts.Model, ch)
	return ch, nil
}

// responsesState tracks one Responses API stream while it is rewritten into
// chat-completion chunks. Function-call items are assigned tool slots in
// arrival order, keyed by their output_index.
type responsesState struct {
	b         *sseutil.ChunkBuilder
	started   bool
	toolSlots map[int]int
	sawTools  bool
}

func readResponsesStream(ctx context.Context, providerID string, resp *http.Response, model string, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	st := responsesState{
		b:         sseutil.NewChunkBuilder("", model),
		toolSlots: make(map[int]int),
	}

	r := sseutil.NewReader(resp.Body)
	for {
		ev, err := r.Next()
		if err != nil {
			if err != io.EOF {
				ch <- gateway.StreamChunk{Err: fmt.Errorf("%s: read responses stream: %w", providerID, err)}
			}
			return
		}
		for _, chunk := range st.handleEvent(ev) {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: ctx.Err()}
				return
			}
			if chunk.Done || chunk.Err != nil {
				return
			}
		}
	}
}

func (s *responsesState) handleEvent(ev sseutil.Event) []gateway.StreamChunk {
	data := gjson.Parse(ev.Data)

	switch ev.Name {
	case "response.created":
		s.b.ID = data.Get("response.id").Str
		s.started = true
		return []gateway.StreamChunk{{Data: s.b.Role()}}

	case "response.output_item.added":
		item := data.Get("item")
		if item.Get("type").Str != "function_call" {
			return nil
		}
		idx := int(data.Get("output_index").Int())
		slot := len(s.toolSlots)
		s.toolSlots[idx] = slot
		s.sawTools = true
		return []gateway.StreamChunk{{
			Data: s.b.ToolCallStart(slot, item.Get("call_id").Str, item.Get("name").Str),
		}}

	case "response.output_text.delta":
		return []gateway.StreamChunk{{Data: s.b.Text(data.Get("delta").Str), HasContent: true}}

	case "response.reasoning_summary_text.delta":
		return []gateway.StreamChunk{{Data: s.b.Reasoning(data.Get("delta").Str), HasReasoning: true}}

	case "response.function_call_arguments.delta":
		idx := int(data.Get("output_index").Int())
		slot, ok := s.toolSlots[idx]
		if !ok {
			return nil
		}
		return []gateway.StreamChunk{{Data: s.b.ToolCallArgs(slot, data.Get("delta").Str)}}

	case "response.completed", "response.incomplete":
		finish := "stop"
		if s.sawTools {
			finish = "tool_calls"
		}
		if data.Get("response.incomplete_details.reason").Str == "max_output_tokens" {
			finish = "length"
		}
		usage := responsesUsage(data.Get("response.usage"))
		chunks := []gateway.StreamChunk{{Data: s.b.Finish(finish), FinishReason: finish}}
		if usage != nil {
			chunks = append(chunks, gateway.StreamChunk{Data: s.b.UsageFrame(usage), Usage: usage})
		}
		return append(chunks, gateway.StreamChunk{Done: true})

	case "response.failed", "error":
		msg := data.Get("response.error.message").Str
		if msg == "" {
			msg = data.Get("message").Str
		}
		return []gateway.StreamChunk{{Err: fmt.Errorf("openai: responses stream failed: %s", msg)}}
	}
	return nil
}
