package google

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/durinhq/durin/internal"
)

// thinkingBudgets maps reasoning effort to a Gemini thinking budget. Minimal
// effort pins the budget to zero, which switches thinking off on models that
// otherwise think by default.
var thinkingBudgets = map[string]int{
	gateway.EffortMinimal: 0,
	gateway.EffortLow:     1024,
	gateway.EffortMedium:  2000,
	gateway.EffortHigh:    4000,
}

// googleRequest is the generateContent request body.
type googleRequest struct {
	Contents          []googleContent   `json:"contents"`
	SystemInstruction *googleContent    `json:"systemInstruction,omitempty"`
	Tools             []googleTool      `json:"tools,omitempty"`
	ToolConfig        *googleToolConfig `json:"toolConfig,omitempty"`
	GenerationConfig  *googleGenConfig  `json:"generationConfig,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *googleBlob       `json:"inline_data,omitempty"`
	FunctionCall     *googleCall       `json:"functionCall,omitempty"`
	FunctionResponse *googleCallResult `json:"functionResponse,omitempty"`
}

type googleBlob struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type googleCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type googleCallResult struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type googleTool struct {
	FunctionDeclarations []googleFunctionDecl `json:"functionDeclarations"`
}

type googleFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type googleToolConfig struct {
	FunctionCallingConfig googleCallingConfig `json:"functionCallingConfig"`
}

type googleCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type googleGenConfig struct {
	Temperature     *float64              `json:"temperature,omitempty"`
	TopP            *float64              `json:"topP,omitempty"`
	MaxOutputTokens int                   `json:"maxOutputTokens,omitempty"`
	StopSequences   []string              `json:"stopSequences,omitempty"`
	ThinkingConfig  *googleThinkingConfig `json:"thinkingConfig,omitempty"`
}

type googleThinkingConfig struct {
	ThinkingBudget  int  `json:"thinkingBudget"`
	IncludeThoughts bool `json:"includeThoughts"`
}

// translate converts an OpenAI-format request to a generateContent request.
// Tool result turns reference calls by id, while Gemini pairs them by
// function name, so assistant tool calls are indexed as the walk proceeds.
func (c *Client) translate(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (*googleRequest, error) {
	out := &googleRequest{}

	var system strings.Builder
	callNames := map[string]string{}
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(gateway.ContentText(m.Content))
		case "user":
			parts, err := c.userParts(ctx, m)
			if err != nil {
				return nil, err
			}
			if len(parts) == 0 {
				continue
			}
			out.Contents = append(out.Contents, googleContent{Role: "user", Parts: parts})
		case "assistant":
			parts, err := assistantParts(m, callNames)
			if err != nil {
				return nil, err
			}
			if len(parts) == 0 {
				continue
			}
			out.Contents = append(out.Contents, googleContent{Role: "model", Parts: parts})
		case "tool":
			name := callNames[m.ToolCallID]
			if name == "" {
				name = m.ToolCallID
			}
			out.Contents = append(out.Contents, googleContent{
				Role: "user",
				Parts: []googlePart{{FunctionResponse: &googleCallResult{
					Name:     name,
					Response: map[string]any{"content": gateway.ContentText(m.Content)},
				}}},
			})
		}
	}

	if system.Len() > 0 {
		if opts.SupportsSystemRole {
			out.SystemInstruction = &googleContent{Parts: []googlePart{{Text: system.String()}}}
		} else {
			prependSystem(out, system.String())
		}
	}

	tools, err := gateway.ParseTools(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("google: parse tools: %w", err)
	}
	var decls []googleFunctionDecl
	for _, t := range tools {
		params, err := stripSchema(t.Function.Parameters)
		if err != nil {
			return nil, fmt.Errorf("google: tool %s parameters: %w", t.Function.Name, err)
		}
		decls = append(decls, googleFunctionDecl{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  params,
		})
	}
	config, dropTools := translateToolChoice(req.ToolChoice)
	if dropTools {
		decls = nil
	}
	if len(decls) > 0 {
		out.Tools = []googleTool{{FunctionDeclarations: decls}}
		out.ToolConfig = config
	}

	out.GenerationConfig = generationConfig(req)
	return out, nil
}

func generationConfig(req *gateway.ChatRequest) *googleGenConfig {
	cfg := &googleGenConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.OutputTokenLimit(),
		StopSequences:   stopSequences(req.Stop),
	}
	if budget, ok := thinkingBudgets[req.ReasoningEffort]; ok {
		cfg.ThinkingConfig = &googleThinkingConfig{
			ThinkingBudget:  budget,
			IncludeThoughts: budget > 0,
		}
	}
	if cfg.Temperature == nil && cfg.TopP == nil && cfg.MaxOutputTokens == 0 &&
		len(cfg.StopSequences) == 0 && cfg.ThinkingConfig == nil {
		return nil
	}
	return cfg
}

// prependSystem folds system text into the first user turn for models that
// reject systemInstruction.
func prependSystem(out *googleRequest, text string) {
	part := googlePart{Text: text}
	for i := range out.Contents {
		if out.Contents[i].Role == "user" {
			out.Contents[i].Parts = append([]googlePart{part}, out.Contents[i].Parts...)
			return
		}
	}
	out.Contents = append([]googleContent{{Role: "user", Parts: []googlePart{part}}}, out.Contents...)
}

// assistantParts converts an assistant turn and records call id → function
// name pairs for later tool result turns.
func assistantParts(m gateway.Message, callNames map[string]string) ([]googlePart, error) {
	var parts []googlePart
	if text := gateway.ContentText(m.Content); text != "" {
		parts = append(parts, googlePart{Text: text})
	}
	calls, err := gateway.ParseToolCalls(m.ToolCalls)
	if err != nil {
		return nil, fmt.Errorf("google: parse tool calls: %w", err)
	}
	for _, tc := range calls {
		callNames[tc.ID] = tc.Function.Name
		args := json.RawMessage(tc.Function.Arguments)
		if !gjson.ValidBytes(args) || len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		parts = append(parts, googlePart{FunctionCall: &googleCall{
			Name: tc.Function.Name,
			Args: args,
		}})
	}
	return parts, nil
}

// userParts converts a user turn. Unlike the Anthropic adapter, a failed
// image fetch rejects the whole request; Gemini has no graceful text
// substitute for an inline_data part the caller asked for.
func (c *Client) userParts(ctx context.Context, m gateway.Message) ([]googlePart, error) {
	parts, err := gateway.ContentParts(m.Content)
	if err != nil {
		return nil, fmt.Errorf("google: parse content: %w", err)
	}
	var out []googlePart
	for _, p := range parts {
		switch p.Type {
		case "text":
			if p.Text == "" {
				continue
			}
			out = append(out, googlePart{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			img, err := c.images.Fetch(ctx, p.ImageURL.URL)
			if err != nil {
				return nil, fmt.Errorf("google: fetch image: %v: %w", err, gateway.ErrBadRequest)
			}
			out = append(out, googlePart{InlineData: &googleBlob{
				MIMEType: img.MediaType,
				Data:     img.Data,
			}})
		}
	}
	return out, nil
}

// stripSchema removes additionalProperties and $schema keys recursively.
// Gemini rejects parameter schemas that carry them.
func stripSchema(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	stripSchemaValue(v)
	return json.Marshal(v)
}

func stripSchemaValue(v any) {
	switch t := v.(type) {
	case map[string]any:
		delete(t, "additionalProperties")
		delete(t, "$schema")
		for _, child := range t {
			stripSchemaValue(child)
		}
	case []any:
		for _, child := range t {
			stripSchemaValue(child)
		}
	}
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

// translateToolChoice maps the OpenAI tool_choice field onto a Gemini
// function calling config. "none" drops the tools instead; pinning a single
// function becomes mode ANY with an allow-list of one.
func translateToolChoice(raw json.RawMessage) (config *googleToolConfig, dropTools bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return &googleToolConfig{FunctionCallingConfig: googleCallingConfig{Mode: "AUTO"}}, false
		case "required":
			return &googleToolConfig{FunctionCallingConfig: googleCallingConfig{Mode: "ANY"}}, false
		case "none":
			return nil, true
		}
		return nil, false
	}
	if name := gjson.GetBytes(raw, "function.name"); name.Exists() {
		return &googleToolConfig{FunctionCallingConfig: googleCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{name.String()},
		}}, false
	}
	return nil, false
}

// decodeResponse converts a generateContent JSON response body. Tool call
// ids are synthesized as {name}_{candidateIndex}_{partIndex} since Gemini
// has none of its own.
func (c *Client) decodeResponse(raw []byte, model string) (*gateway.ChatResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("google: invalid response body: %w", gateway.ErrUpstream)
	}
	r := gjson.ParseBytes(raw)

	var text, reasoning strings.Builder
	var toolCalls []gateway.ToolCall
	var images []gateway.ContentPart
	partIdx := 0
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			if part.Get("thought").Bool() {
				reasoning.WriteString(t.String())
			} else {
				text.WriteString(t.String())
			}
		}
		if d := part.Get("inlineData"); d.Exists() {
			images = append(images, gateway.ContentPart{
				Type: "image_url",
				ImageURL: &gateway.ImageRef{
					URL: fmt.Sprintf("data:%s;base64,%s", d.Get("mimeType").String(), d.Get("data").String()),
				},
			})
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			name := fc.Get("name").String()
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, gateway.ToolCall{
				ID:   fmt.Sprintf("%s_0_%d", name, partIdx),
				Type: "function",
				Function: gateway.ToolCallFunction{
					Name:      name,
					Arguments: args,
				},
			})
		}
		partIdx++
		return true
	})

	msg := gateway.Message{Role: "assistant", ReasoningContent: reasoning.String()}
	switch {
	case len(images) > 0:
		// Generated images force the parts spelling of content.
		parts := make([]gateway.ContentPart, 0, len(images)+1)
		if text.Len() > 0 {
			parts = append(parts, gateway.ContentPart{Type: "text", Text: text.String()})
		}
		parts = append(parts, images...)
		ct, _ := json.Marshal(parts)
		msg.Content = ct
	case text.Len() > 0:
		ct, _ := json.Marshal(text.String())
		msg.Content = ct
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
	}

	finish := mapFinishReason(r.Get("candidates.0.finishReason").String())
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}

	usage := c.decodeUsage(r.Get("usageMetadata"), model, text.String())

	id := r.Get("responseId").String()
	if id == "" {
		id = "gemini-" + model
	}

	return &gateway.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   usage,
	}, nil
}

// decodeUsage reads usageMetadata. Gemini sometimes omits
// candidatesTokenCount on tool-call responses, in which case the completion
// side is estimated from the produced text and the usage marked estimated.
func (c *Client) decodeUsage(u gjson.Result, model, producedText string) *gateway.Usage {
	if !u.Exists() {
		return nil
	}
	usage := &gateway.Usage{
		PromptTokens:    int(u.Get("promptTokenCount").Int()),
		ReasoningTokens: int(u.Get("thoughtsTokenCount").Int()),
		CachedTokens:    int(u.Get("cachedContentTokenCount").Int()),
	}
	if v := u.Get("candidatesTokenCount"); v.Exists() {
		usage.CompletionTokens = int(v.Int())
	} else if producedText != "" {
		usage.CompletionTokens = c.tokens.CountText(model, producedText)
		usage.Estimated = true
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens + usage.ReasoningTokens
	return usage
}

// mapFinishReason converts Gemini finish reasons to finish reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	case "":
		return ""
	}
	return "stop"
}
