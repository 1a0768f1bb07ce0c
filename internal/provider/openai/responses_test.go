package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/durinhq/durin/internal"
)

func TestEncodeResponses(t *testing.T) {
	t.Parallel()

	limit := 900
	req := &gateway.ChatRequest{
		Model:           "gpt-5",
		ReasoningEffort: "high",
		MaxTokens:       &limit,
		Messages: []gateway.Message{
			{Role: "system", Content: json.RawMessage(`"be helpful"`)},
			{Role: "user", Content: json.RawMessage(`"plan a trip"`)},
		},
		Tools:      json.RawMessage(`[{"type":"function","function":{"name":"search","description":"web search","parameters":{"type":"object"}}}]`),
		ToolChoice: json.RawMessage(`{"type":"function","function":{"name":"search"}}`),
	}

	out, err := encodeResponses(req, gateway.CallOptions{Model: "gpt-5", SupportsSystemRole: true})
	if err != nil {
		t.Fatalf("encodeResponses: %v", err)
	}

	if out.Model != "gpt-5" {
		t.Errorf("model = %q", out.Model)
	}
	if out.Reasoning == nil || out.Reasoning.Effort != "high" || out.Reasoning.Summary != "detailed" {
		t.Errorf("reasoning = %+v", out.Reasoning)
	}
	if out.MaxOutputTokens == nil || *out.MaxOutputTokens != 900 {
		t.Errorf("max_output_tokens = %v, want 900", out.MaxOutputTokens)
	}
	if len(out.Input) != 2 || out.Input[0].Role != "system" || out.Input[1].Content != "plan a trip" {
		t.Errorf("input = %+v", out.Input)
	}
	if len(out.Tools) != 1 || out.Tools[0].Name != "search" || out.Tools[0].Type != "function" {
		t.Errorf("tools = %+v", out.Tools)
	}

	var choice map[string]string
	if err := json.Unmarshal(out.ToolChoice, &choice); err != nil {
		t.Fatalf("tool_choice: %v", err)
	}
	if choice["type"] != "function" || choice["name"] != "search" {
		t.Errorf("tool_choice = %v, want flattened function", choice)
	}
}

func TestDecodeResponses(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"id": "resp_1",
		"created_at": 1700000000,
		"model": "gpt-5",
		"status": "completed",
		"output": [
			{"type":"reasoning","summary":[{"type":"summary_text","text":"thinking it through"}]},
			{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Here is the plan."}]},
			{"type":"function_call","call_id":"call_9","name":"search","arguments":"{\"q\":\"flights\"}"}
		],
		"usage": {
			"input_tokens": 50,
			"input_tokens_details": {"cached_tokens": 10},
			"output_tokens": 30,
			"output_tokens_details": {"reasoning_tokens": 12},
			"total_tokens": 80
		}
	}`)

	resp, err := decodeResponses(raw)
	if err != nil {
		t.Fatalf("decodeResponses: %v", err)
	}

	if resp.ID != "resp_1" || resp.Object != "chat.completion" {
		t.Errorf("envelope = %q/%q", resp.ID, resp.Object)
	}
	choice := resp.Choices[0]
	if gateway.ContentText(choice.Message.Content) != "Here is the plan." {
		t.Errorf("content = %q", gateway.ContentText(choice.Message.Content))
	}
	if choice.Message.ReasoningContent != "thinking it through" {
		t.Errorf("reasoning_content = %q", choice.Message.ReasoningContent)
	}
	if choice.FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", choice.FinishReason)
	}

	calls, err := gateway.ParseToolCalls(choice.Message.ToolCalls)
	if err != nil || len(calls) != 1 {
		t.Fatalf("tool calls = %v, err %v", calls, err)
	}
	if calls[0].ID != "call_9" || calls[0].Function.Name != "search" {
		t.Errorf("call = %+v", calls[0])
	}

	if resp.Usage.PromptTokens != 50 || resp.Usage.CompletionTokens != 30 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Usage.ReasoningTokens != 12 || resp.Usage.CachedTokens != 10 {
		t.Errorf("detail tokens = %d/%d, want 12/10", resp.Usage.ReasoningTokens, resp.Usage.CachedTokens)
	}
}

func TestDecodeResponsesLengthLimit(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"id": "resp_2",
		"model": "gpt-5",
		"status": "incomplete",
		"incomplete_details": {"reason": "max_output_tokens"},
		"output": [{"type":"message","role":"assistant","content":[{"type":"output_text","text":"truncat"}]}]
	}`)

	resp, err := decodeResponses(raw)
	if err != nil {
		t.Fatalf("decodeResponses: %v", err)
	}
	if resp.Choices[0].FinishReason != "length" {
		t.Errorf("finish_reason = %q, want length", resp.Choices[0].FinishReason)
	}
}

func TestResponsesCompletionEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			t.Errorf("path = %s, want /v1/responses", r.URL.Path)
		}
		var req responsesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Reasoning == nil || req.Reasoning.Effort != "medium" {
			t.Errorf("reasoning = %+v", req.Reasoning)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"resp_3","model":"gpt-5","status":"completed",
			"output":[{"type":"message","content":[{"type":"output_text","text":"ok"}]}],
			"usage":{"input_tokens":5,"output_tokens":2,"total_tokens":7}}`)
	}))
	defer srv.Close()

	client := New(testProvider(srv.URL), nil)
	resp, err := client.ChatCompletion(context.Background(), &gateway.ChatRequest{
		Model:           "gpt-5",
		ReasoningEffort: "medium",
		Messages:        []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}, gateway.CallOptions{Token: "k", Model: "gpt-5", SupportsSystemRole: true, ResponsesAPI: true})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if gateway.ContentText(resp.Choices[0].Message.Content) != "ok" {
		t.Errorf("content = %q, want ok", gateway.ContentText(resp.Choices[0].Message.Content))
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("total tokens = %d, want 7", resp.Usage.TotalTokens)
	}
}

func TestResponsesStream(t *testing.T) {
	t.Parallel()

	events := "event: response.created\n" +
		"data: {\"response\":{\"id\":\"resp_4\",\"model\":\"gpt-5\"}}\n\n" +
		"event: response.reasoning_summary_text.delta\n" +
		"data: {\"output_index\":0,\"delta\":\"hmm\"}\n\n" +
		"event: response.output_text.delta\n" +
		"data: {\"output_index\":1,\"delta\":\"Hello\"}\n\n" +
		"event: response.output_item.added\n" +
		"data: {\"output_index\":2,\"item\":{\"type\":\"function_call\",\"call_id\":\"call_z\",\"name\":\"lookup\"}}\n\n" +
		"event: response.function_call_arguments.delta\n" +
		"data: {\"output_index\":2,\"delta\":\"{\\\"id\\\":1}\"}\n\n" +
		"event: response.completed\n" +
		"data: {\"response\":{\"usage\":{\"input_tokens\":9,\"output_tokens\":4,\"total_tokens\":13}}}\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req responsesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("stream should be true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, events)
	}))
	defer srv.Close()

	client := New(testProvider(srv.URL), nil)
	ch, err := client.ChatCompletionStream(context.Background(), &gateway.ChatRequest{
		Model:           "gpt-5",
		ReasoningEffort: "low",
		Messages:        []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}, gateway.CallOptions{Token: "k", Model: "gpt-5", SupportsSystemRole: true, ResponsesAPI: true})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	var chunks []gateway.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}

	// role, reasoning, text, tool start, tool args, finish, usage, done
	if len(chunks) != 8 {
		t.Fatalf("got %d chunks, want 8", len(chunks))
	}
	if !chunks[1].HasReasoning {
		t.Error("reasoning chunk should be marked HasReasoning")
	}
	if !chunks[2].HasContent {
		t.Error("text chunk should be marked HasContent")
	}
	if chunks[5].FinishReason != "tool_calls" {
		t.Errorf("finish = %q, want tool_calls", chunks[5].FinishReason)
	}
	if chunks[6].Usage == nil || chunks[6].Usage.TotalTokens != 13 {
		t.Errorf("usage chunk = %+v", chunks[6].Usage)
	}
	if !chunks[7].Done {
		t.Error("last chunk should be Done")
	}

	// Tool start frame carries id and name.
	var frame map[string]any
	if err := json.Unmarshal(chunks[3].Data, &frame); err != nil {
		t.Fatalf("unmarshal tool start: %v", err)
	}
	call := frame["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)["tool_calls"].([]any)[0].(map[string]any)
	if call["id"] != "call_z" {
		t.Errorf("tool call id = %v, want call_z", call["id"])
	}
}
