// Package openai implements the gateway.Provider adapter for the OpenAI API,
// covering both the chat-completions endpoint and the Responses endpoint used
// for reasoning models.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/catalog"
	"github.com/durinhq/durin/internal/provider"
	"github.com/durinhq/durin/internal/provider/sseutil"
)

// maxResponseBody caps a buffered upstream response.
const maxResponseBody = 32 << 20

var _ gateway.Provider = (*Client)(nil)

// Client is an OpenAI adapter bound to one catalog provider entry.
type Client struct {
	provider catalog.Provider
	http     *http.Client
}

// New creates an OpenAI Client. The http client carries the shared transport;
// auth rides per-request headers from the call options.
func New(p catalog.Provider, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{provider: p, http: client}
}

// Name returns the catalog provider id.
func (c *Client) Name() string { return c.provider.ID }

// useResponses reports whether the call goes through the Responses API: the
// mapping supports it, the caller asked for reasoning, and the conversation
// has no tool turns yet.
func useResponses(req *gateway.ChatRequest, opts gateway.CallOptions) bool {
	return opts.ResponsesAPI && req.ReasoningEffort != "" && !gateway.HasToolTurns(req.Messages)
}

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (*gateway.ChatResponse, error) {
	if useResponses(req, opts) {
		return c.responsesCompletion(ctx, req, opts)
	}

	body, err := json.Marshal(translate(req, opts))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	resp, err := c.post(ctx, catalog.ChatEndpoint(c.provider, opts.Model, opts.Token, false, false), body, opts.Token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.provider.ID, resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}
	var out gateway.ChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	// The flat unmarshal misses the nested token-detail counts.
	if u := gjson.GetBytes(raw, "usage"); u.IsObject() {
		out.Usage = provider.ParseUsage([]byte(u.Raw))
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request. Raw SSE
// payloads are forwarded as-is in StreamChunk.Data; the channel is closed
// after a Done sentinel or an error chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (<-chan gateway.StreamChunk, error) {
	if useResponses(req, opts) {
		return c.responsesStream(ctx, req, opts)
	}

	outReq := translate(req, opts)
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(outReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	resp, err := c.post(ctx, catalog.ChatEndpoint(c.provider, opts.Model, opts.Token, true, false), body, opts.Token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.provider.ID, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go sseutil.ReadChatStream(ctx, c.provider.ID, resp, ch)
	return ch, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte, token string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	for key, vals := range catalog.AuthHeaders(c.provider, token) {
		httpReq.Header[key] = vals
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	return resp, nil
}

// translate shapes the outbound chat-completions body: the provider-native
// model name goes on the wire, system turns are rewritten when the model
// cannot take them, and gpt-5 models get their parameter quirks.
func translate(req *gateway.ChatRequest, opts gateway.CallOptions) *gateway.ChatRequest {
	out := *req
	out.Model = opts.Model
	out.Messages = provider.RewriteSystemRole(req.Messages, opts.SupportsSystemRole)

	if strings.HasPrefix(opts.Model, "gpt-5") {
		// gpt-5 rejects non-default sampling and retired max_tokens.
		if out.Temperature != nil && *out.Temperature != 1 {
			one := 1.0
			out.Temperature = &one
		}
		if out.MaxTokens != nil {
			out.MaxCompletionTokens = out.MaxTokens
			out.MaxTokens = nil
		}
	}
	return &out
}
