// Package compat implements the gateway.Provider adapter for upstreams that
// expose an OpenAI-compatible chat-completions endpoint (xAI, Groq, DeepSeek,
// Mistral, ZAI, Together and the rest). One Client serves any catalog entry
// of the openai-compat family; per-provider deviations live in quirks.go.
package compat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/catalog"
	"github.com/durinhq/durin/internal/provider"
	"github.com/durinhq/durin/internal/provider/sseutil"
)

const maxResponseBody = 32 << 20

var _ gateway.Provider = (*Client)(nil)

// Client is an OpenAI-compatible adapter bound to one catalog provider entry.
type Client struct {
	provider catalog.Provider
	http     *http.Client
}

// New creates a compat Client. The http client carries the shared transport;
// auth rides per-request headers from the call options.
func New(p catalog.Provider, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{provider: p, http: client}
}

// Name returns the catalog provider id.
func (c *Client) Name() string { return c.provider.ID }

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(c.translate(req, opts))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.provider.ID, err)
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
		return nil, fmt.Errorf("%s: read response: %w", c.provider.ID, err)
	}
	var out gateway.ChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.provider.ID, err)
	}
	// The flat unmarshal misses the nested token-detail counts.
	if u := gjson.GetBytes(raw, "usage"); u.IsObject() {
		out.Usage = provider.ParseUsage([]byte(u.Raw))
	}
	if needsFinishQuirk(opts.Model, req) {
		applyFinishQuirk(&out)
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request. Raw SSE
// payloads are forwarded as-is in StreamChunk.Data; the channel is closed
// after a Done sentinel or an error chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (<-chan gateway.StreamChunk, error) {
	outReq := c.translate(req, opts)
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(outReq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.provider.ID, err)
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
	if needsFinishQuirk(opts.Model, req) {
		inner := make(chan gateway.StreamChunk, 8)
		go sseutil.ReadChatStream(ctx, c.provider.ID, resp, inner)
		go rewriteFinishStream(inner, ch)
	} else {
		go sseutil.ReadChatStream(ctx, c.provider.ID, resp, ch)
	}
	return ch, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte, token string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.provider.ID, err)
	}
	for key, vals := range catalog.AuthHeaders(c.provider, token) {
		httpReq.Header[key] = vals
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.provider.ID, err)
	}
	return resp, nil
}

// translate shapes the outbound body: the provider-native model name goes on
// the wire (minus any router prefix the upstream does not know about) and
// system turns are rewritten when the model cannot take them.
func (c *Client) translate(req *gateway.ChatRequest, opts gateway.CallOptions) *gateway.ChatRequest {
	out := *req
	out.Model = catalog.StripModelPrefix(c.provider.ID, opts.Model)
	out.Messages = provider.RewriteSystemRole(req.Messages, opts.SupportsSystemRole)
	return &out
}
