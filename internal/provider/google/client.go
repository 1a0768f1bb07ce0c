// Package google implements the gateway.Provider adapter for the Gemini API
// as exposed by Google AI Studio. The API key rides the URL, assistant turns
// become "model" turns, and tool calls have no upstream ids, so ids are
// synthesized from the function name and part position.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/catalog"
	"github.com/durinhq/durin/internal/provider"
	"github.com/durinhq/durin/internal/tokencount"
)

const maxResponseBody = 32 << 20

var _ gateway.Provider = (*Client)(nil)

// Client is a Gemini adapter bound to one catalog provider entry.
type Client struct {
	provider catalog.Provider
	http     *http.Client
	images   *provider.ImageFetcher
	tokens   *tokencount.Counter
}

// Option configures a Client.
type Option func(*Client)

// WithImageFetcher overrides the fetcher used to inline image parts.
func WithImageFetcher(f *provider.ImageFetcher) Option {
	return func(c *Client) { c.images = f }
}

// New creates a Gemini Client.
func New(p catalog.Provider, client *http.Client, opts ...Option) *Client {
	if client == nil {
		client = &http.Client{}
	}
	c := &Client{
		provider: p,
		http:     client,
		images:   &provider.ImageFetcher{},
		tokens:   tokencount.NewCounter(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the catalog provider id.
func (c *Client) Name() string { return c.provider.ID }

// ChatCompletion sends a non-streaming generateContent request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (*gateway.ChatResponse, error) {
	gReq, err := c.translate(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, catalog.ChatEndpoint(c.provider, opts.Model, opts.Token, false, false), gReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.provider.ID, resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("google: read response: %w", err)
	}
	return c.decodeResponse(raw, opts.Model)
}

// ChatCompletionStream sends a streaming generateContent request. Each SSE
// frame carries a complete GenerateContentResponse.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (<-chan gateway.StreamChunk, error) {
	gReq, err := c.translate(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, catalog.ChatEndpoint(c.provider, opts.Model, opts.Token, true, false), gReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.provider.ID, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go c.readStream(ctx, resp.Body, ch, opts.Model)
	return ch, nil
}

func (c *Client) post(ctx context.Context, endpoint string, gReq *googleRequest) (*http.Response, error) {
	body, err := json.Marshal(gReq)
	if err != nil {
		return nil, fmt.Errorf("google: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("google: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google: do request: %w", err)
	}
	return resp, nil
}
