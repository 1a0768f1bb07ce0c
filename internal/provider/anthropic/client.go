// Package anthropic implements the gateway.Provider adapter for the
// Anthropic Messages API, in its direct form and in the Vertex AI and AWS
// Bedrock hosted forms.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/catalog"
	"github.com/durinhq/durin/internal/provider"
)

const (
	vertexVersion  = "vertex-2023-10-16"
	bedrockVersion = "bedrock-2023-05-31"

	maxResponseBody = 32 << 20
)

var _ gateway.Provider = (*Client)(nil)

// Client is an Anthropic adapter bound to one catalog provider entry. Hosted
// entries (Vertex, Bedrock) authenticate through the http client's transport
// chain; the direct entry authenticates with per-call headers.
type Client struct {
	provider catalog.Provider
	http     *http.Client
	images   *provider.ImageFetcher

	// Vertex deployments address models under a GCP project and region.
	vertexProject string
	vertexRegion  string
}

// Option configures a Client.
type Option func(*Client)

// WithVertex sets the GCP project and region for Vertex-hosted calls.
func WithVertex(project, region string) Option {
	return func(c *Client) {
		c.vertexProject = project
		c.vertexRegion = region
	}
}

// WithImageFetcher overrides the fetcher used to inline image parts.
func WithImageFetcher(f *provider.ImageFetcher) Option {
	return func(c *Client) { c.images = f }
}

// New creates an Anthropic Client.
func New(p catalog.Provider, client *http.Client, opts ...Option) *Client {
	if client == nil {
		client = &http.Client{}
	}
	c := &Client{provider: p, http: client, images: &provider.ImageFetcher{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the catalog provider id.
func (c *Client) Name() string { return c.provider.ID }

// ChatCompletion sends a non-streaming messages request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (*gateway.ChatResponse, error) {
	aReq, err := c.translate(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	body, err := c.marshal(aReq, false)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	resp, err := c.post(ctx, c.endpoint(opts.Model, false), body, opts.Token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.provider.ID, resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	return decodeResponse(raw)
}

// ChatCompletionStream sends a streaming messages request. Bedrock responses
// arrive in AWS binary event stream framing and are unwrapped first; direct
// and Vertex responses are plain SSE.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (<-chan gateway.StreamChunk, error) {
	aReq, err := c.translate(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	body, err := c.marshal(aReq, true)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	resp, err := c.post(ctx, c.endpoint(opts.Model, true), body, opts.Token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.provider.ID, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	if c.provider.Hosting == catalog.HostingBedrock {
		go readBedrockStream(ctx, resp.Body, ch)
	} else {
		go readStream(ctx, resp.Body, ch)
	}
	return ch, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, token string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	for key, vals := range catalog.AuthHeaders(c.provider, token) {
		httpReq.Header[key] = vals
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	return resp, nil
}

// endpoint builds the upstream URL. Hosted platforms carry the model in the
// path; the direct API carries it in the body.
func (c *Client) endpoint(model string, stream bool) string {
	switch c.provider.Hosting {
	case catalog.HostingVertex:
		verb := ":rawPredict"
		if stream {
			verb = ":streamRawPredict"
		}
		return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/anthropic/models/%s%s",
			c.provider.BaseURL, c.vertexProject, c.vertexRegion, url.PathEscape(model), verb)
	case catalog.HostingBedrock:
		if stream {
			return fmt.Sprintf("%s/model/%s/invoke-with-response-stream", c.provider.BaseURL, url.PathEscape(model))
		}
		return fmt.Sprintf("%s/model/%s/invoke", c.provider.BaseURL, url.PathEscape(model))
	}
	return catalog.ChatEndpoint(c.provider, model, "", stream, false)
}

// hostedRequest wraps the message body for managed platforms.
type hostedRequest struct {
	AnthropicVersion string `json:"anthropic_version"`
	anthropicRequest
}

// marshal serializes the request for the target platform. Hosted platforms
// take anthropic_version inside the body and the model in the URL; Bedrock
// additionally implies streaming through its endpoint, never the body.
func (c *Client) marshal(aReq *anthropicRequest, stream bool) ([]byte, error) {
	switch c.provider.Hosting {
	case catalog.HostingVertex:
		h := hostedRequest{AnthropicVersion: vertexVersion, anthropicRequest: *aReq}
		h.Model = ""
		h.Stream = stream
		return json.Marshal(&h)
	case catalog.HostingBedrock:
		h := hostedRequest{AnthropicVersion: bedrockVersion, anthropicRequest: *aReq}
		h.Model = ""
		h.Stream = false
		return json.Marshal(&h)
	}
	aReq.Stream = stream
	return json.Marshal(aReq)
}
