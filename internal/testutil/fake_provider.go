// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"sync"

	gateway "github.com/durinhq/durin/internal"
)

// FakeProvider is a configurable gateway.Provider for testing. The last call
// options are recorded so tests can assert on routing output.
type FakeProvider struct {
	ProviderName string
	ChatFn       func(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (*gateway.ChatResponse, error)
	StreamFn     func(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (<-chan gateway.StreamChunk, error)

	mu       sync.Mutex
	lastOpts gateway.CallOptions
	calls    int
}

// Name returns the configured provider name.
func (f *FakeProvider) Name() string { return f.ProviderName }

// LastOpts returns the call options of the most recent call.
func (f *FakeProvider) LastOpts() gateway.CallOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpts
}

// Calls returns how many chat or stream calls the fake has served.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeProvider) record(opts gateway.CallOptions) {
	f.mu.Lock()
	f.lastOpts = opts
	f.calls++
	f.mu.Unlock()
}

// ChatCompletion delegates to ChatFn or returns a default response.
func (f *FakeProvider) ChatCompletion(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (*gateway.ChatResponse, error) {
	f.record(opts)
	if f.ChatFn != nil {
		return f.ChatFn(ctx, req, opts)
	}
	return &gateway.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   opts.Model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: []byte(`"hello"`)},
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// ChatCompletionStream delegates to StreamFn or returns a canned two-chunk stream.
func (f *FakeProvider) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest, opts gateway.CallOptions) (<-chan gateway.StreamChunk, error) {
	f.record(opts)
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req, opts)
	}
	return FakeStreamChan(
		gateway.StreamChunk{
			Data:       []byte(`{"id":"chatcmpl-fake","choices":[{"index":0,"delta":{"role":"assistant","content":"hello"}}]}`),
			HasContent: true,
		},
		gateway.StreamChunk{
			Data:         []byte(`{"id":"chatcmpl-fake","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`),
			FinishReason: "stop",
			Usage:        &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
	), nil
}

// FakeStreamChan returns a channel pre-loaded with the given chunks, followed
// by a Done sentinel. The channel is closed after all chunks are sent.
func FakeStreamChan(chunks ...gateway.StreamChunk) <-chan gateway.StreamChunk {
	ch := make(chan gateway.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- gateway.StreamChunk{Done: true}
	close(ch)
	return ch
}
