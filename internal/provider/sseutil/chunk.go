package sseutil

import (
	"encoding/json"
	"time"

	gateway "github.com/durinhq/durin/internal"
)

// ChunkBuilder emits OpenAI chat.completion.chunk frames for one streamed
// response. ID, Model, and Created are fixed for the stream's lifetime, so
// every frame a client sees carries the same envelope.
type ChunkBuilder struct {
	ID      string
	Model   string
	Created int64
}

// NewChunkBuilder returns a builder stamped with the current time.
func NewChunkBuilder(id, model string) *ChunkBuilder {
	return &ChunkBuilder{ID: id, Model: model, Created: time.Now().Unix()}
}

type chunkFrame struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []chunkChoice  `json:"choices"`
	Usage   *gateway.Usage `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int            `json:"index"`
	Delta        map[string]any `json:"delta"`
	FinishReason any            `json:"finish_reason"`
}

func (b *ChunkBuilder) frame(delta map[string]any, finish any) []byte {
	out, _ := json.Marshal(chunkFrame{
		ID:      b.ID,
		Object:  "chat.completion.chunk",
		Created: b.Created,
		Model:   b.Model,
		Choices: []chunkChoice{{Delta: delta, FinishReason: finish}},
	})
	return out
}

// Role emits the opening frame carrying the assistant role.
func (b *ChunkBuilder) Role() []byte {
	return b.frame(map[string]any{"role": "assistant", "content": ""}, nil)
}

// Text emits a content delta.
func (b *ChunkBuilder) Text(text string) []byte {
	return b.frame(map[string]any{"content": text}, nil)
}

// Reasoning emits a reasoning_content delta.
func (b *ChunkBuilder) Reasoning(text string) []byte {
	return b.frame(map[string]any{"reasoning_content": text}, nil)
}

// ToolCallStart opens tool call slot index, announcing its id and function
// name with empty arguments.
func (b *ChunkBuilder) ToolCallStart(index int, id, name string) []byte {
	return b.frame(map[string]any{"tool_calls": []map[string]any{{
		"index":    index,
		"id":       id,
		"type":     "function",
		"function": map[string]any{"name": name, "arguments": ""},
	}}}, nil)
}

// ToolCallArgs appends an argument fragment to tool call slot index.
func (b *ChunkBuilder) ToolCallArgs(index int, fragment string) []byte {
	return b.frame(map[string]any{"tool_calls": []map[string]any{{
		"index":    index,
		"function": map[string]any{"arguments": fragment},
	}}}, nil)
}

// Finish emits the closing frame with finish_reason set and an empty delta.
func (b *ChunkBuilder) Finish(reason string) []byte {
	return b.frame(map[string]any{}, reason)
}

// UsageFrame emits a frame with no choices and the usage totals, mirroring
// what stream_options.include_usage produces upstream.
func (b *ChunkBuilder) UsageFrame(u *gateway.Usage) []byte {
	out, _ := json.Marshal(chunkFrame{
		ID:      b.ID,
		Object:  "chat.completion.chunk",
		Created: b.Created,
		Model:   b.Model,
		Choices: []chunkChoice{},
		Usage:   u,
	})
	return out
}
