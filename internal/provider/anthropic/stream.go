package anthropic

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/provider/sseutil"
)

// streamState converts Messages API stream events into OpenAI chunk frames.
// The Messages API indexes content blocks while OpenAI indexes tool call
// slots, so tool_use block indexes map onto a dense slot sequence.
type streamState struct {
	b          *sseutil.ChunkBuilder
	toolSlot   map[int]int
	usage      gateway.Usage
	stopReason string
}

func newStreamState() *streamState {
	return &streamState{
		b:        sseutil.NewChunkBuilder("", ""),
		toolSlot: make(map[int]int),
	}
}

// readStream reads Messages API SSE events and emits OpenAI-format chunks.
// Both the direct API and Vertex frame their events as SSE.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	state := newStreamState()
	r := sseutil.NewReader(body)
	for {
		ev, err := r.Next()
		if err != nil {
			if err != io.EOF {
				ch <- gateway.StreamChunk{Err: fmt.Errorf("anthropic: read stream: %w", err)}
			}
			return
		}
		if ev.Data == "" {
			continue
		}
		for _, c := range state.handleEvent(ev.Name, ev.Data) {
			last := c.Done || c.Err != nil
			select {
			case ch <- c:
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: ctx.Err()}
				return
			}
			if last {
				return
			}
		}
	}
}

// handleEvent converts one Messages API event into zero or more chunks.
// Ping, content_block_stop, and unknown events carry nothing downstream.
func (s *streamState) handleEvent(event, data string) []gateway.StreamChunk {
	switch event {
	case "message_start":
		return s.onMessageStart(data)
	case "content_block_start":
		return s.onBlockStart(data)
	case "content_block_delta":
		return s.onBlockDelta(data)
	case "message_delta":
		return s.onMessageDelta(data)
	case "message_stop":
		return s.onMessageStop()
	case "error":
		r := gjson.Parse(data)
		return []gateway.StreamChunk{{Err: fmt.Errorf("anthropic: stream error: %s: %s",
			r.Get("error.type").String(), r.Get("error.message").String())}}
	}
	return nil
}

func (s *streamState) onMessageStart(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	s.b.ID = r.Get("message.id").String()
	if model := r.Get("message.model").String(); model != "" {
		s.b.Model = model
	}
	s.usage.PromptTokens = int(r.Get("message.usage.input_tokens").Int())
	s.usage.CachedTokens = int(r.Get("message.usage.cache_read_input_tokens").Int())
	return []gateway.StreamChunk{{Data: s.b.Role()}}
}

func (s *streamState) onBlockStart(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	if r.Get("content_block.type").String() != "tool_use" {
		return nil
	}
	idx := int(r.Get("index").Int())
	slot := len(s.toolSlot)
	s.toolSlot[idx] = slot
	frame := s.b.ToolCallStart(slot,
		r.Get("content_block.id").String(),
		r.Get("content_block.name").String())
	return []gateway.StreamChunk{{Data: frame}}
}

func (s *streamState) onBlockDelta(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	switch r.Get("delta.type").String() {
	case "text_delta":
		text := r.Get("delta.text").String()
		if text == "" {
			return nil
		}
		return []gateway.StreamChunk{{Data: s.b.Text(text), HasContent: true}}
	case "thinking_delta":
		text := r.Get("delta.thinking").String()
		if text == "" {
			return nil
		}
		return []gateway.StreamChunk{{Data: s.b.Reasoning(text), HasReasoning: true}}
	case "input_json_delta":
		slot, ok := s.toolSlot[int(r.Get("index").Int())]
		if !ok {
			return nil
		}
		return []gateway.StreamChunk{{Data: s.b.ToolCallArgs(slot, r.Get("delta.partial_json").String())}}
	}
	return nil
}

// onMessageDelta accumulates the final output token count and stop reason.
// Nothing is emitted until message_stop.
func (s *streamState) onMessageDelta(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	if v := r.Get("usage.output_tokens"); v.Exists() {
		s.usage.CompletionTokens = int(v.Int())
	}
	if v := r.Get("delta.stop_reason"); v.Exists() {
		s.stopReason = v.String()
	}
	return nil
}

func (s *streamState) onMessageStop() []gateway.StreamChunk {
	reason := mapStopReason(s.stopReason)
	if reason == "" {
		reason = "stop"
	}
	s.usage.TotalTokens = s.usage.PromptTokens + s.usage.CompletionTokens
	u := s.usage
	return []gateway.StreamChunk{
		{Data: s.b.Finish(reason), FinishReason: reason},
		{Data: s.b.UsageFrame(&u), Usage: &u},
		{Done: true},
	}
}
