package sseutil

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/provider"
)

// ReadChatStream reads an OpenAI-format SSE body and forwards each data
// payload as a StreamChunk, annotated with the markers downstream code needs:
// usage totals, finish_reason, and the first-content / first-reasoning flags.
// The [DONE] sentinel becomes a Done chunk. The channel is closed on return.
func ReadChatStream(ctx context.Context, providerName string, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	r := NewReader(resp.Body)
	for {
		ev, err := r.Next()
		if err != nil {
			if err != io.EOF {
				send(ctx, ch, gateway.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", providerName, err)})
			}
			return
		}
		if ev.Data == "" {
			continue
		}
		if ev.Data == "[DONE]" {
			send(ctx, ch, gateway.StreamChunk{Done: true})
			return
		}
		if !send(ctx, ch, AnnotateChunk([]byte(ev.Data))) {
			return
		}
	}
}

// send forwards one chunk unless the context dies first. A canceled caller
// may have stopped receiving entirely; blocking here would pin the
// goroutine and the upstream body forever.
func send(ctx context.Context, ch chan<- gateway.StreamChunk, chunk gateway.StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// AnnotateChunk wraps a raw OpenAI chunk payload in a StreamChunk with
// usage, finish_reason, and delta markers extracted. The payload itself is
// forwarded untouched.
func AnnotateChunk(data []byte) gateway.StreamChunk {
	chunk := gateway.StreamChunk{Data: data}

	if u := gjson.GetBytes(data, "usage"); u.IsObject() {
		chunk.Usage = provider.ParseUsage([]byte(u.Raw))
	}
	if fr := gjson.GetBytes(data, "choices.0.finish_reason"); fr.Type == gjson.String {
		chunk.FinishReason = fr.Str
	}
	if c := gjson.GetBytes(data, "choices.0.delta.content"); c.Type == gjson.String && c.Str != "" {
		chunk.HasContent = true
	}
	if rc := gjson.GetBytes(data, "choices.0.delta.reasoning_content"); rc.Type == gjson.String && rc.Str != "" {
		chunk.HasReasoning = true
	}
	return chunk
}
