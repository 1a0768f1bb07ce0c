package google

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/provider/sseutil"
)

// readStream reads generateContent SSE frames and emits OpenAI-format
// chunks. Gemini streams have no terminal sentinel; the body just ends, so
// the finish, usage, and done chunks are emitted at EOF. Usage metadata is
// cumulative and the last frame wins.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	state := newStreamState(c, model)
	r := sseutil.NewReader(body)
	for {
		ev, err := r.Next()
		if err != nil {
			if err != io.EOF {
				ch <- gateway.StreamChunk{Err: fmt.Errorf("google: read stream: %w", err)}
				return
			}
			break
		}
		if ev.Data == "" {
			continue
		}
		for _, chunk := range state.handleFrame(ev.Data) {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: ctx.Err()}
				return
			}
		}
	}

	for _, chunk := range state.finish() {
		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
	}
}

// streamState converts GenerateContentResponse frames into OpenAI chunks.
// Text written so far is retained so the completion side of usage can be
// estimated when the stream never reports candidatesTokenCount.
type streamState struct {
	c     *Client
	model string
	b     *sseutil.ChunkBuilder

	started       bool
	toolSlot      int
	sawTools      bool
	finishReason  string
	text          strings.Builder
	usage         *gateway.Usage
	sawCompletion bool
}

func newStreamState(c *Client, model string) *streamState {
	return &streamState{
		c:     c,
		model: model,
		b:     sseutil.NewChunkBuilder("gemini-"+model, model),
	}
}

// handleFrame converts one SSE frame. Unparsable frames are skipped; a
// malformed frame must never kill an otherwise working stream.
func (s *streamState) handleFrame(data string) []gateway.StreamChunk {
	r := gjson.Parse(data)
	if !r.IsObject() {
		return nil
	}

	var out []gateway.StreamChunk
	if !s.started {
		if id := r.Get("responseId").String(); id != "" {
			s.b.ID = id
		}
		out = append(out, gateway.StreamChunk{Data: s.b.Role()})
		s.started = true
	}

	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() && t.String() != "" {
			if part.Get("thought").Bool() {
				out = append(out, gateway.StreamChunk{Data: s.b.Reasoning(t.String()), HasReasoning: true})
			} else {
				s.text.WriteString(t.String())
				out = append(out, gateway.StreamChunk{Data: s.b.Text(t.String()), HasContent: true})
			}
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			name := fc.Get("name").String()
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			slot := s.toolSlot
			s.toolSlot++
			s.sawTools = true
			// Gemini sends whole calls, not argument fragments, so each
			// call becomes a start frame plus one argument frame.
			out = append(out,
				gateway.StreamChunk{Data: s.b.ToolCallStart(slot, fmt.Sprintf("%s_0_%d", name, slot), name)},
				gateway.StreamChunk{Data: s.b.ToolCallArgs(slot, args)},
			)
		}
		return true
	})

	if fr := r.Get("candidates.0.finishReason").String(); fr != "" {
		s.finishReason = fr
	}
	if u := r.Get("usageMetadata"); u.Exists() {
		usage := &gateway.Usage{
			PromptTokens:    int(u.Get("promptTokenCount").Int()),
			ReasoningTokens: int(u.Get("thoughtsTokenCount").Int()),
			CachedTokens:    int(u.Get("cachedContentTokenCount").Int()),
		}
		if v := u.Get("candidatesTokenCount"); v.Exists() {
			usage.CompletionTokens = int(v.Int())
			s.sawCompletion = true
		}
		s.usage = usage
	}
	return out
}

// finish emits the trailing finish, usage, and done chunks once the body
// has ended.
func (s *streamState) finish() []gateway.StreamChunk {
	var out []gateway.StreamChunk
	if !s.started {
		out = append(out, gateway.StreamChunk{Data: s.b.Role()})
	}

	reason := mapFinishReason(s.finishReason)
	if s.sawTools {
		reason = "tool_calls"
	}
	if reason == "" {
		reason = "stop"
	}
	out = append(out, gateway.StreamChunk{Data: s.b.Finish(reason), FinishReason: reason})

	if s.usage == nil {
		s.usage = &gateway.Usage{}
	}
	if !s.sawCompletion && s.text.Len() > 0 {
		s.usage.CompletionTokens = s.c.tokens.CountText(s.model, s.text.String())
		s.usage.Estimated = true
	}
	s.usage.TotalTokens = s.usage.PromptTokens + s.usage.CompletionTokens + s.usage.ReasoningTokens
	out = append(out,
		gateway.StreamChunk{Data: s.b.UsageFrame(s.usage), Usage: s.usage},
		gateway.StreamChunk{Done: true},
	)
	return out
}
