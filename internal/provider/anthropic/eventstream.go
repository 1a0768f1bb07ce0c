package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	gateway "github.com/durinhq/durin/internal"
)

// readBedrockStream reads AWS binary event stream frames from a Bedrock
// invoke-with-response-stream body and emits OpenAI-format chunks. Each
// frame's payload is {"bytes":"<base64>"} where the decoded bytes are a
// standard Messages API event JSON, so frames feed the same state machine
// as the SSE transports.
func readBedrockStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	state := newStreamState()
	decoder := eventstream.NewDecoder()

	for {
		msg, err := decoder.Decode(body, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			ch <- gateway.StreamChunk{Err: fmt.Errorf("anthropic: decode event stream: %w", err)}
			return
		}

		switch headerValue(msg.Headers, ":message-type") {
		case "exception":
			// Exception names and payloads are upstream-controlled, so both
			// are truncated before they reach an error message.
			errType := headerValue(msg.Headers, ":exception-type")
			if len(errType) > 64 {
				errType = errType[:64]
			}
			payload := msg.Payload
			if len(payload) > 512 {
				payload = payload[:512]
			}
			ch <- gateway.StreamChunk{Err: fmt.Errorf("anthropic: bedrock exception: %s: %s", errType, payload)}
			return
		case "event":
		default:
			continue
		}

		decoded, err := unwrapEventPayload(msg.Payload)
		if err != nil {
			ch <- gateway.StreamChunk{Err: fmt.Errorf("anthropic: unwrap event: %w", err)}
			return
		}

		eventType := gjson.GetBytes(decoded, "type").String()
		if eventType == "" {
			continue
		}

		for _, c := range state.handleEvent(eventType, string(decoded)) {
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

// headerValue extracts a string header from event stream headers.
func headerValue(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}
	if sv, ok := v.(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}

// unwrapEventPayload base64-decodes the "bytes" field of a Bedrock event
// frame payload.
func unwrapEventPayload(payload []byte) ([]byte, error) {
	b64 := gjson.GetBytes(payload, "bytes").String()
	if b64 == "" {
		return nil, fmt.Errorf("missing bytes field in payload")
	}
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return decoded, nil
}
