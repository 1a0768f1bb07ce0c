package compat

import (
	"bytes"

	"github.com/tidwall/gjson"

	gateway "github.com/durinhq/durin/internal"
)

// finishQuirkModels lists ZAI models that, when answering a tool-result
// turn, re-issue the tool call they were just given the result for instead
// of using it, claiming finish_reason "tool_calls" again. Left alone this
// loops the client forever.
var finishQuirkModels = map[string]bool{
	"glm-4.5-airx":  true,
	"glm-4.5-flash": true,
}

// needsFinishQuirk reports whether the response needs re-issued tool calls
// suppressed: an affected model whose final input turn is a tool result.
func needsFinishQuirk(model string, req *gateway.ChatRequest) bool {
	if !finishQuirkModels[model] {
		return false
	}
	n := len(req.Messages)
	return n > 0 && req.Messages[n-1].Role == "tool"
}

// applyFinishQuirk drops the duplicated calls from a re-issued tool-call
// round and downgrades the finish to "stop", so the turn reads as a final
// answer.
func applyFinishQuirk(resp *gateway.ChatResponse) {
	for i, choice := range resp.Choices {
		if choice.FinishReason != "tool_calls" {
			continue
		}
		calls, _ := gateway.ParseToolCalls(choice.Message.ToolCalls)
		if len(calls) > 0 {
			resp.Choices[i].FinishReason = "stop"
			resp.Choices[i].Message.ToolCalls = nil
		}
	}
}

// rewriteFinishStream is the streaming side of applyFinishQuirk: frames
// carrying re-issued tool-call deltas are withheld, and once any were seen
// the "tool_calls" finish frame is downgraded to "stop".
func rewriteFinishStream(in <-chan gateway.StreamChunk, out chan<- gateway.StreamChunk) {
	defer close(out)
	sawCalls := false
	for chunk := range in {
		hasCalls := len(chunk.Data) > 0 && gjson.GetBytes(chunk.Data, "choices.0.delta.tool_calls").Exists()
		if hasCalls {
			sawCalls = true
		}
		if chunk.FinishReason == "tool_calls" && sawCalls {
			chunk.Data = rewriteFinishReason(chunk.Data)
			chunk.FinishReason = "stop"
		}
		if hasCalls && chunk.FinishReason == "" && chunk.Usage == nil {
			continue
		}
		out <- chunk
	}
}

// rewriteFinishReason splices "stop" over the finish_reason value in a raw
// chunk payload, preserving every other byte.
func rewriteFinishReason(data []byte) []byte {
	res := gjson.GetBytes(data, "choices.0.finish_reason")
	if res.Index > 0 {
		buf := make([]byte, 0, len(data))
		buf = append(buf, data[:res.Index]...)
		buf = append(buf, `"stop"`...)
		buf = append(buf, data[res.Index+len(res.Raw):]...)
		return buf
	}
	return bytes.Replace(data, []byte(`"finish_reason":"tool_calls"`), []byte(`"finish_reason":"stop"`), 1)
}
