package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/app"
	"github.com/durinhq/durin/internal/provider"
)

// maxChatBody bounds request bodies. Vision requests carry base64 data URLs,
// so the limit is generous.
const maxChatBody = 10 << 20

// responseCacheTTL is how long a cacheable completion stays servable.
const responseCacheTTL = time.Minute

// streamKeepAlive is the SSE comment interval that keeps idle proxies from
// closing slow streams.
const streamKeepAlive = 15 * time.Second

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ident := gateway.IdentityFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)
	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(http.StatusBadRequest,
			"invalid request body", map[string]string{"body": err.Error()}))
		return
	}
	lg := newRequestLog(r, ident, &req, start)

	if details := validateChatRequest(&req); len(details) > 0 {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(http.StatusBadRequest,
			"invalid request", details))
		lg.fail(http.StatusBadRequest, "invalid request")
		s.enqueueLog(r.Context(), lg)
		return
	}

	dec, err := s.deps.Router.Resolve(r.Context(), ident, req.Model)
	if err != nil {
		s.failRequest(w, r, lg, err)
		return
	}
	lg.setDecision(dec)

	if dec.Model.Free && s.deps.FreeQuota != nil {
		res, qerr := s.deps.FreeQuota.Allow(r.Context(), ident.OrgID, dec.Model.ID, ident.Credits)
		switch {
		case qerr != nil:
			slog.LogAttrs(r.Context(), slog.LevelWarn, "free model quota check failed open",
				slog.String("org_id", ident.OrgID),
				slog.String("error", qerr.Error()),
			)
		case !res.Allowed:
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejects.WithLabelValues("free_model").Inc()
			}
			writeRateLimited(w, res)
			lg.fail(http.StatusTooManyRequests, "free model rate limit exceeded")
			s.enqueueLog(r.Context(), lg)
			return
		}
	}

	var ckey string
	cacheable := s.deps.Cache != nil && isCacheable(&req)
	if cacheable {
		ckey = cacheKey(ident.KeyID, &req)
		if body, ok := s.deps.Cache.Get(r.Context(), ckey); ok {
			if s.deps.Metrics != nil {
				s.deps.Metrics.CacheHits.Inc()
			}
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusOK)
			w.Write(body) //nolint:errcheck
			lg.cached(int64(len(body)))
			s.enqueueLog(r.Context(), lg)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.Inc()
		}
	}

	if req.Stream {
		s.streamCompletion(w, r, lg, dec, &req)
		return
	}

	upstreamStart := time.Now()
	resp, err := s.deps.Dispatcher.ChatCompletion(r.Context(), dec, &req)
	s.observeUpstream(dec, upstreamStart, err)
	if err != nil {
		s.failRequest(w, r, lg, err)
		return
	}

	usage := s.ensureUsage(dec, &req, resp)

	body, err := json.Marshal(resp)
	if err != nil {
		s.failRequest(w, r, lg, fmt.Errorf("encode response: %w", gateway.ErrGateway))
		return
	}
	if cacheable {
		s.deps.Cache.Set(r.Context(), ckey, body, responseCacheTTL)
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(body) //nolint:errcheck

	var finish string
	if len(resp.Choices) > 0 {
		finish = resp.Choices[0].FinishReason
		lg.setContent(gateway.ContentText(resp.Choices[0].Message.Content))
	}
	lg.succeed(usage, finish, int64(len(body)))
	s.recordTokens(dec, usage)
	s.enqueueLog(r.Context(), lg)
}

// streamCompletion relays translated SSE frames. Once headers are committed
// any upstream failure surfaces as a terminal frame with
// finish_reason "gateway_error" followed by [DONE].
func (s *server) streamCompletion(w http.ResponseWriter, r *http.Request, lg *requestLog, dec *app.RouteDecision, req *gateway.ChatRequest) {
	upstreamStart := time.Now()
	ch, err := s.deps.Dispatcher.ChatCompletionStream(r.Context(), dec, req)
	if err != nil {
		s.observeUpstream(dec, upstreamStart, err)
		s.failRequest(w, r, lg, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	var (
		usage         *gateway.Usage
		finish        string
		size          int64
		contentDeltas int
	)
	for {
		select {
		case chunk, open := <-ch:
			if !open {
				writeSSEDone(w)
				flusher.Flush()
				s.finishStream(r, lg, dec, req, usage, finish, size, contentDeltas, upstreamStart)
				return
			}
			if chunk.Err != nil {
				s.observeUpstream(dec, upstreamStart, chunk.Err)
				writeSSEData(w, errorFrame(lg.rec.ID, req.Model))
				writeSSEDone(w)
				flusher.Flush()
				slog.LogAttrs(r.Context(), slog.LevelWarn, "stream failed mid-flight",
					slog.String("provider", dec.ProviderID),
					slog.String("error", chunk.Err.Error()),
				)
				lg.fail(errorStatus(chunk.Err), chunk.Err.Error())
				s.enqueueLog(r.Context(), lg)
				return
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			if chunk.HasContent {
				contentDeltas++
				lg.markFirstToken()
			}
			if chunk.HasReasoning {
				lg.markFirstReasoning()
			}
			if chunk.Done {
				writeSSEDone(w)
				flusher.Flush()
				s.finishStream(r, lg, dec, req, usage, finish, size, contentDeltas, upstreamStart)
				return
			}
			if len(chunk.Data) > 0 {
				writeSSEData(w, chunk.Data)
				flusher.Flush()
				size += int64(len(chunk.Data))
			}

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			// The forwarding goroutines may hold more buffered frames
			// than they can ever deliver; drain until they close so
			// the upstream body gets released and the breaker settles.
			go func() {
				for range ch {
				}
			}()
			lg.cancel()
			s.enqueueLog(r.Context(), lg)
			return
		}
	}
}

// finishStream settles metrics and the log row for a stream that ran to
// completion. Providers that omit streamed usage get estimated counts; one
// content delta approximates one token.
func (s *server) finishStream(r *http.Request, lg *requestLog, dec *app.RouteDecision, req *gateway.ChatRequest, usage *gateway.Usage, finish string, size int64, contentDeltas int, upstreamStart time.Time) {
	s.observeUpstream(dec, upstreamStart, nil)
	if usage == nil && s.deps.TokenCounter != nil {
		usage = &gateway.Usage{
			PromptTokens:     s.deps.TokenCounter.EstimateRequest(dec.Model.ID, req.Messages),
			CompletionTokens: contentDeltas,
			Estimated:        true,
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	lg.succeed(usage, finish, size)
	s.recordTokens(dec, usage)
	s.enqueueLog(r.Context(), lg)
}

// failRequest writes the error response and logs the failed request.
func (s *server) failRequest(w http.ResponseWriter, r *http.Request, lg *requestLog, err error) {
	writeError(w, r, err)
	lg.fail(errorStatus(err), err.Error())
	s.enqueueLog(r.Context(), lg)
}

// ensureUsage backfills estimated token counts when the provider returned
// none, so billing and stats always have something to work with.
func (s *server) ensureUsage(dec *app.RouteDecision, req *gateway.ChatRequest, resp *gateway.ChatResponse) *gateway.Usage {
	if resp.Usage != nil {
		return resp.Usage
	}
	if s.deps.TokenCounter == nil {
		return nil
	}
	u := &gateway.Usage{
		PromptTokens: s.deps.TokenCounter.EstimateRequest(dec.Model.ID, req.Messages),
		Estimated:    true,
	}
	for i := range resp.Choices {
		u.CompletionTokens += s.deps.TokenCounter.CountText(dec.Model.ID, gateway.ContentText(resp.Choices[i].Message.Content))
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	resp.Usage = u
	return u
}

func (s *server) observeUpstream(dec *app.RouteDecision, start time.Time, err error) {
	m := s.deps.Metrics
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(dec.ProviderID, dec.Model.ID).Observe(time.Since(start).Seconds())
	if err != nil {
		status := "error"
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) {
			status = strconv.Itoa(apiErr.StatusCode)
		}
		m.UpstreamErrors.WithLabelValues(dec.ProviderID, status).Inc()
	}
}

func (s *server) recordTokens(dec *app.RouteDecision, usage *gateway.Usage) {
	if s.deps.Metrics == nil || usage == nil {
		return
	}
	s.deps.Metrics.TokensProcessed.WithLabelValues(dec.Model.ID, "prompt").Add(float64(usage.PromptTokens))
	s.deps.Metrics.TokensProcessed.WithLabelValues(dec.Model.ID, "completion").Add(float64(usage.CompletionTokens))
}

// validateChatRequest checks the decoded body and returns per-field details
// for anything wrong, or nil when the request is acceptable.
func validateChatRequest(req *gateway.ChatRequest) map[string]string {
	details := map[string]string{}
	if req.Model == "" {
		details["model"] = "model is required"
	}
	if len(req.Messages) == 0 {
		details["messages"] = "at least one message is required"
	}
	for i := range req.Messages {
		if !gateway.KnownRole(req.Messages[i].Role) {
			details[fmt.Sprintf("messages[%d].role", i)] = fmt.Sprintf("unknown role %q", req.Messages[i].Role)
		}
		if _, err := gateway.ParseToolCalls(req.Messages[i].ToolCalls); err != nil {
			details[fmt.Sprintf("messages[%d].tool_calls", i)] = "malformed tool calls"
		}
	}
	if req.N < 0 {
		details["n"] = "must not be negative"
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		details["max_tokens"] = "must be positive"
	}
	if req.MaxCompletionTokens != nil && *req.MaxCompletionTokens <= 0 {
		details["max_completion_tokens"] = "must be positive"
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		details["temperature"] = "must be between 0 and 2"
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		details["top_p"] = "must be between 0 and 1"
	}
	if req.ReasoningEffort != "" && !gateway.ValidEffort(req.ReasoningEffort) {
		details["reasoning_effort"] = fmt.Sprintf("unknown effort %q", req.ReasoningEffort)
	}
	if _, err := gateway.ParseTools(req.Tools); err != nil {
		details["tools"] = "malformed tools"
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

type errorChunkChoice struct {
	Index        int      `json:"index"`
	Delta        struct{} `json:"delta"`
	FinishReason string   `json:"finish_reason"`
}

// errorFrame is the terminal chunk sent when the upstream dies after the
// stream has been committed.
func errorFrame(id, model string) []byte {
	chunk := struct {
		ID      string             `json:"id"`
		Object  string             `json:"object"`
		Created int64              `json:"created"`
		Model   string             `json:"model"`
		Choices []errorChunkChoice `json:"choices"`
	}{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []errorChunkChoice{{FinishReason: gateway.FinishGatewayError}},
	}
	data, _ := json.Marshal(chunk) //nolint:errcheck
	return data
}
