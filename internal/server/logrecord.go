package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/app"
	"github.com/durinhq/durin/internal/catalog"
)

// Headers prefixed with customHeaderPrefix are copied onto the log row, so
// callers can tag requests with their own correlation values and filter on
// them later. The Source header names the calling surface.
const (
	customHeaderPrefix = "x-durin-"
	sourceHeader       = "x-durin-source"
	defaultSource      = "api"
)

// logEnqueueTimeout bounds the queue push that runs after the response has
// already been written.
const logEnqueueTimeout = 2 * time.Second

// requestLog accumulates one LogRecord across a completion request's
// lifecycle: built at decode time, stamped with the route decision, then
// finalized exactly once as succeeded, cached, failed or canceled.
type requestLog struct {
	rec        gateway.LogRecord
	start      time.Time
	mapping    catalog.Mapping
	free       bool
	routed     bool
	imageCount int
}

func newRequestLog(r *http.Request, ident *gateway.Identity, req *gateway.ChatRequest, start time.Time) *requestLog {
	lg := &requestLog{
		start: start,
		rec: gateway.LogRecord{
			ID:               uuid.Must(uuid.NewV7()).String(),
			RequestID:        gateway.RequestIDFromContext(r.Context()),
			RequestedModel:   req.Model,
			Streamed:         req.Stream,
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			FrequencyPenalty: req.FrequencyPenalty,
			PresencePenalty:  req.PresencePenalty,
			MaxTokens:        req.MaxTokens,
			Source:           defaultSource,
			CreatedAt:        start.UTC(),
		},
	}
	if ident != nil {
		lg.rec.OrgID = ident.OrgID
		lg.rec.ProjectID = ident.ProjectID
		lg.rec.APIKeyID = ident.KeyID
		lg.rec.Mode = ident.Mode
	}
	if req.MaxTokens == nil {
		lg.rec.MaxTokens = req.MaxCompletionTokens
	}
	if data, err := json.Marshal(req.Messages); err == nil {
		lg.rec.Messages = data
	}
	lg.imageCount = countImageParts(req.Messages)
	lg.captureHeaders(r)
	return lg
}

// captureHeaders records the source and any caller-tagged headers.
func (l *requestLog) captureHeaders(r *http.Request) {
	custom := map[string]string{}
	for name, vals := range r.Header {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, customHeaderPrefix) || len(vals) == 0 {
			continue
		}
		if lower == sourceHeader {
			l.rec.Source = vals[0]
			continue
		}
		custom[strings.TrimPrefix(lower, customHeaderPrefix)] = vals[0]
	}
	if len(custom) > 0 {
		if data, err := json.Marshal(custom); err == nil {
			l.rec.CustomHeaders = data
		}
	}
}

// setDecision stamps the resolved route onto the record. For pinned requests
// the provider prefix of the requested model is kept separately so logs show
// what the caller asked for versus what ran.
func (l *requestLog) setDecision(dec *app.RouteDecision) {
	l.rec.UsedModel = dec.MappingKey()
	l.rec.UsedProvider = dec.ProviderID
	l.rec.UsedMapping = dec.Mapping.ModelName
	l.rec.UsedMode = dec.UsedMode
	if dec.Pinned {
		if i := strings.IndexByte(l.rec.RequestedModel, '/'); i > 0 {
			l.rec.RequestedProvider = l.rec.RequestedModel[:i]
		}
	}
	l.mapping = dec.Mapping
	l.free = dec.Model.Free
	l.routed = true
}

func (l *requestLog) setContent(text string) {
	l.rec.Content = &text
}

// markFirstToken records time to first content token once.
func (l *requestLog) markFirstToken() {
	if l.rec.TimeToFirstToken == nil {
		ms := time.Since(l.start).Milliseconds()
		l.rec.TimeToFirstToken = &ms
	}
}

// markFirstReasoning records time to first reasoning token once.
func (l *requestLog) markFirstReasoning() {
	if l.rec.TimeToFirstReasoningToken == nil {
		ms := time.Since(l.start).Milliseconds()
		l.rec.TimeToFirstReasoningToken = &ms
	}
}

// succeed finalizes the record for a completed upstream call. finish is the
// provider-raw finish reason; usage may be nil when neither the provider nor
// the tokenizer produced counts.
func (l *requestLog) succeed(usage *gateway.Usage, finish string, size int64) {
	l.rec.Duration = time.Since(l.start).Milliseconds()
	l.rec.ResponseSize = size
	l.rec.FinishReason = finish
	l.rec.UnifiedFinishReason = gateway.UnifyFinishReason(finish)
	if usage == nil {
		return
	}
	l.rec.PromptTokens = int64ptr(usage.PromptTokens)
	l.rec.CompletionTokens = int64ptr(usage.CompletionTokens)
	l.rec.TotalTokens = int64ptr(usage.TotalTokens)
	if usage.ReasoningTokens > 0 {
		l.rec.ReasoningTokens = int64ptr(usage.ReasoningTokens)
	}
	if usage.CachedTokens > 0 {
		l.rec.CachedTokens = int64ptr(usage.CachedTokens)
	}
	l.rec.EstimatedCost = usage.Estimated
	in, out, req, total := computeCosts(l.mapping, l.free, usage, l.imageCount)
	l.rec.InputCost = in
	l.rec.OutputCost = out
	l.rec.RequestCost = req
	l.rec.Cost = total
}

// cached finalizes the record for a response served from the gateway cache.
// Cached responses carry no cost and count as completed.
func (l *requestLog) cached(size int64) {
	l.rec.Duration = time.Since(l.start).Milliseconds()
	l.rec.ResponseSize = size
	l.rec.Cached = true
	l.rec.UnifiedFinishReason = gateway.FinishCompleted
	zero := decimal.Zero
	l.rec.InputCost = &zero
	l.rec.OutputCost = &zero
	l.rec.RequestCost = &zero
	l.rec.Cost = &zero
}

// fail finalizes the record for a request that produced an error response.
func (l *requestLog) fail(status int, msg string) {
	l.rec.Duration = time.Since(l.start).Milliseconds()
	l.rec.HasError = true
	l.rec.UnifiedFinishReason = unifiedFromStatus(status)
	if status == StatusClientClosedRequest {
		l.rec.Canceled = true
	}
	details, err := json.Marshal(map[string]any{"status": status, "message": msg})
	if err == nil {
		l.rec.ErrorDetails = details
	}
}

// cancel finalizes the record for a client that went away mid-stream.
func (l *requestLog) cancel() {
	l.rec.Duration = time.Since(l.start).Milliseconds()
	l.rec.Canceled = true
	l.rec.UnifiedFinishReason = gateway.FinishCanceled
}

func unifiedFromStatus(status int) string {
	switch {
	case status == StatusClientClosedRequest:
		return gateway.FinishCanceled
	case status == http.StatusBadGateway:
		return gateway.FinishUpstreamError
	case status >= 400 && status < 500:
		return gateway.FinishClientError
	default:
		return gateway.FinishGatewayError
	}
}

// computeCosts prices one call against its mapping. Free models cost zero.
// A paid mapping without prices yields nil costs so the row is visibly
// unpriced rather than silently free. Image inputs are folded into the
// input cost. A non-zero Discount scales every component.
func computeCosts(m catalog.Mapping, free bool, usage *gateway.Usage, imageCount int) (in, out, req, total *decimal.Decimal) {
	if usage == nil {
		return nil, nil, nil, nil
	}
	if free {
		zero := decimal.Zero
		return &zero, &zero, &zero, &zero
	}
	if m.InputPrice == nil || m.OutputPrice == nil {
		return nil, nil, nil, nil
	}
	input := decimal.NewFromInt(int64(usage.PromptTokens)).Mul(*m.InputPrice)
	if m.ImageInputPrice != nil && imageCount > 0 {
		input = input.Add(m.ImageInputPrice.Mul(decimal.NewFromInt(int64(imageCount))))
	}
	output := decimal.NewFromInt(int64(usage.CompletionTokens + usage.ReasoningTokens)).Mul(*m.OutputPrice)
	request := decimal.Zero
	if m.RequestPrice != nil {
		request = *m.RequestPrice
	}
	if !m.Discount.IsZero() {
		input = input.Mul(m.Discount)
		output = output.Mul(m.Discount)
		request = request.Mul(m.Discount)
	}
	sum := input.Add(output).Add(request)
	return &input, &output, &request, &sum
}

func countImageParts(msgs []gateway.Message) int {
	n := 0
	for i := range msgs {
		parts, err := gateway.ContentParts(msgs[i].Content)
		if err != nil {
			continue
		}
		for _, p := range parts {
			if p.Type == "image_url" {
				n++
			}
		}
	}
	return n
}

func int64ptr(v int) *int64 {
	p := int64(v)
	return &p
}

// enqueueLog pushes the finished record onto the usage queue. The push runs
// detached from the request context; a full or unreachable queue loses the
// row but never blocks or fails the response.
func (s *server) enqueueLog(ctx context.Context, lg *requestLog) {
	if s.deps.Logs == nil {
		return
	}
	rec := lg.rec
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logEnqueueTimeout)
		defer cancel()
		if err := s.deps.Logs.Push(ctx, &rec); err != nil {
			if s.deps.Metrics != nil {
				s.deps.Metrics.LogQueueDrops.Inc()
			}
			slog.LogAttrs(ctx, slog.LevelWarn, "log enqueue failed",
				slog.String("log_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}
