package sqlite

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
)

// logColumns is the column list shared by InsertLogs and scanLog. Order matters.
const logColumns = `id, request_id, org_id, project_id, api_key_id, duration,
	requested_model, requested_provider, used_model, used_provider, used_mapping,
	response_size, content, finish_reason, unified_finish_reason,
	prompt_tokens, completion_tokens, total_tokens, reasoning_tokens, cached_tokens,
	messages, temperature, max_tokens, top_p, frequency_penalty, presence_penalty,
	has_error, error_details, streamed, canceled, cached, mode, used_mode,
	input_cost, output_cost, request_cost, cost, estimated_cost,
	time_to_first_token, time_to_first_reasoning_token, custom_headers, source,
	created_at, processed_at`

const logColumnCount = 44

// InsertLogs batch-inserts request logs.
// Single multi-row INSERT avoids N round-trips for large batches.
func (s *Store) InsertLogs(ctx context.Context, records []gateway.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", logColumnCount), ", ") + ")"
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*logColumnCount)

	for i, r := range records {
		placeholders[i] = row
		var content sql.NullString
		if r.Content != nil {
			content = sql.NullString{String: *r.Content, Valid: true}
		}
		args = append(args,
			r.ID, r.RequestID, r.OrgID, r.ProjectID, r.APIKeyID, r.Duration,
			r.RequestedModel, nullStr(r.RequestedProvider), r.UsedModel, r.UsedProvider, nullStr(r.UsedMapping),
			r.ResponseSize, content, nullStr(r.FinishReason), r.UnifiedFinishReason,
			nullI64(r.PromptTokens), nullI64(r.CompletionTokens), nullI64(r.TotalTokens),
			nullI64(r.ReasoningTokens), nullI64(r.CachedTokens),
			nullRaw(r.Messages), nullF64(r.Temperature), nullInt(r.MaxTokens), nullF64(r.TopP),
			nullF64(r.FrequencyPenalty), nullF64(r.PresencePenalty),
			boolToInt(r.HasError), nullRaw(r.ErrorDetails),
			boolToInt(r.Streamed), boolToInt(r.Canceled), boolToInt(r.Cached),
			r.Mode, nullStr(r.UsedMode),
			nullDec(r.InputCost), nullDec(r.OutputCost), nullDec(r.RequestCost), nullDec(r.Cost),
			boolToInt(r.EstimatedCost),
			nullI64(r.TimeToFirstToken), nullI64(r.TimeToFirstReasoningToken),
			nullRaw(r.CustomHeaders), nullStr(r.Source),
			timeToStr(r.CreatedAt), nullTime(r.ProcessedAt),
		)
	}

	query := "INSERT INTO logs (" + logColumns + ") VALUES " + strings.Join(placeholders, ", ")
	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryLogs returns one page of logs matching the filter, newest first.
// The cursor is the opaque position of the last row of the previous page.
func (s *Store) QueryLogs(ctx context.Context, f gateway.LogFilter, cursor string, limit int) (*gateway.LogPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	clauses, args := logWhere(f)
	if cursor != "" {
		createdAt, id, err := decodeLogCursor(cursor)
		if err != nil {
			return nil, fmt.Errorf("cursor: %w", gateway.ErrBadRequest)
		}
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, createdAt, createdAt, id)
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	// Fetch one extra row to learn whether another page exists.
	query := "SELECT " + logColumns + " FROM logs" + where +
		" ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []gateway.LogRecord
	for rows.Next() {
		r, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &gateway.LogPage{Limit: limit}
	if len(logs) > limit {
		logs = logs[:limit]
		page.HasMore = true
		last := logs[len(logs)-1]
		c := encodeLogCursor(last.CreatedAt, last.ID)
		page.NextCursor = &c
	}
	page.Logs = logs
	return page, nil
}

// Activity aggregates logs per day for the last `days` days of an
// organization, optionally narrowed to one project. Costs are summed in SQL
// for display; billing arithmetic never reads this path.
func (s *Store) Activity(ctx context.Context, orgID, projectID string, days int) ([]gateway.ActivityDay, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)

	query := `SELECT date(created_at) AS day,
		COUNT(*),
		SUM(COALESCE(prompt_tokens, 0)),
		SUM(COALESCE(completion_tokens, 0)),
		SUM(COALESCE(total_tokens, 0)),
		SUM(COALESCE(CAST(cost AS REAL), 0)),
		SUM(cached),
		SUM(has_error)
		FROM logs WHERE org_id = ? AND created_at >= ?`
	args := []any{orgID, since}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` GROUP BY day ORDER BY day ASC`

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.ActivityDay
	for rows.Next() {
		var d gateway.ActivityDay
		var cost float64
		if err := rows.Scan(&d.Date, &d.RequestCount, &d.PromptTokens, &d.CompletionTokens,
			&d.TotalTokens, &cost, &d.CacheCount, &d.ErrorCount); err != nil {
			return nil, err
		}
		d.Cost = decimal.NewFromFloat(cost)
		out = append(out, d)
	}
	return out, rows.Err()
}

func logWhere(f gateway.LogFilter) ([]string, []any) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id = ?")
		args = append(args, f.OrgID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if !f.StartDate.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, timeToStr(f.StartDate))
	}
	if !f.EndDate.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, timeToStr(f.EndDate))
	}
	if f.UnifiedFinishReason != "" {
		clauses = append(clauses, "unified_finish_reason = ?")
		args = append(args, f.UnifiedFinishReason)
	}
	if f.Provider != "" {
		clauses = append(clauses, "used_provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		clauses = append(clauses, "used_model = ?")
		args = append(args, f.Model)
	}
	if f.CustomHeaderKey != "" {
		if f.CustomHeaderValue != "" {
			clauses = append(clauses, "json_extract(custom_headers, '$.' || ?) = ?")
			args = append(args, f.CustomHeaderKey, f.CustomHeaderValue)
		} else {
			clauses = append(clauses, "json_extract(custom_headers, '$.' || ?) IS NOT NULL")
			args = append(args, f.CustomHeaderKey)
		}
	}
	return clauses, args
}

func encodeLogCursor(createdAt time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(timeToStr(createdAt) + "|" + id))
}

func decodeLogCursor(cursor string) (createdAt, id string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	createdAt, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return createdAt, id, nil
}

func scanLog(s scanner) (*gateway.LogRecord, error) {
	var r gateway.LogRecord
	var requestedProvider, usedMapping, content, finishReason sql.NullString
	var promptTokens, completionTokens, totalTokens, reasoningTokens, cachedTokens sql.NullInt64
	var messages, errorDetails, customHeaders sql.NullString
	var temperature, topP, frequencyPenalty, presencePenalty sql.NullFloat64
	var maxTokens sql.NullInt64
	var hasError, streamed, canceled, cached, estimatedCost int
	var usedMode, source sql.NullString
	var inputCost, outputCost, requestCost, cost decimal.NullDecimal
	var ttft, ttfrt sql.NullInt64
	var createdAt string
	var processedAt sql.NullString

	err := s.Scan(
		&r.ID, &r.RequestID, &r.OrgID, &r.ProjectID, &r.APIKeyID, &r.Duration,
		&r.RequestedModel, &requestedProvider, &r.UsedModel, &r.UsedProvider, &usedMapping,
		&r.ResponseSize, &content, &finishReason, &r.UnifiedFinishReason,
		&promptTokens, &completionTokens, &totalTokens, &reasoningTokens, &cachedTokens,
		&messages, &temperature, &maxTokens, &topP, &frequencyPenalty, &presencePenalty,
		&hasError, &errorDetails, &streamed, &canceled, &cached, &r.Mode, &usedMode,
		&inputCost, &outputCost, &requestCost, &cost, &estimatedCost,
		&ttft, &ttfrt, &customHeaders, &source,
		&createdAt, &processedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.RequestedProvider = requestedProvider.String
	r.UsedMapping = usedMapping.String
	if content.Valid {
		r.Content = &content.String
	}
	r.FinishReason = finishReason.String
	r.PromptTokens = ptrI64(promptTokens)
	r.CompletionTokens = ptrI64(completionTokens)
	r.TotalTokens = ptrI64(totalTokens)
	r.ReasoningTokens = ptrI64(reasoningTokens)
	r.CachedTokens = ptrI64(cachedTokens)
	r.Messages = rawFromNull(messages)
	r.Temperature = ptrF64(temperature)
	r.MaxTokens = ptrInt(maxTokens)
	r.TopP = ptrF64(topP)
	r.FrequencyPenalty = ptrF64(frequencyPenalty)
	r.PresencePenalty = ptrF64(presencePenalty)
	r.HasError = hasError != 0
	r.ErrorDetails = rawFromNull(errorDetails)
	r.Streamed = streamed != 0
	r.Canceled = canceled != 0
	r.Cached = cached != 0
	r.UsedMode = usedMode.String
	r.InputCost = ptrDec(inputCost)
	r.OutputCost = ptrDec(outputCost)
	r.RequestCost = ptrDec(requestCost)
	r.Cost = ptrDec(cost)
	r.EstimatedCost = estimatedCost != 0
	r.TimeToFirstToken = ptrI64(ttft)
	r.TimeToFirstReasoningToken = ptrI64(ttfrt)
	r.CustomHeaders = rawFromNull(customHeaders)
	r.Source = source.String
	r.CreatedAt = parseTime(createdAt)
	r.ProcessedAt = parseNullTime(processedAt)
	return &r, nil
}
