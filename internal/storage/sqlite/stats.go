package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	gateway "github.com/durinhq/durin/internal"
)

// AggregateMinute computes per-mapping and per-model usage buckets for the
// minute starting at minute. Token sums exclude cached responses; logs_count
// and cached_count include them, so cache hit rates stay visible.
func (s *Store) AggregateMinute(ctx context.Context, minute time.Time) (mappings, models []gateway.UsageMinute, err error) {
	from := timeToStr(minute)
	to := timeToStr(minute.Add(time.Minute))

	const sums = `COUNT(*),
		SUM(cached),
		SUM(has_error),
		SUM(CASE WHEN cached = 0 THEN COALESCE(prompt_tokens, 0) ELSE 0 END),
		SUM(CASE WHEN cached = 0 THEN COALESCE(completion_tokens, 0) ELSE 0 END),
		SUM(CASE WHEN cached = 0 THEN COALESCE(total_tokens, 0) ELSE 0 END),
		COALESCE(AVG(duration), 0),
		COALESCE(AVG(time_to_first_token), 0)`

	rows, err := s.read.QueryContext(ctx,
		`SELECT used_model, used_provider, `+sums+`
		 FROM logs WHERE created_at >= ? AND created_at < ?
		 GROUP BY used_model, used_provider`, from, to,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var usedModel string
		m := gateway.UsageMinute{Minute: minute}
		if err := rows.Scan(&usedModel, &m.ProviderID, &m.LogsCount, &m.CachedCount, &m.ErrorsCount,
			&m.PromptTokens, &m.CompletionTokens, &m.TotalTokens, &m.AvgDuration, &m.AvgTimeToFirst); err != nil {
			return nil, nil, err
		}
		m.ModelID = modelPart(usedModel)
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	// The model grouping strips the provider prefix so the same model served
	// through different providers lands in one bucket.
	modelRows, err := s.read.QueryContext(ctx,
		`SELECT substr(used_model, instr(used_model, '/') + 1), `+sums+`
		 FROM logs WHERE created_at >= ? AND created_at < ?
		 GROUP BY substr(used_model, instr(used_model, '/') + 1)`, from, to,
	)
	if err != nil {
		return nil, nil, err
	}
	defer modelRows.Close()

	for modelRows.Next() {
		m := gateway.UsageMinute{Minute: minute}
		if err := modelRows.Scan(&m.ModelID, &m.LogsCount, &m.CachedCount, &m.ErrorsCount,
			&m.PromptTokens, &m.CompletionTokens, &m.TotalTokens, &m.AvgDuration, &m.AvgTimeToFirst); err != nil {
			return nil, nil, err
		}
		models = append(models, m)
	}
	return mappings, models, modelRows.Err()
}

// UpsertMinutes writes minute buckets. Buckets are keyed by entity and
// minute; a replayed minute overwrites instead of double counting.
func (s *Store) UpsertMinutes(ctx context.Context, mappings, models []gateway.UsageMinute) error {
	if len(mappings) == 0 && len(models) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	const set = `logs_count = excluded.logs_count,
		cached_count = excluded.cached_count,
		errors_count = excluded.errors_count,
		prompt_tokens = excluded.prompt_tokens,
		completion_tokens = excluded.completion_tokens,
		total_tokens = excluded.total_tokens,
		avg_duration = excluded.avg_duration,
		avg_time_to_first_token = excluded.avg_time_to_first_token`

	mappingStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO mapping_usage (mapping, minute, logs_count, cached_count, errors_count,
		 prompt_tokens, completion_tokens, total_tokens, avg_duration, avg_time_to_first_token)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(mapping, minute) DO UPDATE SET `+set)
	if err != nil {
		return err
	}
	defer mappingStmt.Close()

	for _, m := range mappings {
		if _, err := mappingStmt.ExecContext(ctx,
			gateway.MappingKey(m.ProviderID, m.ModelID), timeToStr(m.Minute),
			m.LogsCount, m.CachedCount, m.ErrorsCount,
			m.PromptTokens, m.CompletionTokens, m.TotalTokens,
			m.AvgDuration, m.AvgTimeToFirst); err != nil {
			return err
		}
	}

	modelStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO model_usage (model, minute, logs_count, cached_count, errors_count,
		 prompt_tokens, completion_tokens, total_tokens, avg_duration, avg_time_to_first_token)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model, minute) DO UPDATE SET `+set)
	if err != nil {
		return err
	}
	defer modelStmt.Close()

	for _, m := range models {
		if _, err := modelStmt.ExecContext(ctx,
			m.ModelID, timeToStr(m.Minute),
			m.LogsCount, m.CachedCount, m.ErrorsCount,
			m.PromptTokens, m.CompletionTokens, m.TotalTokens,
			m.AvgDuration, m.AvgTimeToFirst); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LatestMinute returns the most recent bucketed minute. Zero-activity fills
// guarantee every processed minute has mapping rows, so mapping_usage alone
// answers the question.
func (s *Store) LatestMinute(ctx context.Context) (time.Time, error) {
	var latest sql.NullString
	err := s.read.QueryRowContext(ctx,
		`SELECT MAX(minute) FROM mapping_usage`).Scan(&latest)
	if err != nil {
		return time.Time{}, err
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return parseTime(latest.String), nil
}

// RollupWindow aggregates minute buckets from `from` onward into rollups per
// mapping, model, and provider. Latency averages skip zero-activity fills so
// idle minutes do not dilute them.
func (s *Store) RollupWindow(ctx context.Context, from time.Time) ([]gateway.StatsRollup, error) {
	since := timeToStr(from)

	const sums = `SUM(logs_count), SUM(errors_count),
		SUM(prompt_tokens), SUM(completion_tokens),
		COALESCE(AVG(CASE WHEN logs_count > 0 THEN avg_duration END), 0),
		COALESCE(AVG(CASE WHEN logs_count > 0 THEN avg_time_to_first_token END), 0)`

	var out []gateway.StatsRollup

	collect := func(kind, query string) error {
		rows, err := s.read.QueryContext(ctx, query, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r := gateway.StatsRollup{Kind: kind}
			if err := rows.Scan(&r.EntityID, &r.Requests, &r.Errors,
				&r.PromptTokens, &r.OutputTokens, &r.AvgDuration, &r.AvgTimeToFirst); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	}

	if err := collect(gateway.RollupMapping,
		`SELECT mapping, `+sums+` FROM mapping_usage WHERE minute >= ? GROUP BY mapping`); err != nil {
		return nil, err
	}
	if err := collect(gateway.RollupModel,
		`SELECT model, `+sums+` FROM model_usage WHERE minute >= ? GROUP BY model`); err != nil {
		return nil, err
	}
	if err := collect(gateway.RollupProvider,
		`SELECT substr(mapping, 1, instr(mapping, '/') - 1), `+sums+`
		 FROM mapping_usage WHERE minute >= ?
		 GROUP BY substr(mapping, 1, instr(mapping, '/') - 1)`); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveRollups writes denormalized stats rows, routed by kind.
func (s *Store) SaveRollups(ctx context.Context, rollups []gateway.StatsRollup) error {
	if len(rollups) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	tables := map[string]struct{ table, key string }{
		gateway.RollupMapping:  {"mapping_stats", "mapping"},
		gateway.RollupModel:    {"model_stats", "model"},
		gateway.RollupProvider: {"provider_stats", "provider"},
	}

	for _, r := range rollups {
		t, ok := tables[r.Kind]
		if !ok {
			continue
		}
		query := `INSERT INTO ` + t.table + ` (` + t.key + `, requests, errors, prompt_tokens,
			output_tokens, avg_duration, avg_time_to_first_token, stats_updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(` + t.key + `) DO UPDATE SET
			requests = excluded.requests,
			errors = excluded.errors,
			prompt_tokens = excluded.prompt_tokens,
			output_tokens = excluded.output_tokens,
			avg_duration = excluded.avg_duration,
			avg_time_to_first_token = excluded.avg_time_to_first_token,
			stats_updated_at = excluded.stats_updated_at`
		if _, err := tx.ExecContext(ctx, query,
			r.EntityID, r.Requests, r.Errors, r.PromptTokens, r.OutputTokens,
			r.AvgDuration, r.AvgTimeToFirst, timeToStr(r.UpdatedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// modelPart strips the provider prefix from a "provider/model" pair.
func modelPart(usedModel string) string {
	if i := strings.IndexByte(usedModel, '/'); i >= 0 {
		return usedModel[i+1:]
	}
	return usedModel
}
