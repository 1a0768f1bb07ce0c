package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/catalog"
)

const (
	// Ticks land just after the minute boundary so the closed minute is
	// fully visible.
	minuteTickSlack = 50 * time.Millisecond

	rollupEvery  = 5
	rollupWindow = 5 * time.Minute

	// A newest bucket older than this triggers a gap backfill on start.
	backfillStaleAfter = 2 * time.Minute
	// Upper bound on backfill iterations; one day of minutes.
	backfillMaxSteps = 1440
)

// StatsStore is the persistence surface consumed by StatsWorker.
type StatsStore interface {
	AggregateMinute(ctx context.Context, minute time.Time) (mappings, models []gateway.UsageMinute, err error)
	UpsertMinutes(ctx context.Context, mappings, models []gateway.UsageMinute) error
	LatestMinute(ctx context.Context) (time.Time, error)
	RollupWindow(ctx context.Context, from time.Time) ([]gateway.StatsRollup, error)
	SaveRollups(ctx context.Context, rollups []gateway.StatsRollup) error
}

// MappingSource lists the catalog mappings that receive a minute bucket even
// with zero traffic.
type MappingSource interface {
	ActiveMappings(now time.Time) []catalog.ModelMapping
}

// StatsWorker maintains per-minute usage history and the denormalized
// five-minute rollups for models, providers and mappings.
type StatsWorker struct {
	store    StatsStore
	catalog  MappingSource
	backfill time.Duration

	ticks int
}

// NewStatsWorker creates a StatsWorker. backfill bounds how far the start-up
// backfill reaches when no history exists; zero uses five minutes.
func NewStatsWorker(store StatsStore, registry MappingSource, backfill time.Duration) *StatsWorker {
	if backfill <= 0 {
		backfill = 5 * time.Minute
	}
	return &StatsWorker{store: store, catalog: registry, backfill: backfill}
}

// Name returns the worker identifier.
func (w *StatsWorker) Name() string { return "stats" }

// Run backfills missing history, then buckets each minute as it closes.
func (w *StatsWorker) Run(ctx context.Context) error {
	w.backfillGap(ctx)
	w.rollup(ctx)

	for {
		timer := time.NewTimer(time.Until(nextMinuteTick(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case now := <-timer.C:
			minute := now.UTC().Truncate(time.Minute).Add(-time.Minute)
			w.processMinute(ctx, minute)
			w.ticks++
			if w.ticks%rollupEvery == 0 {
				w.rollup(ctx)
			}
		}
	}
}

// nextMinuteTick returns the wall time of the next bucket tick, slightly
// after the minute boundary.
func nextMinuteTick(now time.Time) time.Time {
	return now.Truncate(time.Minute).Add(time.Minute + minuteTickSlack)
}

// processMinute buckets the minute starting at m. Every active catalog
// mapping gets a row; mappings without traffic record zeros so a gap reads
// as "no usage" rather than "no data".
func (w *StatsWorker) processMinute(ctx context.Context, m time.Time) {
	mappings, models, err := w.store.AggregateMinute(ctx, m)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "minute aggregate failed",
			slog.Time("minute", m),
			slog.String("error", err.Error()),
		)
		return
	}

	mappings, models = w.zeroFill(m, mappings, models)
	if len(mappings) == 0 && len(models) == 0 {
		return
	}

	if err := w.store.UpsertMinutes(ctx, mappings, models); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "minute upsert failed",
			slog.Time("minute", m),
			slog.String("error", err.Error()),
		)
	}
}

func (w *StatsWorker) zeroFill(m time.Time, mappings, models []gateway.UsageMinute) ([]gateway.UsageMinute, []gateway.UsageMinute) {
	if w.catalog == nil {
		return mappings, models
	}

	seenMapping := make(map[string]bool, len(mappings))
	for _, b := range mappings {
		seenMapping[gateway.MappingKey(b.ProviderID, b.ModelID)] = true
	}
	seenModel := make(map[string]bool, len(models))
	for _, b := range models {
		seenModel[b.ModelID] = true
	}

	for _, mm := range w.catalog.ActiveMappings(m) {
		key := gateway.MappingKey(mm.Mapping.ProviderID, mm.Model.ID)
		if !seenMapping[key] {
			seenMapping[key] = true
			mappings = append(mappings, gateway.UsageMinute{
				ModelID:    mm.Model.ID,
				ProviderID: mm.Mapping.ProviderID,
				Minute:     m,
			})
		}
		if !seenModel[mm.Model.ID] {
			seenModel[mm.Model.ID] = true
			models = append(models, gateway.UsageMinute{
				ModelID: mm.Model.ID,
				Minute:  m,
			})
		}
	}
	return mappings, models
}

func (w *StatsWorker) rollup(ctx context.Context) {
	from := time.Now().UTC().Add(-rollupWindow)
	rollups, err := w.store.RollupWindow(ctx, from)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "stats rollup query failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(rollups) == 0 {
		return
	}
	if err := w.store.SaveRollups(ctx, rollups); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "stats rollup save failed",
			slog.String("error", err.Error()),
		)
		return
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "stats rollup saved",
		slog.Int("rows", len(rollups)),
	)
}

// backfillGap fills missing minute history on start. With no history at all
// it reaches back the configured backfill duration; with stale history it
// resumes from the minute after the newest bucket. The step bound keeps a
// wedged or badly skewed clock from spinning the loop forever.
func (w *StatsWorker) backfillGap(ctx context.Context) {
	now := time.Now().UTC().Truncate(time.Minute)

	latest, err := w.store.LatestMinute(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "latest minute probe failed",
			slog.String("error", err.Error()),
		)
		return
	}

	var from time.Time
	switch {
	case latest.IsZero():
		from = now.Add(-w.backfill).Truncate(time.Minute)
	case now.Sub(latest) > backfillStaleAfter:
		from = latest.UTC().Truncate(time.Minute).Add(time.Minute)
	default:
		return
	}

	steps := int(now.Sub(from) / time.Minute)
	if steps > backfillMaxSteps {
		steps = backfillMaxSteps
		from = now.Add(-time.Duration(steps) * time.Minute)
	}
	if steps <= 0 {
		return
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "backfilling usage minutes",
		slog.Time("from", from),
		slog.Int("minutes", steps),
	)

	for i, minute := 0, from; minute.Before(now) && i < steps; i, minute = i+1, minute.Add(time.Minute) {
		if ctx.Err() != nil {
			return
		}
		w.processMinute(ctx, minute)
	}
}
