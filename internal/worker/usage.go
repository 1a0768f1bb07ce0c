package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"
	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/telemetry"
)

const (
	drainInterval  = time.Second
	drainBatchSize = 200

	creditLockName = "credit_processing"
	topUpLockName  = "auto_topup_check"
	lockTTL        = 5 * time.Minute

	// Credit ticks between auto top-up probes. At the default 5s settle
	// interval the probe runs every ten minutes.
	topUpEvery    = 120
	topUpLookback = time.Hour

	retentionCacheLen = 10_000
	retentionCacheTTL = time.Minute
)

// RecordQueue is the log queue surface the worker drains. Handlers push,
// this worker pops.
type RecordQueue interface {
	Push(ctx context.Context, rec *gateway.LogRecord) error
	PopBatch(ctx context.Context, n int) ([]gateway.LogRecord, error)
	Len(ctx context.Context) (int64, error)
}

// UsageStore is the persistence surface consumed by UsageWorker.
type UsageStore interface {
	InsertLogs(ctx context.Context, records []gateway.LogRecord) error
	GetOrg(ctx context.Context, id string) (*gateway.Organization, error)
	SettleBatch(ctx context.Context, batchSize int) (int, error)
	OrgsBelowTopUpThreshold(ctx context.Context, lookback time.Duration) ([]*gateway.Organization, error)
	CreateTransaction(ctx context.Context, tx *gateway.Transaction) error
	UpdateTransactionStatus(ctx context.Context, id, status string) error
	AddCredits(ctx context.Context, orgID string, amount decimal.Decimal) error
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// UsageConfig wires a UsageWorker.
type UsageConfig struct {
	Queue    RecordQueue
	Store    UsageStore
	Payments gateway.PaymentProvider // nil disables auto top-ups
	Metrics  *telemetry.Metrics      // nil = no metrics

	BatchSize      int           // settle batch size, default 100
	CreditInterval time.Duration // settle cadence, default 5s
}

// UsageWorker drains the log queue into the store, settles unprocessed log
// costs onto API keys and organization balances, and probes for auto
// top-ups. Settlement and top-ups run behind advisory locks so only one
// replica executes them at a time.
type UsageWorker struct {
	queue    RecordQueue
	store    UsageStore
	payments gateway.PaymentProvider
	metrics  *telemetry.Metrics

	batchSize      int
	creditInterval time.Duration
	creditTicks    int

	retention *otter.Cache[string, string]
}

// NewUsageWorker creates a UsageWorker.
func NewUsageWorker(cfg UsageConfig) *UsageWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CreditInterval <= 0 {
		cfg.CreditInterval = 5 * time.Second
	}
	return &UsageWorker{
		queue:          cfg.Queue,
		store:          cfg.Store,
		payments:       cfg.Payments,
		metrics:        cfg.Metrics,
		batchSize:      cfg.BatchSize,
		creditInterval: cfg.CreditInterval,
		retention: otter.Must(&otter.Options[string, string]{
			MaximumSize:      retentionCacheLen,
			ExpiryCalculator: otter.ExpiryWriting[string, string](retentionCacheTTL),
		}),
	}
}

// Name returns the worker identifier.
func (w *UsageWorker) Name() string { return "usage" }

// Run performs the three duties until ctx is cancelled. Records still queued
// at shutdown survive in Redis and are drained on the next boot.
func (w *UsageWorker) Run(ctx context.Context) error {
	drain := time.NewTicker(drainInterval)
	defer drain.Stop()
	credit := time.NewTicker(w.creditInterval)
	defer credit.Stop()

	for {
		select {
		case <-drain.C:
			w.drainQueue(ctx)

		case <-credit.C:
			w.settleCredits(ctx)
			w.creditTicks++
			if w.creditTicks%topUpEvery == 0 {
				w.checkTopUps(ctx)
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *UsageWorker) drainQueue(ctx context.Context) {
	recs, err := w.queue.PopBatch(ctx, drainBatchSize)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "log queue pop failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(recs) == 0 {
		w.gaugeDepth(ctx)
		return
	}

	w.scrub(ctx, recs)

	if err := w.store.InsertLogs(ctx, recs); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "log insert failed",
			slog.Int("count", len(recs)),
			slog.String("error", err.Error()),
		)
		w.requeue(ctx, recs)
		return
	}
	if w.metrics != nil {
		w.metrics.LogsInserted.Add(float64(len(recs)))
	}
	w.gaugeDepth(ctx)
}

// requeue puts records that failed to insert back on the queue so a store
// outage does not lose them. They re-enter at the tail.
func (w *UsageWorker) requeue(ctx context.Context, recs []gateway.LogRecord) {
	for i := range recs {
		if err := w.queue.Push(ctx, &recs[i]); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "log requeue failed",
				slog.String("log_id", recs[i].ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (w *UsageWorker) gaugeDepth(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	n, err := w.queue.Len(ctx)
	if err != nil {
		return
	}
	w.metrics.LogQueueDepth.Set(float64(n))
}

// scrub clears message and content payloads for organizations that opted out
// of retention. Tokens, costs and statuses are kept.
func (w *UsageWorker) scrub(ctx context.Context, recs []gateway.LogRecord) {
	for i := range recs {
		if w.retentionLevel(ctx, recs[i].OrgID) == gateway.RetentionNone {
			recs[i].Messages = nil
			recs[i].Content = nil
		}
	}
}

func (w *UsageWorker) retentionLevel(ctx context.Context, orgID string) string {
	if orgID == "" {
		return gateway.RetentionRetain
	}
	if level, ok := w.retention.GetIfPresent(orgID); ok {
		return level
	}
	org, err := w.store.GetOrg(ctx, orgID)
	if err != nil {
		// Lookup failures keep the payload; the level is re-checked on
		// the next batch.
		return gateway.RetentionRetain
	}
	w.retention.Set(orgID, org.RetentionLevel)
	return org.RetentionLevel
}

func (w *UsageWorker) settleCredits(ctx context.Context) {
	held, err := w.store.AcquireLock(ctx, creditLockName, lockTTL)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "credit lock acquire failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if !held {
		return
	}
	defer w.releaseLock(ctx, creditLockName)

	settled, err := w.store.SettleBatch(ctx, w.batchSize)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "credit settle failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if settled == 0 {
		return
	}
	if w.metrics != nil {
		w.metrics.BillingBatches.Inc()
		w.metrics.BillingSettled.Add(float64(settled))
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "credits settled",
		slog.Int("rows", settled),
	)
}

// releaseLock uses a non-cancellable context; a lock held past shutdown
// would block other replicas until the staleness steal.
func (w *UsageWorker) releaseLock(ctx context.Context, name string) {
	if err := w.store.ReleaseLock(context.WithoutCancel(ctx), name); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "lock release failed",
			slog.String("lock", name),
			slog.String("error", err.Error()),
		)
	}
}

func (w *UsageWorker) checkTopUps(ctx context.Context) {
	if w.payments == nil {
		return
	}
	held, err := w.store.AcquireLock(ctx, topUpLockName, lockTTL)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "top-up lock acquire failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if !held {
		return
	}
	defer w.releaseLock(ctx, topUpLockName)

	orgs, err := w.store.OrgsBelowTopUpThreshold(ctx, topUpLookback)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "top-up candidate query failed",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, org := range orgs {
		w.topUp(ctx, org)
	}
}

// topUp charges one organization. The pending transaction is written before
// the charge so a crash mid-charge blocks retries for the lookback window
// instead of charging twice.
func (w *UsageWorker) topUp(ctx context.Context, org *gateway.Organization) {
	if org.AutoTopUpAmount == nil || !org.AutoTopUpAmount.IsPositive() {
		return
	}
	amount := *org.AutoTopUpAmount

	tx := &gateway.Transaction{
		ID:        uuid.Must(uuid.NewV7()).String(),
		OrgID:     org.ID,
		Type:      gateway.TxTopUp,
		Status:    gateway.TxPending,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.store.CreateTransaction(ctx, tx); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "top-up transaction create failed",
			slog.String("org_id", org.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	paymentID, err := w.payments.Charge(ctx, org.ID, amount)
	if err != nil {
		w.countTopUp(gateway.TxFailed)
		w.finishTransaction(ctx, tx.ID, gateway.TxFailed)
		slog.LogAttrs(ctx, slog.LevelError, "top-up charge failed",
			slog.String("org_id", org.ID),
			slog.String("amount", amount.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	w.finishTransaction(ctx, tx.ID, gateway.TxCompleted)
	if err := w.store.AddCredits(ctx, org.ID, amount); err != nil {
		// The charge went through but the balance was not updated.
		// Reconciliation needs the payment id.
		slog.LogAttrs(ctx, slog.LevelError, "top-up credit grant failed",
			slog.String("org_id", org.ID),
			slog.String("payment_id", paymentID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.countTopUp(gateway.TxCompleted)
	slog.LogAttrs(ctx, slog.LevelInfo, "auto top-up completed",
		slog.String("org_id", org.ID),
		slog.String("amount", amount.String()),
		slog.String("payment_id", paymentID),
	)
}

func (w *UsageWorker) finishTransaction(ctx context.Context, id, status string) {
	if err := w.store.UpdateTransactionStatus(ctx, id, status); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "transaction status update failed",
			slog.String("transaction_id", id),
			slog.String("status", status),
			slog.String("error", err.Error()),
		)
	}
}

func (w *UsageWorker) countTopUp(status string) {
	if w.metrics != nil {
		w.metrics.TopUpsTotal.WithLabelValues(status).Inc()
	}
}
