// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
)

// OrgStore manages organizations and their projects.
type OrgStore interface {
	CreateOrg(ctx context.Context, org *gateway.Organization) error
	GetOrg(ctx context.Context, id string) (*gateway.Organization, error)
	ListOrgs(ctx context.Context, offset, limit int) ([]*gateway.Organization, error)
	UpdateOrg(ctx context.Context, org *gateway.Organization) error
	CreateProject(ctx context.Context, p *gateway.Project) error
	GetProject(ctx context.Context, id string) (*gateway.Project, error)
	ListProjects(ctx context.Context, orgID string) ([]*gateway.Project, error)
	UpdateProject(ctx context.Context, p *gateway.Project) error
}

// APIKeyStore manages API keys and their IAM rules.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	// GetAuthByHash resolves a token hash to the key joined with its
	// project and organization in a single read.
	GetAuthByHash(ctx context.Context, hash string) (*gateway.AuthRecord, error)
	ListKeys(ctx context.Context, projectID string) ([]*gateway.APIKey, error)
	UpdateKey(ctx context.Context, key *gateway.APIKey) error
	UpdateKeyLimit(ctx context.Context, id string, limit *decimal.Decimal) error
	// DeleteKey marks the key deleted; rows are retained for log joins.
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
	CreateIamRule(ctx context.Context, rule *gateway.IamRule) error
	GetIamRule(ctx context.Context, apiKeyID, ruleID string) (*gateway.IamRule, error)
	ListIamRules(ctx context.Context, apiKeyID string) ([]gateway.IamRule, error)
	UpdateIamRule(ctx context.Context, rule *gateway.IamRule) error
	DeleteIamRule(ctx context.Context, apiKeyID, ruleID string) error
}

// LogStore persists request logs and serves their query surface.
type LogStore interface {
	InsertLogs(ctx context.Context, records []gateway.LogRecord) error
	QueryLogs(ctx context.Context, f gateway.LogFilter, cursor string, limit int) (*gateway.LogPage, error)
	Activity(ctx context.Context, orgID, projectID string, days int) ([]gateway.ActivityDay, error)
}

// BillingStore runs the credit settlement pass and auto top-up bookkeeping.
type BillingStore interface {
	// SettleBatch selects up to batchSize unprocessed logs in creation
	// order, aggregates their costs onto API keys and organizations, and
	// stamps ProcessedAt, all in one transaction. It reports how many
	// rows were settled.
	SettleBatch(ctx context.Context, batchSize int) (int, error)
	// OrgsBelowTopUpThreshold lists organizations with auto top-up
	// enabled whose balance fell below their threshold and that have no
	// pending or failed top-up within the lookback window.
	OrgsBelowTopUpThreshold(ctx context.Context, lookback time.Duration) ([]*gateway.Organization, error)
	CreateTransaction(ctx context.Context, tx *gateway.Transaction) error
	UpdateTransactionStatus(ctx context.Context, id, status string) error
	AddCredits(ctx context.Context, orgID string, amount decimal.Decimal) error
}

// StatsStore maintains minute buckets and denormalized rollups.
type StatsStore interface {
	// AggregateMinute computes per-mapping and per-model buckets for the
	// minute starting at minute from the logs table.
	AggregateMinute(ctx context.Context, minute time.Time) (mappings, models []gateway.UsageMinute, err error)
	// UpsertMinutes writes buckets keyed by (entity, minute); replays
	// overwrite rather than double-count.
	UpsertMinutes(ctx context.Context, mappings, models []gateway.UsageMinute) error
	// LatestMinute returns the most recent bucketed minute, or zero time
	// when no history exists.
	LatestMinute(ctx context.Context) (time.Time, error)
	// RollupWindow aggregates minute history inside [from, now] per
	// mapping, model, and provider.
	RollupWindow(ctx context.Context, from time.Time) ([]gateway.StatsRollup, error)
	SaveRollups(ctx context.Context, rollups []gateway.StatsRollup) error
}

// LockStore provides cross-replica advisory locks for the background
// workers. Stale holders are stolen after a grace period.
type LockStore interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// ProviderKeyStore manages upstream provider credentials.
type ProviderKeyStore interface {
	gateway.CredentialStore
	// FindProviderKey resolves the credential row for an org/provider
	// pair with the same org-then-gateway fallback as ProviderToken. The
	// returned OrgID tells the router who pays: the org's own key or the
	// gateway-owned key (empty org id).
	FindProviderKey(ctx context.Context, orgID, providerID string) (*gateway.ProviderKey, error)
	UpsertProviderKey(ctx context.Context, pk *gateway.ProviderKey) error
	ListProviderKeys(ctx context.Context, orgID string) ([]*gateway.ProviderKey, error)
	DeleteProviderKey(ctx context.Context, id string) error
}

// Store combines all storage interfaces.
type Store interface {
	OrgStore
	APIKeyStore
	LogStore
	BillingStore
	StatsStore
	LockStore
	ProviderKeyStore
	Ping(ctx context.Context) error
	Close() error
}
