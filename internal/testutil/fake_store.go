package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
)

// FakeStore is an in-memory storage.Store. The CRUD surface behaves like the
// real store; the aggregate queries the workers run delegate to optional hook
// functions so tests can script them.
type FakeStore struct {
	mu           sync.RWMutex
	orgs         map[string]*gateway.Organization
	projects     map[string]*gateway.Project
	keys         map[string]*gateway.APIKey
	rules        map[string][]gateway.IamRule
	providerKeys map[string]*gateway.ProviderKey
	logs         []gateway.LogRecord
	locks        map[string]time.Time
	transactions []*gateway.Transaction
	minutes      []gateway.UsageMinute
	rollups      []gateway.StatsRollup
	touched      []string

	// Err, when set, is returned by every method.
	Err error

	SettleBatchFn     func(ctx context.Context, batchSize int) (int, error)
	AggregateMinuteFn func(ctx context.Context, minute time.Time) ([]gateway.UsageMinute, []gateway.UsageMinute, error)
	RollupWindowFn    func(ctx context.Context, from time.Time) ([]gateway.StatsRollup, error)
	TopUpOrgsFn       func(ctx context.Context, lookback time.Duration) ([]*gateway.Organization, error)
	LatestMinuteFn    func(ctx context.Context) (time.Time, error)
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		orgs:         make(map[string]*gateway.Organization),
		projects:     make(map[string]*gateway.Project),
		keys:         make(map[string]*gateway.APIKey),
		rules:        make(map[string][]gateway.IamRule),
		providerKeys: make(map[string]*gateway.ProviderKey),
		locks:        make(map[string]time.Time),
	}
}

// --- OrgStore ---

func (s *FakeStore) CreateOrg(_ context.Context, org *gateway.Organization) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *FakeStore) GetOrg(_ context.Context, id string) (*gateway.Organization, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *FakeStore) ListOrgs(_ context.Context, offset, limit int) ([]*gateway.Organization, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Organization
	for _, org := range s.orgs {
		cp := *org
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *FakeStore) UpdateOrg(_ context.Context, org *gateway.Organization) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *FakeStore) CreateProject(_ context.Context, p *gateway.Project) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *FakeStore) GetProject(_ context.Context, id string) (*gateway.Project, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *FakeStore) ListProjects(_ context.Context, orgID string) ([]*gateway.Project, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Project
	for _, p := range s.projects {
		if p.OrgID == orgID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateProject(_ context.Context, p *gateway.Project) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

// --- APIKeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, key *gateway.APIKey) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *FakeStore) GetKey(_ context.Context, id string) (*gateway.APIKey, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (s *FakeStore) GetAuthByHash(_ context.Context, hash string) (*gateway.AuthRecord, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.keys {
		if key.KeyHash != hash || key.Status == gateway.StatusDeleted {
			continue
		}
		rec := gateway.AuthRecord{Key: *key}
		if p, ok := s.projects[key.ProjectID]; ok {
			rec.Project = *p
			if org, ok := s.orgs[p.OrgID]; ok {
				rec.Org = *org
			}
		}
		return &rec, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListKeys(_ context.Context, projectID string) ([]*gateway.APIKey, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.APIKey
	for _, key := range s.keys {
		if key.ProjectID == projectID && key.Status != gateway.StatusDeleted {
			cp := *key
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) UpdateKey(_ context.Context, key *gateway.APIKey) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *FakeStore) UpdateKeyLimit(_ context.Context, id string, limit *decimal.Decimal) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	key.UsageLimit = limit
	return nil
}

func (s *FakeStore) DeleteKey(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	key.Status = gateway.StatusDeleted
	return nil
}

func (s *FakeStore) TouchKeyUsed(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, id)
	return nil
}

// TouchedKeys reports the key ids passed to TouchKeyUsed, in call order.
func (s *FakeStore) TouchedKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.touched))
	copy(out, s.touched)
	return out
}

func (s *FakeStore) CreateIamRule(_ context.Context, rule *gateway.IamRule) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.APIKeyID] = append(s.rules[rule.APIKeyID], *rule)
	return nil
}

func (s *FakeStore) GetIamRule(_ context.Context, apiKeyID, ruleID string) (*gateway.IamRule, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules[apiKeyID] {
		if r.ID == ruleID {
			cp := r
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) ListIamRules(_ context.Context, apiKeyID string) ([]gateway.IamRule, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gateway.IamRule, len(s.rules[apiKeyID]))
	copy(out, s.rules[apiKeyID])
	return out, nil
}

func (s *FakeStore) UpdateIamRule(_ context.Context, rule *gateway.IamRule) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := s.rules[rule.APIKeyID]
	for i := range rules {
		if rules[i].ID == rule.ID {
			rules[i] = *rule
			return nil
		}
	}
	return gateway.ErrNotFound
}

func (s *FakeStore) DeleteIamRule(_ context.Context, apiKeyID, ruleID string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := s.rules[apiKeyID]
	for i := range rules {
		if rules[i].ID == ruleID {
			s.rules[apiKeyID] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return gateway.ErrNotFound
}

// --- LogStore ---

func (s *FakeStore) InsertLogs(_ context.Context, records []gateway.LogRecord) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, records...)
	return nil
}

// Logs returns a copy of every inserted record.
func (s *FakeStore) Logs() []gateway.LogRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gateway.LogRecord, len(s.logs))
	copy(out, s.logs)
	return out
}

func (s *FakeStore) QueryLogs(_ context.Context, f gateway.LogFilter, _ string, limit int) (*gateway.LogPage, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var logs []gateway.LogRecord
	for _, l := range s.logs {
		if f.OrgID != "" && l.OrgID != f.OrgID {
			continue
		}
		if f.ProjectID != "" && l.ProjectID != f.ProjectID {
			continue
		}
		logs = append(logs, l)
	}
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return &gateway.LogPage{Logs: logs, Limit: limit}, nil
}

func (s *FakeStore) Activity(_ context.Context, _, _ string, _ int) ([]gateway.ActivityDay, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return nil, nil
}

// --- BillingStore ---

func (s *FakeStore) SettleBatch(ctx context.Context, batchSize int) (int, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	if s.SettleBatchFn != nil {
		return s.SettleBatchFn(ctx, batchSize)
	}
	return 0, nil
}

func (s *FakeStore) OrgsBelowTopUpThreshold(ctx context.Context, lookback time.Duration) ([]*gateway.Organization, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.TopUpOrgsFn != nil {
		return s.TopUpOrgsFn(ctx, lookback)
	}
	return nil, nil
}

func (s *FakeStore) CreateTransaction(_ context.Context, tx *gateway.Transaction) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tx
	s.transactions = append(s.transactions, &cp)
	return nil
}

func (s *FakeStore) UpdateTransactionStatus(_ context.Context, id, status string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.transactions {
		if tx.ID == id {
			tx.Status = status
			return nil
		}
	}
	return gateway.ErrNotFound
}

// Transactions returns a copy of every recorded transaction.
func (s *FakeStore) Transactions() []gateway.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gateway.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		out = append(out, *tx)
	}
	return out
}

func (s *FakeStore) AddCredits(_ context.Context, orgID string, amount decimal.Decimal) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return gateway.ErrNotFound
	}
	org.Credits = org.Credits.Add(amount)
	return nil
}

// --- StatsStore ---

func (s *FakeStore) AggregateMinute(ctx context.Context, minute time.Time) ([]gateway.UsageMinute, []gateway.UsageMinute, error) {
	if s.Err != nil {
		return nil, nil, s.Err
	}
	if s.AggregateMinuteFn != nil {
		return s.AggregateMinuteFn(ctx, minute)
	}
	return nil, nil, nil
}

func (s *FakeStore) UpsertMinutes(_ context.Context, mappings, models []gateway.UsageMinute) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minutes = append(s.minutes, mappings...)
	s.minutes = append(s.minutes, models...)
	return nil
}

// Minutes returns a copy of every upserted minute bucket.
func (s *FakeStore) Minutes() []gateway.UsageMinute {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gateway.UsageMinute, len(s.minutes))
	copy(out, s.minutes)
	return out
}

func (s *FakeStore) LatestMinute(ctx context.Context) (time.Time, error) {
	if s.Err != nil {
		return time.Time{}, s.Err
	}
	if s.LatestMinuteFn != nil {
		return s.LatestMinuteFn(ctx)
	}
	return time.Time{}, nil
}

func (s *FakeStore) RollupWindow(ctx context.Context, from time.Time) ([]gateway.StatsRollup, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.RollupWindowFn != nil {
		return s.RollupWindowFn(ctx, from)
	}
	return nil, nil
}

func (s *FakeStore) SaveRollups(_ context.Context, rollups []gateway.StatsRollup) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollups = append(s.rollups, rollups...)
	return nil
}

// Rollups returns a copy of every saved rollup.
func (s *FakeStore) Rollups() []gateway.StatsRollup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gateway.StatsRollup, len(s.rollups))
	copy(out, s.rollups)
	return out
}

// --- LockStore ---

func (s *FakeStore) AcquireLock(_ context.Context, name string, _ time.Duration) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[name]; held {
		return false, nil
	}
	s.locks[name] = time.Now()
	return true, nil
}

func (s *FakeStore) ReleaseLock(_ context.Context, name string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, name)
	return nil
}

// --- ProviderKeyStore ---

func (s *FakeStore) ProviderToken(ctx context.Context, orgID, providerID string) (string, error) {
	pk, err := s.FindProviderKey(ctx, orgID, providerID)
	if err != nil {
		return "", err
	}
	return pk.Token, nil
}

func (s *FakeStore) FindProviderKey(_ context.Context, orgID, providerID string) (*gateway.ProviderKey, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var gatewayKey *gateway.ProviderKey
	for _, pk := range s.providerKeys {
		if pk.ProviderID != providerID || pk.Status != gateway.StatusActive {
			continue
		}
		if pk.OrgID == orgID && orgID != "" {
			cp := *pk
			return &cp, nil
		}
		if pk.OrgID == "" {
			gatewayKey = pk
		}
	}
	if gatewayKey != nil {
		cp := *gatewayKey
		return &cp, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) UpsertProviderKey(_ context.Context, pk *gateway.ProviderKey) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pk
	s.providerKeys[pk.OrgID+"/"+pk.ProviderID] = &cp
	return nil
}

func (s *FakeStore) ListProviderKeys(_ context.Context, orgID string) ([]*gateway.ProviderKey, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.ProviderKey
	for _, pk := range s.providerKeys {
		if pk.OrgID == orgID {
			cp := *pk
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (s *FakeStore) DeleteProviderKey(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, pk := range s.providerKeys {
		if pk.ID == id {
			delete(s.providerKeys, k)
			return nil
		}
	}
	return gateway.ErrNotFound
}

// --- Store ---

func (s *FakeStore) Ping(context.Context) error { return s.Err }
func (s *FakeStore) Close() error               { return nil }
