package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
)

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, project_id, key_hash, masked_key, description, status,
		 usage, usage_limit, last_used_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.ProjectID, key.KeyHash, key.MaskedKey, nullStr(key.Description), key.Status,
		key.Usage, nullDec(key.UsageLimit), nullTime(key.LastUsedAt),
		timeToStr(key.CreatedAt), timeToStr(key.UpdatedAt),
	)
	return err
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, project_id, key_hash, masked_key, description, status,
		 usage, usage_limit, last_used_at, created_at, updated_at
		 FROM api_keys WHERE id = ?`, id,
	)
	return scanKey(row)
}

// GetAuthByHash resolves a token hash to the key joined with its project and
// organization. One read serves the whole authentication path; callers cache
// the result briefly.
func (s *Store) GetAuthByHash(ctx context.Context, hash string) (*gateway.AuthRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT k.id, k.project_id, k.key_hash, k.masked_key, k.description, k.status,
		 k.usage, k.usage_limit, k.last_used_at, k.created_at, k.updated_at,
		 p.id, p.org_id, p.name, p.mode, p.status, p.created_at, p.updated_at,
		 o.id, o.name, o.credits, o.plan, o.retention_level, o.status,
		 o.auto_topup_enabled, o.auto_topup_threshold, o.auto_topup_amount, o.created_at, o.updated_at
		 FROM api_keys k
		 JOIN projects p ON p.id = k.project_id
		 JOIN organizations o ON o.id = p.org_id
		 WHERE k.key_hash = ?`, hash,
	)

	var rec gateway.AuthRecord
	var keyDesc sql.NullString
	var keyLimit decimal.NullDecimal
	var keyLastUsed sql.NullString
	var keyCreated, keyUpdated string
	var projCreated, projUpdated string
	var topUpEnabled int
	var topUpThreshold, topUpAmount decimal.NullDecimal
	var orgCreated, orgUpdated string

	err := row.Scan(
		&rec.Key.ID, &rec.Key.ProjectID, &rec.Key.KeyHash, &rec.Key.MaskedKey, &keyDesc, &rec.Key.Status,
		&rec.Key.Usage, &keyLimit, &keyLastUsed, &keyCreated, &keyUpdated,
		&rec.Project.ID, &rec.Project.OrgID, &rec.Project.Name, &rec.Project.Mode, &rec.Project.Status,
		&projCreated, &projUpdated,
		&rec.Org.ID, &rec.Org.Name, &rec.Org.Credits, &rec.Org.Plan, &rec.Org.RetentionLevel, &rec.Org.Status,
		&topUpEnabled, &topUpThreshold, &topUpAmount, &orgCreated, &orgUpdated,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	rec.Key.Description = keyDesc.String
	rec.Key.UsageLimit = ptrDec(keyLimit)
	rec.Key.LastUsedAt = parseNullTime(keyLastUsed)
	rec.Key.CreatedAt = parseTime(keyCreated)
	rec.Key.UpdatedAt = parseTime(keyUpdated)
	rec.Project.CreatedAt = parseTime(projCreated)
	rec.Project.UpdatedAt = parseTime(projUpdated)
	rec.Org.AutoTopUpEnabled = topUpEnabled != 0
	rec.Org.AutoTopUpThreshold = ptrDec(topUpThreshold)
	rec.Org.AutoTopUpAmount = ptrDec(topUpAmount)
	rec.Org.CreatedAt = parseTime(orgCreated)
	rec.Org.UpdatedAt = parseTime(orgUpdated)
	return &rec, nil
}

// ListKeys returns the non-deleted API keys of a project, newest first.
func (s *Store) ListKeys(ctx context.Context, projectID string) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, project_id, key_hash, masked_key, description, status,
		 usage, usage_limit, last_used_at, created_at, updated_at
		 FROM api_keys WHERE project_id = ? AND status != ?
		 ORDER BY created_at DESC`, projectID, gateway.StatusDeleted,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates the mutable fields of an API key.
func (s *Store) UpdateKey(ctx context.Context, key *gateway.APIKey) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET description=?, status=?, usage_limit=?, updated_at=? WHERE id=?`,
		nullStr(key.Description), key.Status, nullDec(key.UsageLimit), timeToStr(time.Now()), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// UpdateKeyLimit sets or clears the spend ceiling of an API key.
func (s *Store) UpdateKeyLimit(ctx context.Context, id string, limit *decimal.Decimal) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET usage_limit=?, updated_at=? WHERE id=? AND status != ?`,
		nullDec(limit), timeToStr(time.Now()), id, gateway.StatusDeleted,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey marks an API key deleted. The row stays so historical logs keep
// their join target.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET status=?, updated_at=? WHERE id=? AND status != ?`,
		gateway.StatusDeleted, timeToStr(time.Now()), id, gateway.StatusDeleted,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`,
		timeToStr(time.Now()), id,
	)
	return err
}

// CreateIamRule attaches an access rule to an API key.
func (s *Store) CreateIamRule(ctx context.Context, rule *gateway.IamRule) error {
	value, err := marshalJSON(rule.RuleValue)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO iam_rules (id, api_key_id, rule_type, rule_value, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.APIKeyID, rule.RuleType, value, rule.Status,
		timeToStr(rule.CreatedAt), timeToStr(rule.UpdatedAt),
	)
	return err
}

// GetIamRule fetches a single rule scoped to its API key.
func (s *Store) GetIamRule(ctx context.Context, apiKeyID, ruleID string) (*gateway.IamRule, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, api_key_id, rule_type, rule_value, status, created_at, updated_at
		 FROM iam_rules WHERE id = ? AND api_key_id = ?`, ruleID, apiKeyID,
	)
	var r gateway.IamRule
	var value, createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.APIKeyID, &r.RuleType, &value, &r.Status, &createdAt, &updatedAt); err != nil {
		return nil, notFoundErr(err)
	}
	if err := json.Unmarshal([]byte(value), &r.RuleValue); err != nil {
		return nil, fmt.Errorf("iam rule %s: %w", r.ID, err)
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// ListIamRules returns the rules of an API key in creation order, which is
// also their evaluation order.
func (s *Store) ListIamRules(ctx context.Context, apiKeyID string) ([]gateway.IamRule, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, api_key_id, rule_type, rule_value, status, created_at, updated_at
		 FROM iam_rules WHERE api_key_id = ? ORDER BY created_at ASC, id ASC`, apiKeyID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []gateway.IamRule
	for rows.Next() {
		var r gateway.IamRule
		var value string
		var createdAt, updatedAt string
		if err := rows.Scan(&r.ID, &r.APIKeyID, &r.RuleType, &value, &r.Status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(value), &r.RuleValue); err != nil {
			return nil, fmt.Errorf("iam rule %s: %w", r.ID, err)
		}
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpdateIamRule rewrites the type, value, and status of an existing rule.
func (s *Store) UpdateIamRule(ctx context.Context, rule *gateway.IamRule) error {
	value, err := marshalJSON(rule.RuleValue)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE iam_rules SET rule_type=?, rule_value=?, status=?, updated_at=?
		 WHERE id=? AND api_key_id=?`,
		rule.RuleType, value, rule.Status, timeToStr(time.Now()), rule.ID, rule.APIKeyID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "iam rule")
}

// DeleteIamRule removes a rule from an API key.
func (s *Store) DeleteIamRule(ctx context.Context, apiKeyID, ruleID string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM iam_rules WHERE id = ? AND api_key_id = ?`, ruleID, apiKeyID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "iam rule")
}

func scanKey(s scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var desc sql.NullString
	var limit decimal.NullDecimal
	var lastUsed sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(&k.ID, &k.ProjectID, &k.KeyHash, &k.MaskedKey, &desc, &k.Status,
		&k.Usage, &limit, &lastUsed, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Description = desc.String
	k.UsageLimit = ptrDec(limit)
	k.LastUsedAt = parseNullTime(lastUsed)
	k.CreatedAt = parseTime(createdAt)
	k.UpdatedAt = parseTime(updatedAt)
	return &k, nil
}
