package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
)

// SettleBatch charges unprocessed logs onto API keys and organizations in one
// transaction. Each selected row is stamped with processed_at regardless of
// whether it carried a billable cost, so a replayed batch settles nothing
// twice. Credit arithmetic happens in Go decimals; the TEXT columns are never
// mutated with SQL math.
func (s *Store) SettleBatch(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT l.id, l.api_key_id, l.org_id, l.cost, l.cached, l.used_mode, p.mode
		 FROM logs l
		 JOIN projects p ON p.id = l.project_id
		 WHERE l.processed_at IS NULL
		 ORDER BY l.created_at ASC
		 LIMIT ?`, batchSize,
	)
	if err != nil {
		return 0, err
	}

	var ids []string
	keyCosts := make(map[string]decimal.Decimal)
	orgCosts := make(map[string]decimal.Decimal)

	for rows.Next() {
		var id, keyID, orgID string
		var cost decimal.NullDecimal
		var cached int
		var usedMode sql.NullString
		var projectMode string
		if err := rows.Scan(&id, &keyID, &orgID, &cost, &cached, &usedMode, &projectMode); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)

		if !cost.Valid || !cost.Decimal.IsPositive() || cached != 0 {
			continue
		}
		keyCosts[keyID] = keyCosts[keyID].Add(cost.Decimal)

		mode := usedMode.String
		if mode == "" && projectMode != gateway.ModeAPIKeys {
			mode = gateway.UsedModeCredits
		}
		if mode == gateway.UsedModeCredits {
			orgCosts[orgID] = orgCosts[orgID].Add(cost.Decimal)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(ids) == 0 {
		return 0, tx.Commit()
	}

	now := timeToStr(time.Now())
	for orgID, sum := range orgCosts {
		var credits decimal.Decimal
		if err := tx.QueryRowContext(ctx,
			`SELECT credits FROM organizations WHERE id = ?`, orgID).Scan(&credits); err != nil {
			return 0, notFoundErr(err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE organizations SET credits = ?, updated_at = ? WHERE id = ?`,
			credits.Sub(sum), now, orgID); err != nil {
			return 0, err
		}
	}
	for keyID, sum := range keyCosts {
		var usage decimal.Decimal
		if err := tx.QueryRowContext(ctx,
			`SELECT usage FROM api_keys WHERE id = ?`, keyID).Scan(&usage); err != nil {
			return 0, notFoundErr(err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE api_keys SET usage = ?, updated_at = ? WHERE id = ?`,
			usage.Add(sum), now, keyID); err != nil {
			return 0, err
		}
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for _, id := range ids {
		args = append(args, id)
	}
	stamp := `UPDATE logs SET processed_at = ? WHERE id IN (?` +
		strings.Repeat(", ?", len(ids)-1) + `)`
	if _, err := tx.ExecContext(ctx, stamp, args...); err != nil {
		return 0, err
	}

	return len(ids), tx.Commit()
}

// OrgsBelowTopUpThreshold lists active organizations whose balance dropped
// under their configured auto top-up threshold and that have no pending or
// failed top-up inside the lookback window. The threshold comparison casts
// the stored decimals to REAL, which is exact enough for a trigger check.
func (s *Store) OrgsBelowTopUpThreshold(ctx context.Context, lookback time.Duration) ([]*gateway.Organization, error) {
	cutoff := timeToStr(time.Now().Add(-lookback))
	rows, err := s.read.QueryContext(ctx,
		`SELECT o.id, o.name, o.credits, o.plan, o.retention_level, o.status,
		 o.auto_topup_enabled, o.auto_topup_threshold, o.auto_topup_amount, o.created_at, o.updated_at
		 FROM organizations o
		 WHERE o.status = ?
		   AND o.auto_topup_enabled = 1
		   AND o.auto_topup_threshold IS NOT NULL
		   AND o.auto_topup_amount IS NOT NULL
		   AND CAST(o.credits AS REAL) < CAST(o.auto_topup_threshold AS REAL)
		   AND NOT EXISTS (
		     SELECT 1 FROM transactions t
		     WHERE t.org_id = o.id AND t.type = ?
		       AND t.status IN (?, ?) AND t.created_at >= ?
		   )`,
		gateway.StatusActive, gateway.TxTopUp, gateway.TxPending, gateway.TxFailed, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []*gateway.Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// CreateTransaction records a credit movement.
func (s *Store) CreateTransaction(ctx context.Context, t *gateway.Transaction) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO transactions (id, org_id, type, status, amount, payment_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrgID, t.Type, t.Status, t.Amount, nullStr(t.PaymentID), timeToStr(t.CreatedAt),
	)
	return err
}

// UpdateTransactionStatus moves a transaction to its terminal state.
func (s *Store) UpdateTransactionStatus(ctx context.Context, id, status string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE transactions SET status = ? WHERE id = ?`, status, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "transaction")
}

// AddCredits increases an organization balance after a successful charge.
func (s *Store) AddCredits(ctx context.Context, orgID string, amount decimal.Decimal) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var credits decimal.Decimal
	if err := tx.QueryRowContext(ctx,
		`SELECT credits FROM organizations WHERE id = ?`, orgID).Scan(&credits); err != nil {
		return notFoundErr(err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE organizations SET credits = ?, updated_at = ? WHERE id = ?`,
		credits.Add(amount), timeToStr(time.Now()), orgID); err != nil {
		return err
	}
	return tx.Commit()
}
