package sqlite

import (
	"context"

	gateway "github.com/durinhq/durin/internal"
)

// ProviderToken resolves the upstream credential for an org/provider pair,
// falling back from the organization's own key to the gateway-owned key,
// which is stored under the reserved empty org id.
func (s *Store) ProviderToken(ctx context.Context, orgID, providerID string) (string, error) {
	var token string
	err := s.read.QueryRowContext(ctx,
		`SELECT token FROM provider_keys
		 WHERE provider_id = ? AND status = ? AND org_id IN (?, '')
		 ORDER BY org_id DESC
		 LIMIT 1`,
		providerID, gateway.StatusActive, orgID,
	).Scan(&token)
	if err != nil {
		return "", notFoundErr(err)
	}
	return token, nil
}

// FindProviderKey resolves the credential row for an org/provider pair,
// preferring the organization's own key over the gateway-owned one.
func (s *Store) FindProviderKey(ctx context.Context, orgID, providerID string) (*gateway.ProviderKey, error) {
	var pk gateway.ProviderKey
	var createdAt string
	err := s.read.QueryRowContext(ctx,
		`SELECT id, org_id, provider_id, token, status, created_at
		 FROM provider_keys
		 WHERE provider_id = ? AND status = ? AND org_id IN (?, '')
		 ORDER BY org_id DESC
		 LIMIT 1`,
		providerID, gateway.StatusActive, orgID,
	).Scan(&pk.ID, &pk.OrgID, &pk.ProviderID, &pk.Token, &pk.Status, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	pk.CreatedAt = parseTime(createdAt)
	return &pk, nil
}

// UpsertProviderKey stores a credential, replacing any previous one for the
// same org/provider pair.
func (s *Store) UpsertProviderKey(ctx context.Context, pk *gateway.ProviderKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_keys (id, org_id, provider_id, token, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(org_id, provider_id) DO UPDATE SET
		 token = excluded.token, status = excluded.status`,
		pk.ID, pk.OrgID, pk.ProviderID, pk.Token, pk.Status, timeToStr(pk.CreatedAt),
	)
	return err
}

// ListProviderKeys returns the credentials owned by an organization. Tokens
// are included; callers decide what to expose.
func (s *Store) ListProviderKeys(ctx context.Context, orgID string) ([]*gateway.ProviderKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, org_id, provider_id, token, status, created_at
		 FROM provider_keys WHERE org_id = ? ORDER BY provider_id`, orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.ProviderKey
	for rows.Next() {
		var pk gateway.ProviderKey
		var createdAt string
		if err := rows.Scan(&pk.ID, &pk.OrgID, &pk.ProviderID, &pk.Token, &pk.Status, &createdAt); err != nil {
			return nil, err
		}
		pk.CreatedAt = parseTime(createdAt)
		keys = append(keys, &pk)
	}
	return keys, rows.Err()
}

// DeleteProviderKey removes a credential.
func (s *Store) DeleteProviderKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM provider_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider key")
}
