// Package auth implements API key authentication for the Durin gateway.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/storage"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment

	// SessionCookie carries the raw API key for dashboard-originated
	// completion calls that cannot set an Authorization header.
	SessionCookie = "durin_session"
)

// APIKeyAuth authenticates requests using API keys with "drn_" prefix.
// It caches resolved key/project/org records in an otter W-TinyLFU cache
// keyed by the token hash.
type APIKeyAuth struct {
	store       storage.APIKeyStore
	cache       *otter.Cache[string, *gateway.AuthRecord]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewAPIKeyAuth returns a new APIKeyAuth backed by store.
func NewAPIKeyAuth(store storage.APIKeyStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.AuthRecord]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.AuthRecord](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// Authenticate extracts a Bearer token from the Authorization header (or the
// session cookie when no header is present), validates it against the store,
// and returns the caller's Identity. Only keys with the "drn_" prefix are
// handled; all others return ErrUnauthorized.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	raw := extractToken(r)
	if raw == "" {
		return nil, gateway.ErrUnauthorized
	}

	if !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)

	// Check cache first. Status and limit checks run on every request so a
	// key disabled mid-TTL is refused as soon as the record expires, and a
	// key that crossed its usage limit is refused immediately.
	if rec, ok := a.cache.GetIfPresent(hash); ok {
		if err := validateRecord(rec); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return buildIdentity(rec), nil
	}

	rec, err := a.store.GetAuthByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(rec.Key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}

	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	a.cache.Set(hash, rec)
	a.keyIDToHash.Store(rec.Key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, rec.Key.ID) //nolint:errcheck
	}()

	return buildIdentity(rec), nil
}

// InvalidateByKeyID removes a cached auth record by its key ID.
// Used when key management operations (update, delete) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// extractToken returns the raw token from the Authorization header, falling
// back to the session cookie.
func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if raw := strings.TrimPrefix(header, "Bearer "); raw != "" && raw != header {
		return raw
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

// validateRecord checks key, project, and org status plus the per-key usage
// limit. The checks run in escalating order so the most specific failure wins.
func validateRecord(rec *gateway.AuthRecord) error {
	if rec.Key.Status != gateway.StatusActive {
		return gateway.ErrKeyInactive
	}
	if rec.Project.Status != gateway.StatusActive || rec.Org.Status != gateway.StatusActive {
		return gateway.ErrForbidden
	}
	if rec.Key.UsageLimit != nil && rec.Key.Usage.GreaterThanOrEqual(*rec.Key.UsageLimit) {
		return gateway.ErrUsageLimit
	}
	return nil
}

// buildIdentity constructs an Identity from a validated auth record.
func buildIdentity(rec *gateway.AuthRecord) *gateway.Identity {
	return &gateway.Identity{
		KeyID:          rec.Key.ID,
		ProjectID:      rec.Project.ID,
		OrgID:          rec.Org.ID,
		Plan:           rec.Org.Plan,
		Mode:           rec.Project.Mode,
		RetentionLevel: rec.Org.RetentionLevel,
		Credits:        rec.Org.Credits,
	}
}
