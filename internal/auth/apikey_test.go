package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/testutil"
)

const testKey = "drn_test_key_12345678901234567890"

// seedAuth creates an active org, project, and API key resolving testKey.
// Returned store fields can be mutated through the store methods afterwards.
func seedAuth(t *testing.T, store *testutil.FakeStore) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreateOrg(ctx, &gateway.Organization{
		ID:             "org-1",
		Name:           "Acme",
		Credits:        decimal.RequireFromString("10"),
		Plan:           gateway.PlanPro,
		RetentionLevel: gateway.RetentionRetain,
		Status:         gateway.StatusActive,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateProject(ctx, &gateway.Project{
		ID:     "proj-1",
		OrgID:  "org-1",
		Name:   "default",
		Mode:   gateway.ModeHybrid,
		Status: gateway.StatusActive,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateKey(ctx, &gateway.APIKey{
		ID:        "key-1",
		ProjectID: "proj-1",
		KeyHash:   gateway.HashKey(testKey),
		MaskedKey: "drn_test...7890",
		Status:    gateway.StatusActive,
	}); err != nil {
		t.Fatal(err)
	}
}

func newTestAuth(t *testing.T) (*APIKeyAuth, *testutil.FakeStore) {
	t.Helper()
	store := testutil.NewFakeStore()
	auth, err := NewAPIKeyAuth(store)
	if err != nil {
		t.Fatal(err)
	}
	return auth, store
}

func makeRequest(key string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	if key != "" {
		r.Header.Set("Authorization", "Bearer "+key)
	}
	return r
}

func TestAuthenticate_ValidKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)
	seedAuth(t, store)

	id, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.KeyID != "key-1" {
		t.Errorf("KeyID = %q, want key-1", id.KeyID)
	}
	if id.ProjectID != "proj-1" {
		t.Errorf("ProjectID = %q, want proj-1", id.ProjectID)
	}
	if id.OrgID != "org-1" {
		t.Errorf("OrgID = %q, want org-1", id.OrgID)
	}
	if id.Plan != gateway.PlanPro {
		t.Errorf("Plan = %q, want %q", id.Plan, gateway.PlanPro)
	}
	if id.Mode != gateway.ModeHybrid {
		t.Errorf("Mode = %q, want %q", id.Mode, gateway.ModeHybrid)
	}
	if id.RetentionLevel != gateway.RetentionRetain {
		t.Errorf("RetentionLevel = %q, want %q", id.RetentionLevel, gateway.RetentionRetain)
	}
	if !id.Credits.Equal(decimal.RequireFromString("10")) {
		t.Errorf("Credits = %s, want 10", id.Credits)
	}
}

func TestAuthenticate_SessionCookie(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)
	seedAuth(t, store)

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: testKey})

	id, err := auth.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.KeyID != "key-1" {
		t.Errorf("KeyID = %q, want key-1", id.KeyID)
	}
}

func TestAuthenticate_HeaderBeatsCookie(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)
	seedAuth(t, store)

	r := makeRequest(testKey)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "drn_stale_cookie_token"})

	if _, err := auth.Authenticate(context.Background(), r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuthenticate_CacheHit(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)
	seedAuth(t, store)

	// First call populates the cache.
	if _, err := auth.Authenticate(context.Background(), makeRequest(testKey)); err != nil {
		t.Fatal(err)
	}

	// Soft-delete in the store -- the cached record should still serve
	// until the TTL expires or the cache is invalidated.
	if err := store.DeleteKey(context.Background(), "key-1"); err != nil {
		t.Fatal(err)
	}

	id, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != nil {
		t.Fatalf("cache miss: %v", err)
	}
	if id.OrgID != "org-1" {
		t.Errorf("OrgID = %q, want org-1", id.OrgID)
	}
}

func TestAuthenticate_NoAuthHeader(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	_, err := auth.Authenticate(context.Background(), makeRequest(""))
	if !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_NonBearerToken(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err := auth.Authenticate(context.Background(), r)
	if !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_WrongPrefix(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	_, err := auth.Authenticate(context.Background(), makeRequest("sk-not-a-durin-key"))
	if !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_KeyNotFound(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	_, err := auth.Authenticate(context.Background(), makeRequest("drn_unknown_key_does_not_exist"))
	if !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_InactiveKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)
	seedAuth(t, store)

	key, err := store.GetKey(context.Background(), "key-1")
	if err != nil {
		t.Fatal(err)
	}
	key.Status = gateway.StatusInactive
	if err := store.UpdateKey(context.Background(), key); err != nil {
		t.Fatal(err)
	}

	_, err = auth.Authenticate(context.Background(), makeRequest(testKey))
	if !errors.Is(err, gateway.ErrKeyInactive) {
		t.Errorf("err = %v, want ErrKeyInactive", err)
	}
}

func TestAuthenticate_SuspendedOrg(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)
	seedAuth(t, store)

	org, err := store.GetOrg(context.Background(), "org-1")
	if err != nil {
		t.Fatal(err)
	}
	org.Status = gateway.StatusInactive
	if err := store.UpdateOrg(context.Background(), org); err != nil {
		t.Fatal(err)
	}

	_, err = auth.Authenticate(context.Background(), makeRequest(testKey))
	if !errors.Is(err, gateway.ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestAuthenticate_InactiveProject(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)
	seedAuth(t, store)

	p, err := store.GetProject(context.Background(), "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	p.Status = gateway.StatusInactive
	if err := store.UpdateProject(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	_, err = auth.Authenticate(context.Background(), makeRequest(testKey))
	if !errors.Is(err, gateway.ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestAuthenticate_UsageLimitReached(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)
	seedAuth(t, store)

	key, err := store.GetKey(context.Background(), "key-1")
	if err != nil {
		t.Fatal(err)
	}
	limit := decimal.RequireFromString("25.50")
	key.Usage = decimal.RequireFromString("25.50")
	key.UsageLimit = &limit
	if err := store.UpdateKey(context.Background(), key); err != nil {
		t.Fatal(err)
	}

	_, err = auth.Authenticate(context.Background(), makeRequest(testKey))
	if !errors.Is(err, gateway.ErrUsageLimit) {
		t.Errorf("err = %v, want ErrUsageLimit", err)
	}
}

func TestAuthenticate_UsageLimitCacheInvalidation(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)
	seedAuth(t, store)

	// First call succeeds and caches.
	if _, err := auth.Authenticate(context.Background(), makeRequest(testKey)); err != nil {
		t.Fatal(err)
	}

	// Mutate the cached record past its limit (simulates usage accruing
	// through the billing pipeline while the record sits in cache).
	hash := gateway.HashKey(testKey)
	if cached, ok := auth.cache.GetIfPresent(hash); ok {
		limit := decimal.RequireFromString("5")
		cached.Key.Usage = decimal.RequireFromString("6")
		cached.Key.UsageLimit = &limit
	}

	_, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if !errors.Is(err, gateway.ErrUsageLimit) {
		t.Errorf("err = %v, want ErrUsageLimit", err)
	}

	// The failing record should be evicted so the next call re-reads the store.
	if _, ok := auth.cache.GetIfPresent(hash); ok {
		t.Error("over-limit record should be evicted from cache")
	}
}

func TestAuthenticate_TouchKeyUsed(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)
	seedAuth(t, store)

	if _, err := auth.Authenticate(context.Background(), makeRequest(testKey)); err != nil {
		t.Fatal(err)
	}

	// TouchKeyUsed runs in a goroutine; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for !slices.Contains(store.TouchedKeys(), "key-1") {
		if time.Now().After(deadline) {
			t.Fatal("TouchKeyUsed never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInvalidateByKeyID(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)
	seedAuth(t, store)

	if _, err := auth.Authenticate(context.Background(), makeRequest(testKey)); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteKey(context.Background(), "key-1"); err != nil {
		t.Fatal(err)
	}
	auth.InvalidateByKeyID("key-1")

	_, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestBuildIdentity(t *testing.T) {
	t.Parallel()

	rec := &gateway.AuthRecord{
		Key:     gateway.APIKey{ID: "key-9", ProjectID: "proj-9"},
		Project: gateway.Project{ID: "proj-9", OrgID: "org-9", Mode: gateway.ModeCredits},
		Org: gateway.Organization{
			ID:             "org-9",
			Plan:           gateway.PlanFree,
			RetentionLevel: gateway.RetentionNone,
			Credits:        decimal.RequireFromString("1.25"),
		},
	}
	id := buildIdentity(rec)

	if id.KeyID != "key-9" {
		t.Errorf("KeyID = %q", id.KeyID)
	}
	if id.ProjectID != "proj-9" {
		t.Errorf("ProjectID = %q", id.ProjectID)
	}
	if id.OrgID != "org-9" {
		t.Errorf("OrgID = %q", id.OrgID)
	}
	if id.Mode != gateway.ModeCredits {
		t.Errorf("Mode = %q, want %q", id.Mode, gateway.ModeCredits)
	}
	if !id.Credits.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("Credits = %s, want 1.25", id.Credits)
	}
}
