package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/catalog"
	"github.com/durinhq/durin/internal/circuitbreaker"
	"github.com/durinhq/durin/internal/provider"
	"github.com/durinhq/durin/internal/testutil"
)

func testAdapters(ids ...string) *provider.Registry {
	reg := provider.NewRegistry()
	for _, id := range ids {
		reg.Register(id, &testutil.FakeProvider{ProviderName: id})
	}
	return reg
}

func testIdentity(mode string, credits int64) *gateway.Identity {
	return &gateway.Identity{
		KeyID:          "key-1",
		ProjectID:      "proj-1",
		OrgID:          "org-1",
		Plan:           gateway.PlanPro,
		Mode:           mode,
		RetentionLevel: gateway.RetentionRetain,
		Credits:        decimal.NewFromInt(credits),
	}
}

func seedProviderKey(t *testing.T, store *testutil.FakeStore, orgID, providerID, token string) {
	t.Helper()
	err := store.UpsertProviderKey(context.Background(), &gateway.ProviderKey{
		ID:         providerID + "/" + orgID,
		OrgID:      orgID,
		ProviderID: providerID,
		Token:      token,
		Status:     gateway.StatusActive,
	})
	if err != nil {
		t.Fatalf("UpsertProviderKey: %v", err)
	}
}

func seedRule(t *testing.T, store *testutil.FakeStore, id, ruleType string, value gateway.IamRuleValue) {
	t.Helper()
	err := store.CreateIamRule(context.Background(), &gateway.IamRule{
		ID:        id,
		APIKeyID:  "key-1",
		RuleType:  ruleType,
		RuleValue: value,
		Status:    gateway.StatusActive,
	})
	if err != nil {
		t.Fatalf("CreateIamRule: %v", err)
	}
}

func TestResolvePicksCheapestProvider(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	for _, id := range []string{"groq", "together-ai", "novita", "nebius"} {
		seedProviderKey(t, store, "", id, "gw-"+id)
	}
	r := NewRouter(catalog.New(), testAdapters("groq", "together-ai", "novita", "nebius"), store, nil)

	dec, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 100), "llama-3.3-70b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.ProviderID != "novita" {
		t.Errorf("ProviderID = %q, want novita", dec.ProviderID)
	}
	if dec.Mapping.ModelName != "meta-llama/llama-3.3-70b-instruct" {
		t.Errorf("upstream model = %q", dec.Mapping.ModelName)
	}
	if dec.UsedMode != gateway.UsedModeCredits {
		t.Errorf("UsedMode = %q, want credits", dec.UsedMode)
	}
	if dec.Token != "gw-novita" {
		t.Errorf("Token = %q, want gw-novita", dec.Token)
	}
	if dec.Pinned {
		t.Error("Pinned = true for an unpinned request")
	}
	if got := dec.MappingKey(); got != "novita/llama-3.3-70b" {
		t.Errorf("MappingKey = %q", got)
	}
}

func TestResolveDiscountWinsCheapestPick(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedProviderKey(t, store, "", "openai", "gw-openai")
	seedProviderKey(t, store, "", "routeway", "gw-routeway")
	r := NewRouter(catalog.New(), testAdapters("openai", "routeway"), store, nil)

	dec, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 100), "gpt-4o")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Same list prices, but routeway carries a 0.9 discount.
	if dec.ProviderID != "routeway" {
		t.Errorf("ProviderID = %q, want routeway", dec.ProviderID)
	}
}

func TestResolvePinnedProvider(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	for _, id := range []string{"groq", "novita"} {
		seedProviderKey(t, store, "", id, "gw-"+id)
	}
	r := NewRouter(catalog.New(), testAdapters("groq", "novita"), store, nil)

	dec, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 100), "groq/llama-3.3-70b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.ProviderID != "groq" {
		t.Errorf("ProviderID = %q, want groq", dec.ProviderID)
	}
	if !dec.Pinned {
		t.Error("Pinned = false for a pinned request")
	}
	if dec.Mapping.ModelName != "llama-3.3-70b-versatile" {
		t.Errorf("upstream model = %q", dec.Mapping.ModelName)
	}
}

func TestResolveAutoUsesDefaultModel(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedProviderKey(t, store, "", "openai", "gw-openai")
	r := NewRouter(catalog.New(), testAdapters("openai"), store, nil)

	for _, requested := range []string{"auto", "custom"} {
		dec, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 100), requested)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", requested, err)
		}
		if dec.Model.ID != "gpt-4o-mini" {
			t.Errorf("Resolve(%q) model = %q, want gpt-4o-mini", requested, dec.Model.ID)
		}
	}
}

func TestResolveUnknownNames(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	r := NewRouter(catalog.New(), testAdapters(), store, nil)
	ident := testIdentity(gateway.ModeCredits, 100)

	for _, requested := range []string{"does-not-exist", "openai/does-not-exist", "no-such-provider/gpt-4o"} {
		_, err := r.Resolve(context.Background(), ident, requested)
		if !errors.Is(err, gateway.ErrNotFound) {
			t.Errorf("Resolve(%q) = %v, want ErrNotFound", requested, err)
		}
	}
}

func TestResolveDeprecatedModel(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedProviderKey(t, store, "", "openai", "gw-openai")
	r := NewRouter(catalog.New(), testAdapters("openai"), store, nil)

	_, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 100), "gpt-3.5-turbo")
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("Resolve deprecated = %v, want ErrNotFound", err)
	}
}

func TestResolveExperimentalRequiresPin(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedProviderKey(t, store, "", "xai", "gw-xai")
	r := NewRouter(catalog.New(), testAdapters("xai"), store, nil)
	ident := testIdentity(gateway.ModeCredits, 100)

	if _, err := r.Resolve(context.Background(), ident, "grok-4-fast"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("unpinned experimental = %v, want ErrNotFound", err)
	}

	dec, err := r.Resolve(context.Background(), ident, "xai/grok-4-fast")
	if err != nil {
		t.Fatalf("pinned experimental: %v", err)
	}
	if dec.ProviderID != "xai" {
		t.Errorf("ProviderID = %q, want xai", dec.ProviderID)
	}
}

func TestResolveOrgKeyPreferred(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedProviderKey(t, store, "", "openai", "gw-openai")
	seedProviderKey(t, store, "org-1", "openai", "org-openai")
	r := NewRouter(catalog.New(), testAdapters("openai"), store, nil)

	// Zero credits must not matter when the org brings its own key.
	dec, err := r.Resolve(context.Background(), testIdentity(gateway.ModeHybrid, 0), "gpt-4o-mini")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.Token != "org-openai" {
		t.Errorf("Token = %q, want org-openai", dec.Token)
	}
	if dec.UsedMode != gateway.UsedModeAPIKeys {
		t.Errorf("UsedMode = %q, want api-keys", dec.UsedMode)
	}
}

func TestResolveGatewayKeyNeedsCredits(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedProviderKey(t, store, "", "openai", "gw-openai")
	r := NewRouter(catalog.New(), testAdapters("openai"), store, nil)

	_, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 0), "gpt-4o-mini")
	if !errors.Is(err, gateway.ErrPaymentRequired) {
		t.Fatalf("Resolve = %v, want ErrPaymentRequired", err)
	}
}

func TestResolveFreeModelWithoutCredits(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedProviderKey(t, store, "", "zai", "gw-zai")
	r := NewRouter(catalog.New(), testAdapters("zai"), store, nil)

	dec, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 0), "glm-4.5-flash")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.UsedMode != gateway.UsedModeCredits {
		t.Errorf("UsedMode = %q, want credits", dec.UsedMode)
	}
}

func TestResolveAPIKeysModeRequiresOrgKey(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedProviderKey(t, store, "", "openai", "gw-openai")
	r := NewRouter(catalog.New(), testAdapters("openai"), store, nil)

	_, err := r.Resolve(context.Background(), testIdentity(gateway.ModeAPIKeys, 100), "gpt-4o-mini")
	if !errors.Is(err, gateway.ErrNoCredentials) {
		t.Fatalf("Resolve = %v, want ErrNoCredentials", err)
	}
}

func TestResolveHostedProviderBillsCredits(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	r := NewRouter(catalog.New(), testAdapters("anthropic-vertex", "anthropic-bedrock"), store, nil)

	dec, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 100), "anthropic-vertex/claude-sonnet-4")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.Token != "" {
		t.Errorf("Token = %q, want empty for hosted provider", dec.Token)
	}
	if dec.UsedMode != gateway.UsedModeCredits {
		t.Errorf("UsedMode = %q, want credits", dec.UsedMode)
	}

	if _, err := r.Resolve(context.Background(), testIdentity(gateway.ModeAPIKeys, 100), "anthropic-vertex/claude-sonnet-4"); !errors.Is(err, gateway.ErrNoCredentials) {
		t.Fatalf("api-keys mode on hosted = %v, want ErrNoCredentials", err)
	}
}

func TestResolveHostedFallbackWithoutDirectKey(t *testing.T) {
	t.Parallel()

	// No anthropic key anywhere: the hosted mappings must carry the model.
	store := testutil.NewFakeStore()
	r := NewRouter(catalog.New(), testAdapters("anthropic", "anthropic-vertex", "anthropic-bedrock"), store, nil)

	dec, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 100), "claude-sonnet-4")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Vertex and Bedrock price identically; the tie keeps catalog order.
	if dec.ProviderID != "anthropic-vertex" {
		t.Errorf("ProviderID = %q, want anthropic-vertex", dec.ProviderID)
	}
}

func TestResolveIamDenialNamesRules(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	for _, id := range []string{"groq", "together-ai", "novita", "nebius"} {
		seedProviderKey(t, store, "", id, "gw-"+id)
	}
	seedRule(t, store, "rule-1", gateway.RuleDenyProviders, gateway.IamRuleValue{Providers: []string{"groq", "novita"}})
	seedRule(t, store, "rule-2", gateway.RuleDenyProviders, gateway.IamRuleValue{Providers: []string{"together-ai", "nebius"}})
	r := NewRouter(catalog.New(), testAdapters("groq", "together-ai", "novita", "nebius"), store, nil)

	_, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 100), "llama-3.3-70b")
	if !errors.Is(err, gateway.ErrModelNotAllowed) {
		t.Fatalf("Resolve = %v, want ErrModelNotAllowed", err)
	}
	for _, id := range []string{"rule-1", "rule-2"} {
		if !strings.Contains(err.Error(), id) {
			t.Errorf("error %q does not name %s", err, id)
		}
	}
}

func TestResolveIamAllowProvidersNarrows(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	for _, id := range []string{"groq", "together-ai", "novita", "nebius"} {
		seedProviderKey(t, store, "", id, "gw-"+id)
	}
	seedRule(t, store, "rule-1", gateway.RuleAllowProviders, gateway.IamRuleValue{Providers: []string{"groq"}})
	r := NewRouter(catalog.New(), testAdapters("groq", "together-ai", "novita", "nebius"), store, nil)

	dec, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 100), "llama-3.3-70b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.ProviderID != "groq" {
		t.Errorf("ProviderID = %q, want groq", dec.ProviderID)
	}
}

func TestResolveIamPriceCapFiltersCandidates(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	for _, id := range []string{"groq", "together-ai", "novita", "nebius"} {
		seedProviderKey(t, store, "", id, "gw-"+id)
	}
	// 0.30 USD per million tokens: only the nebius deployment fits.
	maxInput := decimal.RequireFromString("0.0000003")
	seedRule(t, store, "rule-1", gateway.RuleAllowPricing, gateway.IamRuleValue{MaxInputPrice: &maxInput})
	r := NewRouter(catalog.New(), testAdapters("groq", "together-ai", "novita", "nebius"), store, nil)

	dec, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 100), "llama-3.3-70b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.ProviderID != "nebius" {
		t.Errorf("ProviderID = %q, want nebius", dec.ProviderID)
	}
}

func TestResolveIamRulesCached(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedProviderKey(t, store, "", "openai", "gw-openai")
	r := NewRouter(catalog.New(), testAdapters("openai"), store, nil)
	ident := testIdentity(gateway.ModeCredits, 100)

	if _, err := r.Resolve(context.Background(), ident, "gpt-4o-mini"); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}

	// A rule created after the first resolve stays invisible until the
	// rule cache expires.
	seedRule(t, store, "rule-1", gateway.RuleDenyModels, gateway.IamRuleValue{Models: []string{"gpt-4o-mini"}})
	if _, err := r.Resolve(context.Background(), ident, "gpt-4o-mini"); err != nil {
		t.Fatalf("cached Resolve: %v", err)
	}
}

func TestResolveSkipsTrippedBreaker(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	for _, id := range []string{"groq", "together-ai", "novita", "nebius"} {
		seedProviderKey(t, store, "", id, "gw-"+id)
	}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	trip := func(id string) {
		b := breakers.GetOrCreate(id)
		for range 10 {
			b.RecordError(1)
		}
	}
	trip("novita")
	r := NewRouter(catalog.New(), testAdapters("groq", "together-ai", "novita", "nebius"), store, breakers)
	ident := testIdentity(gateway.ModeCredits, 100)

	dec, err := r.Resolve(context.Background(), ident, "llama-3.3-70b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Next cheapest after novita.
	if dec.ProviderID != "nebius" {
		t.Errorf("ProviderID = %q, want nebius", dec.ProviderID)
	}

	trip("groq")
	trip("together-ai")
	trip("nebius")
	if _, err := r.Resolve(context.Background(), ident, "llama-3.3-70b"); !errors.Is(err, gateway.ErrUpstream) {
		t.Fatalf("all tripped = %v, want ErrUpstream", err)
	}
}

func TestResolveCustomModel(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	reg := catalog.New(catalog.WithCustomBaseURL("http://llm.internal:8080"))
	r := NewRouter(reg, testAdapters("custom"), store, nil)
	ident := testIdentity(gateway.ModeCredits, 0)

	dec, err := r.Resolve(context.Background(), ident, "custom/llama-8b-local")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.ProviderID != "custom" {
		t.Errorf("ProviderID = %q, want custom", dec.ProviderID)
	}
	if dec.Mapping.ModelName != "llama-8b-local" {
		t.Errorf("upstream model = %q, want llama-8b-local", dec.Mapping.ModelName)
	}
	if dec.Model.ID != "custom/llama-8b-local" {
		t.Errorf("Model.ID = %q", dec.Model.ID)
	}
	if dec.Token != "" {
		t.Errorf("Token = %q, want empty without a custom key", dec.Token)
	}

	seedProviderKey(t, store, "org-1", "custom", "org-custom")
	dec, err = r.Resolve(context.Background(), ident, "custom/llama-8b-local")
	if err != nil {
		t.Fatalf("Resolve with org key: %v", err)
	}
	if dec.Token != "org-custom" {
		t.Errorf("Token = %q, want org-custom", dec.Token)
	}
	if dec.UsedMode != gateway.UsedModeAPIKeys {
		t.Errorf("UsedMode = %q, want api-keys", dec.UsedMode)
	}
}

func TestResolveCustomModelUnconfigured(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	r := NewRouter(catalog.New(), testAdapters("custom"), store, nil)

	_, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 100), "custom/llama-8b-local")
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("Resolve = %v, want ErrNotFound", err)
	}
}

func TestResolveStoreFailure(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.Err = errors.New("boom")
	r := NewRouter(catalog.New(), testAdapters("openai"), store, nil)

	_, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 100), "gpt-4o-mini")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Resolve = %v, want wrapped store error", err)
	}
}

func TestCallOptionsCarryMappingFlags(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	seedProviderKey(t, store, "", "openai", "gw-openai")
	r := NewRouter(catalog.New(), testAdapters("openai"), store, nil)

	dec, err := r.Resolve(context.Background(), testIdentity(gateway.ModeCredits, 100), "gpt-5")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	opts := dec.CallOptions()
	if !opts.ResponsesAPI {
		t.Error("ResponsesAPI = false, want true for gpt-5")
	}
	if !opts.SupportsSystemRole {
		t.Error("SupportsSystemRole = false")
	}
	if opts.Model != "gpt-5" {
		t.Errorf("Model = %q, want gpt-5", opts.Model)
	}
	if opts.Token != "gw-openai" {
		t.Errorf("Token = %q", opts.Token)
	}
}
