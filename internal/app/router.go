// Package app implements the services between the HTTP surface and the
// provider adapters: route resolution with IAM enforcement, upstream
// dispatch with circuit-breaker accounting, and API key lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/catalog"
	"github.com/durinhq/durin/internal/circuitbreaker"
	"github.com/durinhq/durin/internal/provider"
)

// ruleCacheTTL is how long a key's IAM rules stay cached. Short enough that
// rule edits take effect promptly, long enough to keep rule reads off the
// request hot path.
const ruleCacheTTL = 10 * time.Second

// ruleCacheMaxLen bounds the rule cache to the working set of active keys.
const ruleCacheMaxLen = 10_000

// RouteStore is the slice of storage the router reads.
type RouteStore interface {
	ListIamRules(ctx context.Context, apiKeyID string) ([]gateway.IamRule, error)
	FindProviderKey(ctx context.Context, orgID, providerID string) (*gateway.ProviderKey, error)
}

// Router resolves a requested model name to a concrete provider, upstream
// model and credential, applying stability, IAM, availability and funding
// filters in that order.
type Router struct {
	registry *catalog.Registry
	adapters *provider.Registry
	store    RouteStore
	breakers *circuitbreaker.Registry // nil disables availability filtering
	rules    *otter.Cache[string, []gateway.IamRule]
}

// NewRouter returns a Router over the given catalog, adapters and store.
// breakers may be nil.
func NewRouter(registry *catalog.Registry, adapters *provider.Registry, store RouteStore, breakers *circuitbreaker.Registry) *Router {
	rules := otter.Must(&otter.Options[string, []gateway.IamRule]{
		MaximumSize:      ruleCacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, []gateway.IamRule](ruleCacheTTL),
	})
	return &Router{
		registry: registry,
		adapters: adapters,
		store:    store,
		breakers: breakers,
		rules:    rules,
	}
}

// RouteDecision is everything the handler needs to call upstream and account
// for the result.
type RouteDecision struct {
	Provider   gateway.Provider
	ProviderID string
	Model      catalog.Model
	Mapping    catalog.Mapping
	UsedMode   string // api-keys or credits
	Token      string // upstream credential; empty for hosted providers
	Pinned     bool
}

// CallOptions shapes the per-call options handed to the provider adapter.
func (d *RouteDecision) CallOptions() gateway.CallOptions {
	return gateway.CallOptions{
		Token:              d.Token,
		Model:              d.Mapping.ModelName,
		SupportsSystemRole: d.Model.SupportsSystemRole,
		ResponsesAPI:       d.Mapping.ResponsesAPI,
	}
}

// MappingKey returns the "provider/model" identity recorded on log rows.
func (d *RouteDecision) MappingKey() string {
	return gateway.MappingKey(d.ProviderID, d.Model.ID)
}

// candidate is a mapping that survived every filter, with its credential.
type candidate struct {
	mapping  catalog.Mapping
	token    string
	usedMode string
}

// Resolve picks the provider and upstream model for a requested model name.
//
// Resolution order: exact model id; "{provider}/{model}" pins the provider;
// "auto" and the custom aliases fall back to the configured default model.
// Candidates are then narrowed by provider status and stability (unstable
// grades route only when pinned), IAM rules, circuit-breaker availability,
// and credentials. The cheapest surviving mapping wins unless pinned.
func (r *Router) Resolve(ctx context.Context, ident *gateway.Identity, requested string) (*RouteDecision, error) {
	if name, ok := strings.CutPrefix(requested, catalog.CustomPrefix); ok && name != "" {
		return r.resolveCustom(ctx, ident, name)
	}

	modelID, pin, err := r.resolveModelID(requested)
	if err != nil {
		return nil, err
	}
	model, _ := r.registry.Model(modelID)

	now := time.Now()
	if model.Deprecated(now) {
		return nil, fmt.Errorf("model %q is deprecated: %w", modelID, gateway.ErrNotFound)
	}

	mappings := r.routable(model, pin, now)
	if len(mappings) == 0 {
		return nil, fmt.Errorf("model %q has no active provider: %w", modelID, gateway.ErrNotFound)
	}

	rules, err := r.iamRules(ctx, ident.KeyID)
	if err != nil {
		return nil, fmt.Errorf("load iam rules: %w", err)
	}
	mappings, deniedBy := filterIam(rules, model, mappings)
	if len(mappings) == 0 {
		return nil, fmt.Errorf("denied by iam rule %s: %w", strings.Join(deniedBy, ", "), gateway.ErrModelNotAllowed)
	}

	mappings = r.available(mappings)
	if len(mappings) == 0 {
		return nil, fmt.Errorf("no reachable provider for %q: %w", modelID, gateway.ErrUpstream)
	}

	funded := make([]candidate, 0, len(mappings))
	for _, mp := range mappings {
		p, _ := r.registry.Provider(mp.ProviderID)
		token, usedMode, ok, err := r.credential(ctx, ident, p, model.Free)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		funded = append(funded, candidate{mapping: mp, token: token, usedMode: usedMode})
	}
	if len(funded) == 0 {
		if ident.Mode == gateway.ModeAPIKeys {
			return nil, fmt.Errorf("no provider key for model %q: %w", modelID, gateway.ErrNoCredentials)
		}
		return nil, fmt.Errorf("no credentials or credits for model %q: %w", modelID, gateway.ErrPaymentRequired)
	}

	pick := funded[0]
	if pin == "" && len(funded) > 1 {
		cands := make([]catalog.Mapping, len(funded))
		for i, c := range funded {
			cands[i] = c.mapping
		}
		if best, ok := catalog.CheapestMapping(cands); ok {
			for _, c := range funded {
				if c.mapping.ProviderID == best.ProviderID {
					pick = c
					break
				}
			}
		}
	}

	adapter, err := r.adapters.Get(pick.mapping.ProviderID)
	if err != nil {
		return nil, err
	}
	return &RouteDecision{
		Provider:   adapter,
		ProviderID: pick.mapping.ProviderID,
		Model:      model,
		Mapping:    pick.mapping,
		UsedMode:   pick.usedMode,
		Token:      pick.token,
		Pinned:     pin != "",
	}, nil
}

// resolveModelID maps the requested name to a catalog model id and an
// optional pinned provider.
func (r *Router) resolveModelID(requested string) (modelID, pin string, err error) {
	if requested == catalog.AutoModel || requested == "custom" {
		return r.registry.DefaultModel(), "", nil
	}
	if _, ok := r.registry.Model(requested); ok {
		return requested, "", nil
	}
	if i := strings.IndexByte(requested, '/'); i > 0 {
		pin, modelID = requested[:i], requested[i+1:]
		if _, ok := r.registry.Provider(pin); !ok {
			return "", "", fmt.Errorf("unknown provider %q: %w", pin, gateway.ErrNotFound)
		}
		if _, ok := r.registry.Model(modelID); !ok {
			return "", "", fmt.Errorf("unknown model %q: %w", modelID, gateway.ErrNotFound)
		}
		return modelID, pin, nil
	}
	return "", "", fmt.Errorf("unknown model %q: %w", requested, gateway.ErrNotFound)
}

// routable returns the model's mappings on active providers. Unpinned
// requests additionally require a routable stability grade; pinning is the
// explicit opt-in for unstable and experimental mappings.
func (r *Router) routable(model catalog.Model, pin string, now time.Time) []catalog.Mapping {
	var out []catalog.Mapping
	for _, mp := range model.Mappings {
		if pin != "" && mp.ProviderID != pin {
			continue
		}
		p, ok := r.registry.Provider(mp.ProviderID)
		if !ok || p.Status != gateway.StatusActive {
			continue
		}
		if pin == "" && !catalog.RoutableStability(catalog.EffectiveStability(model, mp)) {
			continue
		}
		out = append(out, mp)
	}
	return out
}

// available drops mappings whose adapter is not registered (hosted providers
// run without their cloud settings) and whose provider breaker is open. Ready
// never claims the half-open probe slot; the dispatcher's Allow does.
func (r *Router) available(mappings []catalog.Mapping) []catalog.Mapping {
	out := mappings[:0]
	for _, mp := range mappings {
		if _, err := r.adapters.Get(mp.ProviderID); err != nil {
			continue
		}
		if r.breakers != nil {
			if b := r.breakers.Get(mp.ProviderID); b != nil && !b.Ready() {
				continue
			}
		}
		out = append(out, mp)
	}
	return out
}

// credential resolves who pays for a call to provider p. The org's own key
// wins in any project mode and bills as api-keys. The gateway-owned key is
// available to credits and hybrid projects and bills as credits, which for
// paid models requires a positive balance. ok is false when the candidate
// has no funding; err reports storage failures only.
func (r *Router) credential(ctx context.Context, ident *gateway.Identity, p catalog.Provider, free bool) (token, usedMode string, ok bool, err error) {
	// Hosted providers sign at the transport with gateway credentials, so
	// they always bill as credits.
	if p.Hosting != "" {
		if ident.Mode == gateway.ModeAPIKeys {
			return "", "", false, nil
		}
		if !free && !ident.Credits.IsPositive() {
			return "", "", false, nil
		}
		return "", gateway.UsedModeCredits, true, nil
	}

	pk, err := r.store.FindProviderKey(ctx, ident.OrgID, p.ID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("find provider key for %s: %w", p.ID, err)
	}
	if pk.OrgID != "" {
		return pk.Token, gateway.UsedModeAPIKeys, true, nil
	}
	if ident.Mode == gateway.ModeAPIKeys {
		return "", "", false, nil
	}
	if !free && !ident.Credits.IsPositive() {
		return "", "", false, nil
	}
	return pk.Token, gateway.UsedModeCredits, true, nil
}

// resolveCustom routes "custom/{name}" to the deployment's OpenAI-compatible
// endpoint with {name} as the upstream model. Custom calls carry no catalog
// pricing, so funding is not checked; the org's own custom key is used when
// present, and an absent key sends the call unauthenticated.
func (r *Router) resolveCustom(ctx context.Context, ident *gateway.Identity, name string) (*RouteDecision, error) {
	p, ok := r.registry.Provider("custom")
	if !ok || p.BaseURL == "" || p.Status != gateway.StatusActive {
		return nil, fmt.Errorf("no custom endpoint configured: %w", gateway.ErrNotFound)
	}

	model := catalog.Model{ID: catalog.CustomPrefix + name, SupportsSystemRole: true}
	mapping := catalog.Mapping{ProviderID: p.ID, ModelName: name}

	rules, err := r.iamRules(ctx, ident.KeyID)
	if err != nil {
		return nil, fmt.Errorf("load iam rules: %w", err)
	}
	if ruleID := firstDenial(rules, model, mapping); ruleID != "" {
		return nil, fmt.Errorf("denied by iam rule %s: %w", ruleID, gateway.ErrModelNotAllowed)
	}
	if r.breakers != nil {
		if b := r.breakers.Get(p.ID); b != nil && !b.Ready() {
			return nil, fmt.Errorf("custom endpoint is cooling down: %w", gateway.ErrUpstream)
		}
	}

	var token string
	usedMode := gateway.UsedModeCredits
	if pk, err := r.store.FindProviderKey(ctx, ident.OrgID, p.ID); err == nil {
		token = pk.Token
		if pk.OrgID != "" {
			usedMode = gateway.UsedModeAPIKeys
		}
	} else if !errors.Is(err, gateway.ErrNotFound) {
		return nil, fmt.Errorf("find provider key for %s: %w", p.ID, err)
	}

	adapter, err := r.adapters.Get(p.ID)
	if err != nil {
		return nil, err
	}
	return &RouteDecision{
		Provider:   adapter,
		ProviderID: p.ID,
		Model:      model,
		Mapping:    mapping,
		UsedMode:   usedMode,
		Token:      token,
		Pinned:     true,
	}, nil
}

// iamRules returns the key's IAM rules, served from a short-lived cache.
func (r *Router) iamRules(ctx context.Context, keyID string) ([]gateway.IamRule, error) {
	if cached, ok := r.rules.GetIfPresent(keyID); ok {
		return cached, nil
	}
	rules, err := r.store.ListIamRules(ctx, keyID)
	if err != nil {
		return nil, err
	}
	r.rules.Set(keyID, rules)
	return rules, nil
}
