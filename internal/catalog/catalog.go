// Package catalog holds the static provider and model tables and the pure
// lookups the router and provider adapters share: endpoint construction, auth
// headers and price-based scoring. The catalog is immutable after New.
package catalog

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
)

// Translation families. Every provider belongs to exactly one; the family
// decides which adapter encodes and decodes its traffic.
const (
	FamilyOpenAI    = "openai"
	FamilyAnthropic = "anthropic"
	FamilyGoogle    = "google"
	FamilyCompat    = "openai-compat"
)

// Hosted deployments of a family, authenticated by transport instead of token.
const (
	HostingVertex  = "vertex"
	HostingBedrock = "bedrock"
)

// Model stability grades. Unstable and experimental mappings are excluded
// from routing unless the caller pins them explicitly.
const (
	StabilityStable       = "stable"
	StabilityBeta         = "beta"
	StabilityUnstable     = "unstable"
	StabilityExperimental = "experimental"
)

// AnthropicVersion is the pinned anthropic-version header value.
const AnthropicVersion = "2023-06-01"

// Model name sentinels resolved by the router.
const (
	AutoModel    = "auto"
	CustomPrefix = "custom/"
)

// Provider is one upstream vendor entry.
type Provider struct {
	ID           string
	DisplayName  string
	Family       string
	Hosting      string // empty for token-authenticated providers
	BaseURL      string
	ChatPath     string // overrides /v1/chat/completions for the compat family
	Color        string
	Website      string
	Status       string
	Streaming    bool
	Cancellation bool
	JSONOutput   bool
}

// Model is one globally unique model entry with its provider mappings.
type Model struct {
	ID                 string
	Family             string
	SupportsSystemRole bool
	JSONOutput         bool
	Vision             bool
	Free               bool
	Stability          string
	DeprecatedAt       *time.Time
	Mappings           []Mapping
}

// Mapping binds a model to one provider under a provider-native name and
// carries that provider's pricing. Prices are per token (images and requests
// per unit); nil means the provider does not publish that price.
type Mapping struct {
	ProviderID          string
	ModelName           string
	InputPrice          *decimal.Decimal
	OutputPrice         *decimal.Decimal
	ImageInputPrice     *decimal.Decimal
	RequestPrice        *decimal.Decimal
	ContextSize         int
	MaxOutput           int
	SupportedParameters []string
	ResponsesAPI        bool
	Discount            decimal.Decimal // zero means no discount
	Stability           string          // overrides the model grade when set
}

var two = decimal.NewFromInt(2)

// Score returns the routing score of a mapping: the mean of its token prices
// scaled by the discount. Mappings missing either price have no score.
func (m Mapping) Score() (decimal.Decimal, bool) {
	if m.InputPrice == nil || m.OutputPrice == nil {
		return decimal.Decimal{}, false
	}
	s := m.InputPrice.Add(*m.OutputPrice).Div(two)
	if !m.Discount.IsZero() {
		s = s.Mul(m.Discount)
	}
	return s, true
}

// Deprecated reports whether the model is deprecated as of now. A future
// DeprecatedAt announces deprecation but keeps the model routable.
func (m Model) Deprecated(now time.Time) bool {
	return m.DeprecatedAt != nil && !m.DeprecatedAt.After(now)
}

// EffectiveStability resolves the mapping-level override.
func EffectiveStability(m Model, mp Mapping) string {
	if mp.Stability != "" {
		return mp.Stability
	}
	if m.Stability != "" {
		return m.Stability
	}
	return StabilityStable
}

// RoutableStability reports whether a grade may be picked without pinning.
func RoutableStability(s string) bool {
	return s == StabilityStable || s == StabilityBeta
}

// ModelMapping pairs a model with one of its mappings.
type ModelMapping struct {
	Model   Model
	Mapping Mapping
}

// Registry is the immutable catalog handed around the gateway.
type Registry struct {
	providers    map[string]Provider
	models       map[string]Model
	providerIDs  []string
	modelIDs     []string
	defaultModel string
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithDefaultModel sets the model used for "auto" and custom-model requests.
func WithDefaultModel(id string) Option {
	return func(r *Registry) { r.defaultModel = id }
}

// WithCustomBaseURL points the "custom" provider at a deployment-specific
// OpenAI-compatible endpoint.
func WithCustomBaseURL(base string) Option {
	return func(r *Registry) {
		p := r.providers["custom"]
		p.BaseURL = strings.TrimSuffix(base, "/")
		r.providers["custom"] = p
	}
}

// New builds the registry from the static tables.
func New(opts ...Option) *Registry {
	r := &Registry{
		providers:    make(map[string]Provider, len(providerTable)),
		models:       make(map[string]Model, len(modelTable)),
		defaultModel: "gpt-4o-mini",
	}
	for _, p := range providerTable {
		r.providers[p.ID] = p
		r.providerIDs = append(r.providerIDs, p.ID)
	}
	for _, m := range modelTable {
		r.models[m.ID] = m
		r.modelIDs = append(r.modelIDs, m.ID)
	}
	slices.Sort(r.providerIDs)
	slices.Sort(r.modelIDs)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultModel returns the model id used for "auto" requests.
func (r *Registry) DefaultModel() string { return r.defaultModel }

// Provider looks up a provider by id.
func (r *Registry) Provider(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// Model looks up a model by id.
func (r *Registry) Model(id string) (Model, bool) {
	m, ok := r.models[id]
	return m, ok
}

// Mapping looks up the mapping of a model onto a provider.
func (r *Registry) Mapping(modelID, providerID string) (Mapping, bool) {
	m, ok := r.models[modelID]
	if !ok {
		return Mapping{}, false
	}
	for _, mp := range m.Mappings {
		if mp.ProviderID == providerID {
			return mp, true
		}
	}
	return Mapping{}, false
}

// Providers returns all provider entries sorted by id.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.providerIDs))
	for _, id := range r.providerIDs {
		out = append(out, r.providers[id])
	}
	return out
}

// Models returns all model entries sorted by id.
func (r *Registry) Models() []Model {
	out := make([]Model, 0, len(r.modelIDs))
	for _, id := range r.modelIDs {
		out = append(out, r.models[id])
	}
	return out
}

// ModelsOf returns the models mapped onto a provider, sorted by id.
func (r *Registry) ModelsOf(providerID string) []Model {
	var out []Model
	for _, id := range r.modelIDs {
		m := r.models[id]
		for _, mp := range m.Mappings {
			if mp.ProviderID == providerID {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// ProvidersOf returns the provider ids a model is mapped onto, in mapping order.
func (r *Registry) ProvidersOf(modelID string) []string {
	m, ok := r.models[modelID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m.Mappings))
	for _, mp := range m.Mappings {
		out = append(out, mp.ProviderID)
	}
	return out
}

// CheapestModelFor returns the cheapest non-deprecated model that a provider
// serves. Models missing either token price do not participate.
func (r *Registry) CheapestModelFor(providerID string, now time.Time) (Model, bool) {
	var (
		best      Model
		bestScore decimal.Decimal
		found     bool
	)
	for _, id := range r.modelIDs {
		m := r.models[id]
		if m.Deprecated(now) {
			continue
		}
		for _, mp := range m.Mappings {
			if mp.ProviderID != providerID {
				continue
			}
			score, ok := mp.Score()
			if !ok {
				continue
			}
			if !found || score.LessThan(bestScore) {
				best, bestScore, found = m, score, true
			}
		}
	}
	return best, found
}

// ActiveMappings returns every mapping whose provider is active and whose
// model is not deprecated. The stats worker writes a minute bucket for each.
func (r *Registry) ActiveMappings(now time.Time) []ModelMapping {
	var out []ModelMapping
	for _, id := range r.modelIDs {
		m := r.models[id]
		if m.Deprecated(now) {
			continue
		}
		for _, mp := range m.Mappings {
			p, ok := r.providers[mp.ProviderID]
			if !ok || p.Status != gateway.StatusActive {
				continue
			}
			out = append(out, ModelMapping{Model: m, Mapping: mp})
		}
	}
	return out
}

// CheapestMapping picks the lowest-scoring mapping from candidates. Ties keep
// the earliest candidate, which makes routing deterministic for equal prices.
func CheapestMapping(candidates []Mapping) (Mapping, bool) {
	var (
		best      Mapping
		bestScore decimal.Decimal
		found     bool
	)
	for _, mp := range candidates {
		score, ok := mp.Score()
		if !ok {
			continue
		}
		if !found || score.LessThan(bestScore) {
			best, bestScore, found = mp, score, true
		}
	}
	return best, found
}

// ChatEndpoint returns the full upstream URL for a chat call. Hosted
// providers (Vertex, Bedrock) build their URLs inside the adapter and never
// reach this table.
func ChatEndpoint(p Provider, model, token string, stream, responses bool) string {
	switch p.Family {
	case FamilyAnthropic:
		return p.BaseURL + "/v1/messages"
	case FamilyGoogle:
		verb := ":generateContent?key=" + url.QueryEscape(token)
		if stream {
			verb = ":streamGenerateContent?alt=sse&key=" + url.QueryEscape(token)
		}
		return p.BaseURL + "/v1beta/models/" + url.PathEscape(model) + verb
	case FamilyOpenAI:
		if responses {
			return p.BaseURL + "/v1/responses"
		}
		return p.BaseURL + "/v1/chat/completions"
	}
	if p.ChatPath != "" {
		return p.BaseURL + p.ChatPath
	}
	return p.BaseURL + "/v1/chat/completions"
}

// AuthHeaders returns the auth headers for a token-authenticated provider.
// Google carries its key in the URL; hosted providers sign via transport.
func AuthHeaders(p Provider, token string) http.Header {
	h := http.Header{}
	switch p.Family {
	case FamilyAnthropic:
		if p.Hosting != "" {
			return h
		}
		h.Set("x-api-key", token)
		h.Set("anthropic-version", AnthropicVersion)
		h.Set("anthropic-beta", "tools-2024-04-04")
	case FamilyGoogle:
	default:
		if token != "" {
			h.Set("Authorization", "Bearer "+token)
		}
	}
	return h
}

// StripModelPrefix removes a catalog namespace prefix ("inference.net/",
// "together.ai/") from a model name before it goes on the wire.
func StripModelPrefix(providerID, model string) string {
	switch providerID {
	case "inference-net":
		return strings.TrimPrefix(model, "inference.net/")
	case "together-ai":
		return strings.TrimPrefix(model, "together.ai/")
	}
	return model
}
