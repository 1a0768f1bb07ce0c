// Package gateway defines domain types and interfaces for the Durin LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// --- Provider ---

// Provider is the interface that all upstream provider adapters implement.
type Provider interface {
	// Name returns the catalog provider id (e.g. "openai", "anthropic").
	Name() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest, opts CallOptions) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	ChatCompletionStream(ctx context.Context, req *ChatRequest, opts CallOptions) (<-chan StreamChunk, error)
}

// CallOptions carries per-call routing state into a provider adapter: the
// upstream credential, the provider-native model name and the mapping
// capabilities the translator depends on. Adapters stay tenant-agnostic.
type CallOptions struct {
	Token              string // upstream credential; empty when the transport signs requests itself
	Model              string // provider-native model name
	SupportsSystemRole bool
	ResponsesAPI       bool // mapping supports the OpenAI Responses API
}

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model               string          `json:"model"`
	Messages            []Message       `json:"messages"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	N                   int             `json:"n,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *StreamOptions  `json:"stream_options,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	PresencePenalty     *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64        `json:"frequency_penalty,omitempty"`
	Seed                *int            `json:"seed,omitempty"`
	User                string          `json:"user,omitempty"`
	Tools               json.RawMessage `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat      json.RawMessage `json:"response_format,omitempty"`
	ReasoningEffort     string          `json:"reasoning_effort,omitempty"` // minimal, low, medium, high
}

// OutputTokenLimit returns the caller's requested completion cap, whichever
// of the two OpenAI field spellings it arrived in. Zero means unset.
func (r *ChatRequest) OutputTokenLimit() int {
	if r.MaxTokens != nil {
		return *r.MaxTokens
	}
	if r.MaxCompletionTokens != nil {
		return *r.MaxCompletionTokens
	}
	return 0
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message. Content is either a JSON string or an
// array of content parts; use ContentText / ContentParts to inspect it.
type Message struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content"`
	Name             string          `json:"name,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a multimodal message content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
}

// ImageRef points at an image, either an http(s) URL or a data: URL.
type ImageRef struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ToolCall is an assistant-emitted function invocation.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction holds the call target and its JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a caller-declared function the model may invoke.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a declared function and its parameter schema.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ContentText returns message content as plain text. A JSON string decodes
// directly; a parts array concatenates its text parts.
func ContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	parts, err := ContentParts(raw)
	if err != nil {
		return ""
	}
	var out string
	for _, p := range parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// ContentParts decodes message content into typed parts. A bare JSON string
// becomes a single text part.
func ContentParts(raw json.RawMessage) ([]ContentPart, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []ContentPart{{Type: "text", Text: s}}, nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, err
	}
	return parts, nil
}

// ParseToolCalls decodes the raw tool_calls array of an assistant message.
func ParseToolCalls(raw json.RawMessage) ([]ToolCall, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var calls []ToolCall
	if err := json.Unmarshal(raw, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// ParseTools decodes the raw tools array of a request.
func ParseTools(raw json.RawMessage) ([]Tool, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var tools []Tool
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// HasToolTurns reports whether any message in the conversation carries tool
// calls or tool results. The Responses API is only selected for conversations
// without tool turns.
func HasToolTurns(msgs []Message) bool {
	for i := range msgs {
		if msgs[i].Role == "tool" || len(msgs[i].ToolCalls) > 0 {
			return true
		}
	}
	return false
}

// KnownRole reports whether role is one the gateway accepts.
func KnownRole(role string) bool {
	switch role {
	case "system", "user", "assistant", "tool", "developer":
		return true
	}
	return false
}

// Reasoning effort levels accepted on requests.
const (
	EffortMinimal = "minimal"
	EffortLow     = "low"
	EffortMedium  = "medium"
	EffortHigh    = "high"
)

// ValidEffort reports whether e is a known reasoning_effort value.
func ValidEffort(e string) bool {
	switch e {
	case EffortMinimal, EffortLow, EffortMedium, EffortHigh:
		return true
	}
	return false
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics. ReasoningTokens and CachedTokens
// are zero when the provider does not report them. Estimated marks counts
// derived by the tokenizer rather than reported by the provider.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	ReasoningTokens  int  `json:"reasoning_tokens,omitempty"`
	CachedTokens     int  `json:"cached_tokens,omitempty"`
	Estimated        bool `json:"-"`
}

// StreamChunk represents a single chunk in a streaming response. Data is a
// complete OpenAI-format chunk JSON, ready for SSE framing. The boolean
// markers let the handler time first content / first reasoning without
// re-parsing frames.
type StreamChunk struct {
	Data         []byte
	Usage        *Usage // non-nil on final chunk
	HasContent   bool
	HasReasoning bool
	FinishReason string // set on the chunk that carries finish_reason
	Done         bool
	Err          error
}

// --- Tenancy ---

// Organization is the top-level tenant and the unit of billing.
type Organization struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Credits            decimal.Decimal  `json:"credits"`
	Plan               string           `json:"plan"`            // free, pro
	RetentionLevel     string           `json:"retention_level"` // none, retain
	Status             string           `json:"status"`
	AutoTopUpEnabled   bool             `json:"auto_top_up_enabled"`
	AutoTopUpThreshold *decimal.Decimal `json:"auto_top_up_threshold,omitempty"`
	AutoTopUpAmount    *decimal.Decimal `json:"auto_top_up_amount,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Project groups API keys under an organization and fixes how requests made
// with its keys are paid for.
type Project struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	Mode      string    `json:"mode"` // api-keys, credits, hybrid
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// APIKey is the caller credential. The raw token is returned exactly once at
// creation; only its SHA-256 hash and a display mask are stored.
type APIKey struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id"`
	KeyHash     string           `json:"-"`
	MaskedKey   string           `json:"masked_key"`
	Description string           `json:"description,omitempty"`
	Status      string           `json:"status"`
	Usage       decimal.Decimal  `json:"usage"`
	UsageLimit  *decimal.Decimal `json:"usage_limit,omitempty"`
	LastUsedAt  *time.Time       `json:"last_used_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// IamRule constrains what a single API key may reach. Rules are evaluated in
// creation order; the first denial wins.
type IamRule struct {
	ID        string       `json:"id"`
	APIKeyID  string       `json:"api_key_id"`
	RuleType  string       `json:"rule_type"`
	RuleValue IamRuleValue `json:"rule_value"`
	Status    string       `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// IamRuleValue is the payload of a rule; which fields apply depends on the
// rule type.
type IamRuleValue struct {
	Models         []string         `json:"models,omitempty"`
	Providers      []string         `json:"providers,omitempty"`
	PricingType    string           `json:"pricing_type,omitempty"` // free, paid
	MaxInputPrice  *decimal.Decimal `json:"max_input_price,omitempty"`
	MaxOutputPrice *decimal.Decimal `json:"max_output_price,omitempty"`
}

// IAM rule types.
const (
	RuleAllowModels    = "allow_models"
	RuleDenyModels     = "deny_models"
	RuleAllowProviders = "allow_providers"
	RuleDenyProviders  = "deny_providers"
	RuleAllowPricing   = "allow_pricing"
	RuleDenyPricing    = "deny_pricing"
)

// Pricing buckets matched by pricing rules.
const (
	PricingFree = "free"
	PricingPaid = "paid"
)

// ValidRuleType reports whether t is a known IAM rule type.
func ValidRuleType(t string) bool {
	switch t {
	case RuleAllowModels, RuleDenyModels, RuleAllowProviders, RuleDenyProviders, RuleAllowPricing, RuleDenyPricing:
		return true
	}
	return false
}

// ProviderKey is an org-scoped upstream credential. Gateway-owned credentials
// use the reserved empty org id.
type ProviderKey struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	ProviderID string    `json:"provider_id"`
	Token      string    `json:"-"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Entity statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusDeleted  = "deleted"
)

// Organization plans.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Retention levels.
const (
	RetentionNone   = "none"
	RetentionRetain = "retain"
)

// Project payment modes.
const (
	ModeAPIKeys = "api-keys"
	ModeCredits = "credits"
	ModeHybrid  = "hybrid"
)

// Identity is the authenticated caller context attached to request context.
type Identity struct {
	KeyID          string          `json:"key_id"`
	ProjectID      string          `json:"project_id"`
	OrgID          string          `json:"org_id"`
	Plan           string          `json:"plan"`
	Mode           string          `json:"mode"` // project payment mode
	RetentionLevel string          `json:"retention_level"`
	Credits        decimal.Decimal `json:"-"` // org credits snapshot at auth time
}

// AuthRecord is the joined key/project/org row read once per authentication.
type AuthRecord struct {
	Key     APIKey
	Project Project
	Org     Organization
}

// --- Logging pipeline ---

// Unified finish reasons recorded on every log row.
const (
	FinishCompleted     = "completed"
	FinishLengthLimit   = "length_limit"
	FinishContentFilter = "content_filter"
	FinishToolCalls     = "tool_calls"
	FinishClientError   = "client_error"
	FinishGatewayError  = "gateway_error"
	FinishUpstreamError = "upstream_error"
	FinishCanceled      = "canceled"
	FinishUnknown       = "unknown"
)

// UnifyFinishReason maps an OpenAI-format finish_reason onto the unified set.
func UnifyFinishReason(raw string) string {
	switch raw {
	case "stop":
		return FinishCompleted
	case "length":
		return FinishLengthLimit
	case "content_filter":
		return FinishContentFilter
	case "tool_calls":
		return FinishToolCalls
	case "":
		return FinishUnknown
	}
	return FinishUnknown
}

// LogRecord captures one gateway request end to end. Records travel through
// the KV log queue as JSON and land in the logs table, where ProcessedAt
// gates the billing pass: it transitions NULL -> time exactly once.
type LogRecord struct {
	ID                        string           `json:"id"`
	RequestID                 string           `json:"request_id"`
	OrgID                     string           `json:"org_id"`
	ProjectID                 string           `json:"project_id"`
	APIKeyID                  string           `json:"api_key_id"`
	Duration                  int64            `json:"duration"` // milliseconds
	RequestedModel            string           `json:"requested_model"`
	RequestedProvider         string           `json:"requested_provider,omitempty"`
	UsedModel                 string           `json:"used_model"`
	UsedProvider              string           `json:"used_provider"`
	UsedMapping               string           `json:"used_mapping,omitempty"` // provider-native model name
	ResponseSize              int64            `json:"response_size"`
	Content                   *string          `json:"content,omitempty"`
	FinishReason              string           `json:"finish_reason,omitempty"` // provider-raw
	UnifiedFinishReason       string           `json:"unified_finish_reason"`
	PromptTokens              *int64           `json:"prompt_tokens,omitempty"`
	CompletionTokens          *int64           `json:"completion_tokens,omitempty"`
	TotalTokens               *int64           `json:"total_tokens,omitempty"`
	ReasoningTokens           *int64           `json:"reasoning_tokens,omitempty"`
	CachedTokens              *int64           `json:"cached_tokens,omitempty"`
	Messages                  json.RawMessage  `json:"messages,omitempty"`
	Temperature               *float64         `json:"temperature,omitempty"`
	MaxTokens                 *int             `json:"max_tokens,omitempty"`
	TopP                      *float64         `json:"top_p,omitempty"`
	FrequencyPenalty          *float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty           *float64         `json:"presence_penalty,omitempty"`
	HasError                  bool             `json:"has_error"`
	ErrorDetails              json.RawMessage  `json:"error_details,omitempty"`
	Streamed                  bool             `json:"streamed"`
	Canceled                  bool             `json:"canceled"`
	Cached                    bool             `json:"cached"`
	Mode                      string           `json:"mode"`      // project mode at request time
	UsedMode                  string           `json:"used_mode"` // api-keys or credits
	InputCost                 *decimal.Decimal `json:"input_cost,omitempty"`
	OutputCost                *decimal.Decimal `json:"output_cost,omitempty"`
	RequestCost               *decimal.Decimal `json:"request_cost,omitempty"`
	Cost                      *decimal.Decimal `json:"cost,omitempty"`
	EstimatedCost             bool             `json:"estimated_cost"`
	TimeToFirstToken          *int64           `json:"time_to_first_token,omitempty"`           // milliseconds
	TimeToFirstReasoningToken *int64           `json:"time_to_first_reasoning_token,omitempty"` // milliseconds
	CustomHeaders             json.RawMessage  `json:"custom_headers,omitempty"`
	Source                    string           `json:"source,omitempty"`
	CreatedAt                 time.Time        `json:"created_at"`
	ProcessedAt               *time.Time       `json:"processed_at,omitempty"`
}

// Payment modes actually charged on a log row.
const (
	UsedModeAPIKeys = "api-keys"
	UsedModeCredits = "credits"
)

// LogFilter narrows log queries. Zero values mean "no constraint".
type LogFilter struct {
	OrgID               string
	ProjectID           string
	StartDate           time.Time
	EndDate             time.Time
	UnifiedFinishReason string
	Provider            string
	Model               string
	CustomHeaderKey     string
	CustomHeaderValue   string
}

// LogPage is one page of a cursor-paginated log query.
type LogPage struct {
	Logs       []LogRecord `json:"logs"`
	NextCursor *string     `json:"nextCursor"`
	HasMore    bool        `json:"hasMore"`
	Limit      int         `json:"limit"`
}

// ActivityDay is one day of aggregated usage for the activity endpoint.
type ActivityDay struct {
	Date             string          `json:"date"` // YYYY-MM-DD
	RequestCount     int64           `json:"request_count"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	Cost             decimal.Decimal `json:"cost"`
	CacheCount       int64           `json:"cache_count"`
	ErrorCount       int64           `json:"error_count"`
}

// Transaction records a credit movement (auto top-up results).
type Transaction struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"org_id"`
	Type      string          `json:"type"`   // top_up
	Status    string          `json:"status"` // pending, completed, failed
	Amount    decimal.Decimal `json:"amount"`
	PaymentID string          `json:"payment_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Transaction types and statuses.
const (
	TxTopUp = "top_up"

	TxPending   = "pending"
	TxCompleted = "completed"
	TxFailed    = "failed"
)

// --- Stats ---

// UsageMinute is one minute bucket of activity for a model or a
// model/provider mapping. Token sums exclude cached rows; LogsCount and
// CachedCount include them.
type UsageMinute struct {
	ModelID          string    `json:"model_id"`
	ProviderID       string    `json:"provider_id,omitempty"` // empty for per-model buckets
	Minute           time.Time `json:"minute"`
	LogsCount        int64     `json:"logs_count"`
	CachedCount      int64     `json:"cached_count"`
	ErrorsCount      int64     `json:"errors_count"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	AvgDuration      float64   `json:"avg_duration"`
	AvgTimeToFirst   float64   `json:"avg_time_to_first_token"`
}

// StatsRollup is a 5-minute denormalized aggregate for a catalog entity.
type StatsRollup struct {
	Kind           string    `json:"kind"`      // which stats table the row lands in
	EntityID       string    `json:"entity_id"` // model id, provider id, or mapping key
	Requests       int64     `json:"requests"`
	Errors         int64     `json:"errors"`
	PromptTokens   int64     `json:"prompt_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	AvgDuration    float64   `json:"avg_duration"`
	AvgTimeToFirst float64   `json:"avg_time_to_first_token"`
	UpdatedAt      time.Time `json:"stats_updated_at"`
}

// Rollup kinds.
const (
	RollupMapping  = "mapping"
	RollupModel    = "model"
	RollupProvider = "provider"
)

// MappingKey is the canonical "provider/model" identity of a catalog mapping,
// used to key per-mapping minute buckets and rollups.
func MappingKey(providerID, modelID string) string { return providerID + "/" + modelID }

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new metadata
// if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Durin API keys.
const APIKeyPrefix = "drn_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Service interfaces ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// CredentialStore resolves the upstream credential for an org/provider pair.
// Lookup falls back from the org's own key to the gateway-owned key (reserved
// empty org id). Absence is reported as ErrNotFound.
type CredentialStore interface {
	ProviderToken(ctx context.Context, orgID, providerID string) (string, error)
}

// PaymentProvider charges an organization during auto top-up. Implementations
// live outside this repo; tests use a fake.
type PaymentProvider interface {
	Charge(ctx context.Context, orgID string, amount decimal.Decimal) (paymentID string, err error)
}
