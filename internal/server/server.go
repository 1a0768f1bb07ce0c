// Package server implements the HTTP transport layer for the Durin gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/app"
	"github.com/durinhq/durin/internal/catalog"
	"github.com/durinhq/durin/internal/ratelimit"
	"github.com/durinhq/durin/internal/storage"
	"github.com/durinhq/durin/internal/telemetry"
)

// Pinger probes a dependency within the caller's context deadline.
type Pinger func(ctx context.Context) error

// LogSink receives completed request records for the usage worker. Pushes
// must never block a response; failures count as drops.
type LogSink interface {
	Push(ctx context.Context, rec *gateway.LogRecord) error
}

// KeyInvalidator evicts cached auth records after key mutations.
type KeyInvalidator interface {
	InvalidateByKeyID(keyID string)
}

// FreeQuota gates requests to free catalog models per organization.
type FreeQuota interface {
	Allow(ctx context.Context, orgID, model string, credits decimal.Decimal) (ratelimit.Result, error)
}

// CreateGate throttles key creation per project with growing delays.
type CreateGate interface {
	Check(ctx context.Context, prefix, id string) (ratelimit.Result, error)
	Reset(ctx context.Context, prefix, id string) error
}

// TokenCounter estimates token counts when a provider omits usage.
type TokenCounter interface {
	EstimateRequest(model string, messages []gateway.Message) int
	CountText(model, text string) int
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           gateway.Authenticator
	Router         *app.Router
	Dispatcher     *app.Dispatcher
	Keys           *app.KeyManager
	Store          storage.Store
	Registry       *catalog.Registry
	Logs           LogSink            // nil = records are not enqueued
	FreeQuota      FreeQuota          // nil = free models unmetered
	KeyGate        CreateGate         // nil = key creation unthrottled
	Cache          Cache              // nil = no response caching
	TokenCounter   TokenCounter       // nil = no usage estimation
	Metrics        *telemetry.Metrics // nil = no metrics
	MetricsHandler http.Handler       // nil = /metrics not mounted
	Invalidator    KeyInvalidator     // nil = no auth cache eviction
	RedisPing      Pinger             // nil = KV reported connected
	Version        string
	CORSOrigins    []string
	HealthTimeout  time.Duration // per-probe budget on GET /; zero = 5s
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps, origins: make(map[string]bool, len(deps.CORSOrigins))}
	for _, o := range deps.CORSOrigins {
		s.origins[o] = true
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(s.cors)

	// System endpoints (no auth)
	r.Get("/", s.handleHealth)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Authenticated surface: the OpenAI-compatible API plus key management.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/models", s.handleListModels)

		r.Route("/keys/api", func(r chi.Router) {
			r.Post("/", s.handleCreateKey)
			r.Get("/", s.handleListKeys)
			r.Patch("/{id}", s.handleUpdateKey)
			r.Delete("/{id}", s.handleDeleteKey)
			r.Patch("/limit/{id}", s.handleSetKeyLimit)
			r.Post("/{id}/iam", s.handleCreateIamRule)
			r.Get("/{id}/iam", s.handleListIamRules)
			r.Patch("/{id}/iam/{ruleID}", s.handleUpdateIamRule)
			r.Delete("/{id}/iam/{ruleID}", s.handleDeleteIamRule)
		})

		r.Get("/activity", s.handleActivity)
		r.Get("/logs", s.handleQueryLogs)
	})

	return r
}

type server struct {
	deps    Deps
	origins map[string]bool
}
