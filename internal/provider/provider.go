// Package provider implements the adapter registry and the plumbing shared
// by the upstream LLM adapters: the tuned HTTP transport, upstream error
// parsing, usage extraction, and image inlining.
package provider

import (
	"fmt"
	"slices"
	"sync"

	gateway "github.com/durinhq/durin/internal"
)

// Registry maps catalog provider ids to gateway.Provider adapters. A family
// adapter (openai, anthropic, google, compat) is typically registered under
// several catalog ids. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]gateway.Provider
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]gateway.Provider)}
}

// Register adds an adapter under the given catalog provider id.
// It overwrites any previously registered adapter with the same id.
func (r *Registry) Register(providerID string, p gateway.Provider) {
	r.mu.Lock()
	r.adapters[providerID] = p
	r.mu.Unlock()
}

// Get returns the adapter for a catalog provider id. A miss is a gateway
// fault: the router only routes to providers that were wired at startup.
func (r *Registry) Get(providerID string) (gateway.Provider, error) {
	r.mu.RLock()
	p, ok := r.adapters[providerID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered: %w", providerID, gateway.ErrGateway)
	}
	return p, nil
}

// List returns a sorted slice of all registered provider ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := slices.Collect(func(yield func(string) bool) {
		for id := range r.adapters {
			if !yield(id) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// RewriteSystemRole rewrites system and developer turns to user turns for
// models that do not accept a system role. The input slice is not modified.
func RewriteSystemRole(msgs []gateway.Message, supportsSystem bool) []gateway.Message {
	if supportsSystem {
		return msgs
	}
	out := make([]gateway.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].Role == "system" || out[i].Role == "developer" {
			out[i].Role = "user"
		}
	}
	return out
}
