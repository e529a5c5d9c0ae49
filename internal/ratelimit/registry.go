package ratelimit

import (
	"fmt"
	"sync"

	"github.com/diagramflow/core/internal/domain"
)

// Registry holds one Limiter per configured provider. The LLM Facade looks
// up a provider's Limiter by id; there is no implicit global registry — the
// composition root builds one Registry and injects it.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry builds a Registry with one Limiter per entry in configs.
func NewRegistry(configs map[string]ProviderConfig, store Store, clock domain.Clock) (*Registry, error) {
	r := &Registry{limiters: make(map[string]*Limiter, len(configs))}
	for providerID, cfg := range configs {
		if !cfg.Scope.IsValid() {
			return nil, fmt.Errorf("provider %q: invalid rate limiter scope %q", providerID, cfg.Scope)
		}
		if cfg.Scope == domain.ScopeGlobal && store == nil {
			return nil, fmt.Errorf("provider %q: global scope requires a coordination store", providerID)
		}
		r.limiters[providerID] = New(providerID, cfg, store, clock)
	}
	return r, nil
}

// For returns the Limiter for providerID, or false if no provider with that
// id was configured.
func (r *Registry) For(providerID string) (*Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[providerID]
	return l, ok
}
