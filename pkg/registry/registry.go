// Package registry holds the routable model table and per-provider circuit
// breakers. The static descriptor fields come from config; health is the
// only mutable field and is derived from breaker state and explicit marks.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/helix-runtime/helixd/pkg/models"
)

// Registry is safe for concurrent use. All accessors return defensive copies.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]models.ModelDescriptor
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// New builds a registry from the configured descriptors. One circuit breaker
// is created per distinct provider.
func New(descriptors []models.ModelDescriptor) *Registry {
	r := &Registry{
		models:   make(map[string]models.ModelDescriptor, len(descriptors)),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   slog.Default().With("component", "registry"),
	}
	for _, d := range descriptors {
		r.models[d.ModelID] = d
		if _, ok := r.breakers[d.ProviderID]; !ok {
			r.breakers[d.ProviderID] = r.newBreaker(d.ProviderID)
		}
	}
	return r
}

func (r *Registry) newBreaker(providerID string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        providerID,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("Provider breaker state change",
				"provider", name, "from", from.String(), "to", to.String())
			r.setProviderHealth(name, healthForState(to))
		},
	})
}

func healthForState(s gobreaker.State) models.ModelHealth {
	switch s {
	case gobreaker.StateOpen:
		return models.HealthDown
	case gobreaker.StateHalfOpen:
		return models.HealthDegraded
	}
	return models.HealthUp
}

// Get returns the descriptor for modelID.
func (r *Registry) Get(modelID string) (models.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[modelID]
	return d, ok
}

// List returns all descriptors sorted by model id.
func (r *Registry) List() []models.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ModelDescriptor, 0, len(r.models))
	for _, d := range r.models {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Candidates returns the models carrying capability whose health is not
// down, cheapest input price first with output price and then model id as
// tie-breaks.
func (r *Registry) Candidates(capability string) []models.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.ModelDescriptor
	for _, d := range r.models {
		if d.Health != models.HealthDown && d.HasCapability(capability) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriceInPer1K != out[j].PriceInPer1K {
			return out[i].PriceInPer1K < out[j].PriceInPer1K
		}
		if out[i].PriceOutPer1K != out[j].PriceOutPer1K {
			return out[i].PriceOutPer1K < out[j].PriceOutPer1K
		}
		return out[i].ModelID < out[j].ModelID
	})
	return out
}

// SetHealth marks one model explicitly (adapter-level failures that are not
// provider-wide).
func (r *Registry) SetHealth(modelID string, h models.ModelHealth) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.models[modelID]; ok {
		d.Health = h
		r.models[modelID] = d
	}
}

func (r *Registry) setProviderHealth(providerID string, h models.ModelHealth) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, d := range r.models {
		if d.ProviderID == providerID {
			d.Health = h
			r.models[id] = d
		}
	}
}

// Breaker returns the circuit breaker guarding providerID, or nil if the
// provider is unknown.
func (r *Registry) Breaker(providerID string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[providerID]
}
