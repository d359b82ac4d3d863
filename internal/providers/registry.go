package providers

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/domain"
)

// Registry resolves provider adapters by id. Adapters are registered once at
// startup from the enabled-provider configuration; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	log      zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		log:      log.With().Str("component", "provider_registry").Logger(),
	}
}

// Register adds an adapter under its descriptor id. Registering the same id
// twice replaces the previous adapter.
func (r *Registry) Register(a Adapter) {
	d := a.Descriptor()
	r.mu.Lock()
	r.adapters[d.ID] = a
	r.mu.Unlock()

	r.log.Info().
		Str("provider_id", d.ID).
		Str("integration_type", string(d.IntegrationType)).
		Str("granularity", string(d.SyncGranularity)).
		Msg("Provider registered")
}

// Get returns the adapter for a provider id.
func (r *Registry) Get(providerID string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[providerID]
	r.mu.RUnlock()
	if !ok {
		return nil, &domain.ProviderNotFoundError{ProviderID: providerID}
	}
	return a, nil
}

// Descriptors lists all registered providers, sorted by id.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Descriptor, 0, len(r.adapters))
	for _, a := range r.adapters {
		result = append(result, a.Descriptor())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
