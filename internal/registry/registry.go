// Package registry holds the id → provider map for one invocation.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jkudish/librarium/internal/provider"
)

// Registry maps provider ids to providers. Read-only after
// initialization; Reset rebuilds under a single-threaded assumption.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]provider.Provider
	order     []string
}

func New() *Registry {
	return &Registry{providers: make(map[string]provider.Provider)}
}

// Register adds p under its descriptor id. Duplicate ids are an error;
// provider ids are globally unique.
func (r *Registry) Register(p provider.Provider) error {
	d := p.Descriptor()
	if !provider.ValidIDChars(d.ID) {
		return fmt.Errorf("invalid provider id %q", d.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[d.ID]; exists {
		return fmt.Errorf("provider id %q already registered", d.ID)
	}
	r.providers[d.ID] = p
	r.order = append(r.order, d.ID)
	return nil
}

// Get resolves id, following the legacy-id alias table, so old configs and
// scripts keep working against renamed built-ins.
func (r *Registry) Get(id string) (provider.Provider, bool) {
	canonical, _ := provider.CanonicalID(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[canonical]
	return p, ok
}

// Has reports whether id (or its canonical form) is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// IsBuiltin reports whether id names a registered built-in provider.
func (r *Registry) IsBuiltin(id string) bool {
	p, ok := r.Get(id)
	return ok && p.Descriptor().Source == provider.SourceBuiltin
}

// IDs returns the registered ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SortedIDs returns the registered ids alphabetically, for display.
func (r *Registry) SortedIDs() []string {
	ids := r.IDs()
	sort.Strings(ids)
	return ids
}

// Reset clears every registration.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[string]provider.Provider)
	r.order = nil
}
