package carrier

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages registered carrier integrations, keyed by name.
type Registry struct {
	integrations map[string]Integration
	mu           sync.RWMutex
}

// NewRegistry creates a new integration registry.
func NewRegistry() *Registry {
	return &Registry{
		integrations: make(map[string]Integration),
	}
}

// Register adds an integration to the registry.
func (r *Registry) Register(i Integration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.integrations[i.Name()] = i
}

// Get returns an integration by name.
func (r *Registry) Get(name string) (Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.integrations[name]; ok {
		return i, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, name)
}

// All returns all registered integrations ordered by name.
func (r *Registry) All() []Integration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Integration, 0, len(r.integrations))
	for _, i := range r.integrations {
		result = append(result, i)
	}
	sort.Slice(result, func(a, b int) bool { return result[a].Name() < result[b].Name() })
	return result
}

// Names returns the sorted names of all registered integrations.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.integrations))
	for name := range r.integrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered integrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.integrations)
}
