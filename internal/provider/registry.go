package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Factory is a function that creates a new Adapter instance.
type Factory func() Adapter

// Registry manages registered provider adapters. Adapters register
// themselves at init time; the engine looks them up by provider name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// globalRegistry is the default registry used by Register and New.
var globalRegistry = &Registry{
	factories: make(map[string]Factory),
}

// Register adds an adapter factory to the global registry.
// Typically called from adapter init() functions. Names are lowercase
// (e.g. "github", "csv").
func Register(name string, factory Factory) {
	globalRegistry.Register(name, factory)
}

// New creates a new instance of the named adapter from the global registry.
func New(name string) (Adapter, error) {
	return globalRegistry.New(name)
}

// List returns the names of all registered adapters.
func List() []string {
	return globalRegistry.List()
}

// IsRegistered checks the global registry for the named adapter.
func IsRegistered(name string) bool {
	return globalRegistry.IsRegistered(name)
}

// Register adds an adapter factory to this registry.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New creates a new instance of the named adapter.
func (r *Registry) New(name string) (Adapter, error) {
	r.mu.RLock()
	factory := r.factories[name]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unknown provider %q (available: %v)", name, r.List())
	}
	return factory(), nil
}

// List returns the names of all registered adapters, sorted alphabetically.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if an adapter with the given name is registered.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Clear removes all registered adapters. Used primarily for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
}
