package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Info pairs a registered type name with the plugin's advertised metadata.
type Info struct {
	Type     string   `json:"type"`
	Metadata Metadata `json:"metadata"`
}

// Registry maps generator type names to plugin factories. Registration
// happens once at startup; lookups are concurrent.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a plugin factory under the given type name, replacing any
// previous registration for that name.
func (r *Registry) Register(typeName string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeName] = f
}

// Resolve returns the factory for the given type name.
func (r *Registry) Resolve(typeName string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[typeName]
	if !ok {
		return nil, fmt.Errorf("plugin %q is not registered", typeName)
	}
	return f, nil
}

// IsRegistered reports whether a plugin is registered under the type name.
func (r *Registry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeName]
	return ok
}

// List returns metadata for all registered plugins, sorted by type name for
// a stable API response. Each factory is invoked once to read its metadata.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.factories))
	for name, f := range r.factories {
		infos = append(infos, Info{Type: name, Metadata: f().Info()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}
