package feature

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when no definition is registered under a name.
var ErrNotFound = errors.New("feature not found")

// Registry maps feature names and aliases to definitions.
// It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]Definition)}
}

// Register stores def under id and under each of its aliases. A later
// registration for the same name replaces the earlier one.
func (r *Registry) Register(id string, def Definition) {
	if def.ID == "" {
		def.ID = id
	}
	def.Aliases = append([]string(nil), def.Aliases...)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.definitions[id] = def
	for _, alias := range def.Aliases {
		r.definitions[alias] = def
	}
}

// Resolve looks up a definition by id or alias.
func (r *Registry) Resolve(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return def, nil
}

// Has reports whether id or an alias named id is registered.
func (r *Registry) Has(id string) bool {
	_, err := r.Resolve(id)
	return err == nil
}

// Names returns every registered name, aliases included, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
