package tools

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Registry manages available tools with thread-safe operations.
type Registry interface {
	Register(def Definition) error
	Get(name string) (*Definition, error)
	List() []Definition
	Unregister(name string) error

	Clone() Registry
	Subset(names []string) Registry
}

// InMemoryRegistry is a thread-safe in-memory implementation of Registry.
type InMemoryRegistry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		defs: make(map[string]Definition),
	}
}

// Register adds a tool to the registry, replacing any existing definition
// with the same name.
func (r *InMemoryRegistry) Register(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def.Name == "" {
		return errors.New("tool name cannot be empty")
	}
	if def.Handler == nil {
		return errors.Errorf("tool %s has no handler", def.Name)
	}

	r.defs[def.Name] = def
	return nil
}

// Get retrieves a tool by name, returning a copy so callers cannot modify
// the registered definition.
func (r *InMemoryRegistry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.defs[name]
	if !exists {
		return nil, errors.Errorf("tool not found: %s", name)
	}

	defCopy := def
	return &defCopy, nil
}

// List returns all registered tools in name order.
func (r *InMemoryRegistry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unregister removes a tool from the registry.
func (r *InMemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[name]; !exists {
		return errors.Errorf("tool not found: %s", name)
	}
	delete(r.defs, name)
	return nil
}

// Clone creates a copy of the registry.
func (r *InMemoryRegistry) Clone() Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cloned := NewInMemoryRegistry()
	for name, def := range r.defs {
		cloned.defs[name] = def
	}
	return cloned
}

// Subset returns a new registry containing only the named tools; names not
// present are skipped.
func (r *InMemoryRegistry) Subset(names []string) Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub := NewInMemoryRegistry()
	for _, name := range names {
		if def, ok := r.defs[name]; ok {
			sub.defs[name] = def
		}
	}
	return sub
}

// Has checks whether a tool exists in the registry.
func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.defs[name]
	return exists
}

// Count returns the number of registered tools.
func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.defs)
}
