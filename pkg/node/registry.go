package node

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a node instance from its descriptor id and config.
type Factory func(id string, cfg map[string]any) (Node, error)

// Registry maps node type names to capability descriptors and
// factories. This enables runtime selection from graph descriptors
// without if/else chains in engine code.
type Registry struct {
	mu    sync.RWMutex
	types map[string]entry
}

type entry struct {
	caps    Capabilities
	factory Factory
}

// Global default registry
var defaultRegistry = NewRegistry()

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]entry)}
}

// Register adds a node type to the registry. Registering the same type
// name twice panics: it is a programmer error at init time.
func (r *Registry) Register(caps Capabilities, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caps.Type == "" {
		panic("node: Register called with empty type name")
	}
	if _, dup := r.types[caps.Type]; dup {
		panic(fmt.Sprintf("node: type %q registered twice", caps.Type))
	}
	r.types[caps.Type] = entry{caps: caps, factory: factory}
}

// Caps returns the capability descriptor for a type name.
func (r *Registry) Caps(typeName string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.types[typeName]
	return e.caps, ok
}

// New constructs a node instance of the given type.
func (r *Registry) New(typeName, id string, cfg map[string]any) (Node, error) {
	r.mu.RLock()
	e, ok := r.types[typeName]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown node type: %s", typeName)
	}
	return e.factory(id, cfg)
}

// Types returns the sorted list of registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the process-wide registry that built-in node types
// register into from their init functions.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a node type to the default registry.
func Register(caps Capabilities, factory Factory) {
	defaultRegistry.Register(caps, factory)
}
