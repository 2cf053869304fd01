package handler

import (
	"fmt"
	"sync"

	"github.com/stackform-io/stackform/internal/ir"
)

// Registry manages resource handlers and the schemas of the types they own.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	types    map[string]*Registration
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		types:    make(map[string]*Registration),
	}
}

// RegisterHandler registers a handler under a name, e.g. "mem" or "null".
func (r *Registry) RegisterHandler(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler already registered: %s", name)
	}
	r.handlers[name] = h
	return nil
}

// RegisterType binds a resource type to a previously registered handler.
func (r *Registry) RegisterType(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[reg.Handler]; !ok {
		return fmt.Errorf("resource type %s references unknown handler %s", reg.Type, reg.Handler)
	}
	if _, exists := r.types[reg.Type]; exists {
		return fmt.Errorf("resource type already registered: %s", reg.Type)
	}
	r.types[reg.Type] = &reg
	return nil
}

// HandlerFor returns the handler owning a resource type.
func (r *Registry) HandlerFor(resourceType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.types[resourceType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for resource type %s", resourceType)
	}
	return r.handlers[reg.Handler], nil
}

// HandlerName returns the registered handler name for a resource type.
func (r *Registry) HandlerName(resourceType string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.types[resourceType]
	if !ok {
		return "", fmt.Errorf("no handler registered for resource type %s", resourceType)
	}
	return reg.Handler, nil
}

// SchemaFor returns the attribute schema of a resource type, or nil if the
// type is unknown.
func (r *Registry) SchemaFor(resourceType string) *ir.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if reg, ok := r.types[resourceType]; ok {
		return reg.Schema
	}
	return nil
}

// Types returns all registered resource type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	return out
}
