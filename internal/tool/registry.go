package tool

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is returned by Lookup for names not in the registry.
var ErrUnknownTool = errors.New("unknown tool")

// Registry holds the tools of one agent. Names are case-sensitive and
// unique within a registry.
//
// Registries are populated at startup and read-only afterwards, so
// lookups need no locking.
type Registry struct {
	byName map[string]*Spec
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Spec)}
}

// Register adds a spec, rejecting duplicate names.
func (r *Registry) Register(s *Spec) error {
	if s == nil {
		return fmt.Errorf("nil tool spec")
	}
	if _, exists := r.byName[s.Name]; exists {
		return fmt.Errorf("duplicate tool %q", s.Name)
	}
	r.byName[s.Name] = s
	r.order = append(r.order, s.Name)
	return nil
}

// Lookup returns the spec for name, or ErrUnknownTool.
func (r *Registry) Lookup(name string) (*Spec, error) {
	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return s, nil
}

// Specs returns all specs in registration order.
func (r *Registry) Specs() []*Spec {
	specs := make([]*Spec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.byName[name])
	}
	return specs
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	return len(r.order)
}
