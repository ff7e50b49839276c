package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Func is a task body. Its return value is stored as the task result after
// JSON encoding.
type Func func(ctx context.Context, args json.RawMessage) (any, error)

// Registry maps task names to bodies.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name. Names are unique and the resvd. prefix is
// reserved for coordination tasks.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return fmt.Errorf("tasks: name and func required")
	}
	if isCoordination(name) {
		return fmt.Errorf("tasks: %q is reserved", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("tasks: %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the body registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names lists registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
