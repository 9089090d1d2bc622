package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKind is returned when no factory is registered for a kind.
var ErrUnknownKind = errors.New("worker: no factory registered")

// Registry maps worker kinds to their constructors.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[Kind]Factory{}}
}

// Register installs a factory. Returns an error if the kind is unknown or already registered.
func (r *Registry) Register(kind Kind, factory Factory) error {
	if !kind.Valid() {
		return fmt.Errorf("worker: unknown kind %q", kind)
	}
	if factory == nil {
		return fmt.Errorf("worker: factory is required for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("worker: %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Replace installs a factory, overwriting any previous one.
func (r *Registry) Replace(kind Kind, factory Factory) error {
	if !kind.Valid() {
		return fmt.Errorf("worker: unknown kind %q", kind)
	}
	if factory == nil {
		return fmt.Errorf("worker: factory is required for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(kind Kind, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Resolve constructs a worker of the given kind.
func (r *Registry) Resolve(kind Kind, deps Deps) (Worker, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrUnknownKind, kind)
	}
	w, err := factory(deps)
	if err != nil {
		return nil, fmt.Errorf("worker: failed to construct %s: %w", kind, err)
	}
	return w, nil
}

// Has reports whether kind has a factory.
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Func adapts a plain function to the Worker interface.
type Func struct {
	K  Kind
	Fn func(ctx context.Context) (Result, error)
}

func (f Func) Kind() Kind { return f.K }

func (f Func) Run(ctx context.Context) (Result, error) { return f.Fn(ctx) }
