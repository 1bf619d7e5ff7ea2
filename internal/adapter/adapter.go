// Package adapter defines the source adapter contract and the registry the
// orchestrator iterates over each cycle.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/fetcher"
	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
)

// Adapter retrieves candidate records from one external portal. Adapters never
// touch the store. A partially successful fetch returns the records it has
// together with an *opportunity.AdapterError whose Partial flag is set.
type Adapter interface {
	ID() string
	Fetch(ctx context.Context) ([]opportunity.CandidateRecord, error)
}

// Limiter applies per-host politeness.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Spec is the configuration of one source.
type Spec struct {
	ID       string
	Kind     string
	URL      string
	Headless bool
	Options  map[string]string
}

// Deps are the shared collaborators handed to builders.
type Deps struct {
	Static   fetcher.Fetcher
	Headless fetcher.Fetcher
	Limiter  Limiter
	Logger   *zap.Logger
}

// Builder constructs an adapter from its spec.
type Builder func(spec Spec, deps Deps) (Adapter, error)

// Kinds maps adapter kinds to their builders.
type Kinds map[string]Builder

// Build constructs every spec and registers it.
func (k Kinds) Build(specs []Spec, deps Deps) (*Registry, error) {
	reg := NewRegistry()
	for _, spec := range specs {
		build, ok := k[spec.Kind]
		if !ok {
			return nil, fmt.Errorf("source %s: unknown adapter kind %q", spec.ID, spec.Kind)
		}
		a, err := build(spec, deps)
		if err != nil {
			return nil, fmt.Errorf("build source %s: %w", spec.ID, err)
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Registry keeps adapters keyed by ID.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register adds a; duplicate or empty IDs are rejected.
func (r *Registry) Register(a Adapter) error {
	if a == nil || a.ID() == "" {
		return fmt.Errorf("adapter id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.ID()]; exists {
		return fmt.Errorf("adapter %s is already registered", a.ID())
	}
	r.adapters[a.ID()] = a
	return nil
}

// Get returns an adapter by ID.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[id]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("adapter %s is not registered", id)
}

// All returns every adapter sorted by ID.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len reports the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// Func adapts a function to the Adapter interface.
type Func struct {
	Name string
	Fn   func(ctx context.Context) ([]opportunity.CandidateRecord, error)
}

// ID implements Adapter.
func (f Func) ID() string { return f.Name }

// Fetch implements Adapter.
func (f Func) Fetch(ctx context.Context) ([]opportunity.CandidateRecord, error) {
	return f.Fn(ctx)
}
