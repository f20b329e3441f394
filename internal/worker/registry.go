// Package worker claims PENDING executions and runs their handlers
// under a bounded concurrency pool with per-execution timeouts.
package worker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fairyhunter13/jobu/internal/domain"
)

// Registry maps handler names to implementations. Registration happens
// at process start; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]domain.Handler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]domain.Handler)}
}

// Register binds name to h, replacing any previous binding.
func (r *Registry) Register(name string, h domain.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get resolves a handler by name.
func (r *Registry) Get(name string) (domain.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("op=worker.resolve handler=%q: %w", name, domain.ErrHandlerNotFound)
	}
	return h, nil
}

// Names lists registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
