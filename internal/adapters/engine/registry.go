package engine

import (
	"fmt"
	"sync"

	"github.com/eleven-am/strand/internal/domain"
	"github.com/eleven-am/strand/internal/ports"
)

// Registry maps the closed set of node classes to the executors supplied
// by external collaborators. Both classes must be registered before any
// workflow that uses them starts.
type Registry struct {
	mu        sync.RWMutex
	executors map[domain.NodeClass]ports.Executor
}

func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[domain.NodeClass]ports.Executor),
	}
}

func (r *Registry) Register(class domain.NodeClass, executor ports.Executor) error {
	if !class.Valid() {
		return fmt.Errorf("unknown node class %q", class)
	}
	if executor == nil {
		return fmt.Errorf("nil executor for class %q", class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.executors[class] = executor
	return nil
}

func (r *Registry) Get(class domain.NodeClass) (ports.Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executor, ok := r.executors[class]
	if !ok {
		return nil, fmt.Errorf("no executor registered for class %q: %w", class, domain.ErrNotFound)
	}
	return executor, nil
}
