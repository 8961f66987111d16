package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps task refs to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register adds a handler. Names are trimmed; duplicates are rejected.
func (r *Registry) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if h == nil {
		return fmt.Errorf("task %q: handler is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("task %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for init-time wiring.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	h, ok := r.handlers[strings.TrimSpace(name)]
	r.mu.RUnlock()
	return h, ok
}

// Names returns the registered task refs, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
