package taskqueue

import (
	"sort"
	"sync"
)

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// Registry maps task names to handlers.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for the given task name. The last registration wins.
func (r *Registry) Register(taskName string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskName] = handler
}

// Unregister removes the handler for the given task name.
func (r *Registry) Unregister(taskName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, taskName)
}

// Use appends middleware applied to every handler returned by Get,
// including handlers registered later. The first middleware is outermost.
func (r *Registry) Use(middleware ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, middleware...)
}

// Get returns the wrapped handler for the given task name.
func (r *Registry) Get(taskName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[taskName]
	if !ok {
		return nil, false
	}
	for i := len(r.middleware) - 1; i >= 0; i-- {
		handler = r.middleware[i](handler)
	}
	return handler, true
}

// Has checks if a handler is registered for the given task name.
func (r *Registry) Has(taskName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[taskName]
	return ok
}

// TaskNames returns all registered task names in sorted order.
func (r *Registry) TaskNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
