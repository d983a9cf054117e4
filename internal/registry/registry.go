// Package registry maps a job envelope's class name to the handler
// function that knows how to perform it.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/joblet/joblet/internal/job"
)

// HandlerFunc performs one job envelope. It receives the envelope so it
// can unmarshal its own positional args in whatever shape it expects.
type HandlerFunc func(ctx context.Context, e *job.Envelope) error

// UnknownHandlerError is raised when a job's class has no registered
// handler. It flows through the normal retry/death engine like any other
// user exception rather than crashing the processor loop.
type UnknownHandlerError struct {
	Class string
}

func (e *UnknownHandlerError) Error() string {
	return fmt.Sprintf("registry: no handler registered for class %q", e.Class)
}

// Registry is a concurrency-safe name -> factory map populated at startup
// and read-only thereafter once workers start.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New creates an empty handler registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds or replaces the handler for a class name.
func (r *Registry) Register(class string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[class] = handler
}

// Get retrieves the handler registered for class, if any.
func (r *Registry) Get(class string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[class]
	return h, ok
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Perform looks up and invokes the handler for e.Class, returning
// *UnknownHandlerError if none is registered.
func (r *Registry) Perform(ctx context.Context, e *job.Envelope) error {
	handler, ok := r.Get(e.Class)
	if !ok {
		return &UnknownHandlerError{Class: e.Class}
	}
	return handler(ctx, e)
}
