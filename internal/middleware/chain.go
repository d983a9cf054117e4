// Package middleware implements the ordered, composable interceptor
// pipeline invoked around every job execution.
package middleware

import (
	"context"
	"fmt"
	"sync"

	"github.com/joblet/joblet/internal/job"
)

// Next continues the chain; an interceptor that does not call it skips
// everything deeper, including the terminal action.
type Next func(ctx context.Context, e *job.Envelope) error

// Interceptor wraps one step of job execution around the rest of the chain.
type Interceptor func(ctx context.Context, e *job.Envelope, queue string, next Next) error

// Factory builds a fresh Interceptor instance for a single invocation,
// given the constructor arguments the entry was registered with.
type Factory func(args ...interface{}) Interceptor

type entry struct {
	key     string
	factory Factory
	args    []interface{}
}

// Chain is an ordered collection of middleware entries, keyed by identity
// so re-adding the same key replaces the existing entry rather than
// duplicating it. Chains are safe for concurrent Invoke, but mutation
// (Add/Remove/...) is expected to happen before processors start, per the
// spec's steady-state read-only discipline.
type Chain struct {
	mu      sync.RWMutex
	entries []entry
}

// NewChain returns an empty middleware chain.
func NewChain() *Chain {
	return &Chain{}
}

func (c *Chain) indexOf(key string) int {
	for i, e := range c.entries {
		if e.key == key {
			return i
		}
	}
	return -1
}

// Add appends factory under key, replacing any existing entry for key
// in place (same position) rather than duplicating it.
func (c *Chain) Add(key string, factory Factory, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexOf(key); i >= 0 {
		c.entries[i] = entry{key: key, factory: factory, args: args}
		return
	}
	c.entries = append(c.entries, entry{key: key, factory: factory, args: args})
}

// Prepend inserts factory at the head of the chain, replacing any existing
// entry for key.
func (c *Chain) Prepend(key string, factory Factory, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexOf(key); i >= 0 {
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
	}
	c.entries = append([]entry{{key: key, factory: factory, args: args}}, c.entries...)
}

// InsertBefore inserts factory immediately before the entry keyed anchor.
// Returns an error if anchor does not exist.
func (c *Chain) InsertBefore(anchor, key string, factory Factory, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexOf(key); i >= 0 {
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
	}

	idx := c.indexOf(anchor)
	if idx < 0 {
		return fmt.Errorf("middleware: no entry registered for anchor %q", anchor)
	}

	c.entries = append(c.entries, entry{})
	copy(c.entries[idx+1:], c.entries[idx:])
	c.entries[idx] = entry{key: key, factory: factory, args: args}
	return nil
}

// InsertAfter inserts factory immediately after the entry keyed anchor.
// Returns an error if anchor does not exist.
func (c *Chain) InsertAfter(anchor, key string, factory Factory, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexOf(key); i >= 0 {
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
	}

	idx := c.indexOf(anchor)
	if idx < 0 {
		return fmt.Errorf("middleware: no entry registered for anchor %q", anchor)
	}

	c.entries = append(c.entries, entry{})
	copy(c.entries[idx+2:], c.entries[idx+1:])
	c.entries[idx+1] = entry{key: key, factory: factory, args: args}
	return nil
}

// Remove deletes the entry keyed key. No-op if absent.
func (c *Chain) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexOf(key); i >= 0 {
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
	}
}

// Clear removes every entry.
func (c *Chain) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

// Exists reports whether key is currently registered.
func (c *Chain) Exists(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indexOf(key) >= 0
}

// Count returns the number of registered entries.
func (c *Chain) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a read-only snapshot of registered keys in chain order.
func (c *Chain) Entries() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, len(c.entries))
	for i, e := range c.entries {
		keys[i] = e.key
	}
	return keys
}

// Clone returns an independent copy of the chain; mutating the clone never
// affects the original (used to give server and client independent chains).
func (c *Chain) Clone() *Chain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cloned := &Chain{entries: make([]entry, len(c.entries))}
	copy(cloned.entries, c.entries)
	return cloned
}

// Invoke builds fresh interceptor instances from a consistent snapshot of
// the chain and composes them around terminal: entries run in list order
// on entry and reverse order on exit. If an interceptor does not invoke
// next, everything deeper — remaining interceptors and terminal — is
// skipped entirely.
func (c *Chain) Invoke(ctx context.Context, e *job.Envelope, queue string, terminal Next) error {
	c.mu.RLock()
	snapshot := make([]entry, len(c.entries))
	copy(snapshot, c.entries)
	c.mu.RUnlock()

	instances := make([]Interceptor, len(snapshot))
	for i, en := range snapshot {
		instances[i] = en.factory(en.args...)
	}

	var step func(i int) Next
	step = func(i int) Next {
		if i >= len(instances) {
			return terminal
		}
		idx := i
		return func(ctx context.Context, e *job.Envelope) error {
			return instances[idx](ctx, e, queue, step(idx+1))
		}
	}

	return step(0)(ctx, e)
}
