// Package cache provides small in-process caches for lookup results that
// change only across deployments, such as the system settlement category.
package cache

import (
	"context"
	"sync"
)

// Value is a single-slot cache guarding one loaded value. It is owned by and
// injected into the service that needs it, with explicit invalidation so
// tests control its lifecycle deterministically.
type Value[T any] struct {
	mu     sync.Mutex
	loaded bool
	value  T
}

// Get returns the cached value and whether one is present.
func (c *Value[T]) Get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.loaded
}

// Set stores a value, replacing any previous one.
func (c *Value[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.loaded = true
}

// Invalidate clears the slot; the next GetOrLoad reloads.
func (c *Value[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.loaded = false
}

// GetOrLoad returns the cached value, loading it with load on a miss. The
// lock is held across the load so concurrent callers do not stampede the
// underlying lookup; loads are expected to be quick point queries.
func (c *Value[T]) GetOrLoad(ctx context.Context, load func(context.Context) (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.value, nil
	}
	v, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.value = v
	c.loaded = true
	return v, nil
}
