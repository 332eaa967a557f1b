package module

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Cached shares fetched sources between resolvers. Concurrent fetches of the
// same specifier reach the underlying loader once. Failures are not cached.
type Cached struct {
	loader Loader
	group  singleflight.Group

	mu      sync.RWMutex
	sources map[string]Source

	fetches atomic.Int64
}

// NewCached wraps loader with a shared source cache.
func NewCached(loader Loader) *Cached {
	return &Cached{
		loader:  loader,
		sources: make(map[string]Source),
	}
}

func (c *Cached) Fetch(ctx context.Context, specifier string) (Source, error) {
	c.mu.RLock()
	src, ok := c.sources[specifier]
	c.mu.RUnlock()
	if ok {
		return src, nil
	}

	// The shared fetch outlives any single caller; each caller stops
	// waiting on its own cancellation.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(specifier, func() (any, error) {
		c.mu.RLock()
		src, ok := c.sources[specifier]
		c.mu.RUnlock()
		if ok {
			return src, nil
		}

		c.fetches.Add(1)
		src, err := c.loader.Fetch(fetchCtx, specifier)
		if err != nil {
			return Source{}, err
		}
		c.mu.Lock()
		c.sources[specifier] = src
		c.mu.Unlock()
		return src, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Source{}, res.Err
		}
		return res.Val.(Source), nil
	case <-ctx.Done():
		return Source{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// Invalidate drops a cached specifier.
func (c *Cached) Invalidate(specifier string) {
	c.mu.Lock()
	delete(c.sources, specifier)
	c.mu.Unlock()
}

// Len returns the number of cached sources.
func (c *Cached) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sources)
}

// Fetches returns how many times the underlying loader was called.
func (c *Cached) Fetches() int64 {
	return c.fetches.Load()
}
