package pipeline

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Cache is the process-wide pipeline cache. On-demand (meta) pipeline
// compilation happens under its lock; lookups for already-built
// pipelines are cheap. The cache identifies its contents with a UUID
// so serialized blobs from a different build are rejected wholesale.
//
// Cache is safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	id        uuid.UUID
	pipelines map[string]Pipeline

	// Statistics.
	hits   uint64
	misses uint64
}

// NewCache creates an empty pipeline cache with a fresh UUID.
func NewCache() *Cache {
	return &Cache{
		id:        uuid.New(),
		pipelines: make(map[string]Pipeline),
	}
}

// UUID returns the cache identity.
func (c *Cache) UUID() uuid.UUID { return c.id }

// GetOrBuild returns the cached pipeline for key, building and
// caching it on a miss. The build callback runs under the cache lock,
// matching the source contract that on-demand compilation is
// serialized process-wide.
func (c *Cache) GetOrBuild(key string, build func() (Pipeline, error)) (Pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pipelines[key]; ok {
		c.hits++
		return p, nil
	}
	c.misses++
	p, err := build()
	if err != nil {
		return nil, fmt.Errorf("pipeline: build %q: %w", key, err)
	}
	c.pipelines[key] = p
	return p, nil
}

// Stats returns the hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Destroy destroys every cached pipeline and empties the cache.
func (c *Cache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, p := range c.pipelines {
		p.Destroy()
		delete(c.pipelines, k)
	}
}
