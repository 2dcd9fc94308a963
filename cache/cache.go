package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Invalidator drops every cached entity derived from the current identity.
type Invalidator interface {
	InvalidateAll()
}

// Loader fetches an entity on a cache miss.
type Loader[V any] func(ctx context.Context, id string) (V, error)

var _ Invalidator = (*EntityCache[any])(nil)

// EntityCache is a bounded read-through cache keyed by resource id.
type EntityCache[V any] struct {
	name    string
	entries *expirable.LRU[string, V]
}

// NewEntityCache holds at most size entries, each for at most ttl (0 disables expiry).
func NewEntityCache[V any](name string, size int, ttl time.Duration) *EntityCache[V] {
	return &EntityCache[V]{
		name:    name,
		entries: expirable.NewLRU[string, V](size, nil, ttl),
	}
}

// Get returns the cached entity for id or loads and caches it. Failed loads are not cached.
func (c *EntityCache[V]) Get(ctx context.Context, id string, load Loader[V]) (V, error) {
	if v, ok := c.entries.Get(id); ok {
		return v, nil
	}
	v, err := load(ctx, id)
	if err != nil {
		var zero V
		return zero, err
	}
	c.entries.Add(id, v)
	return v, nil
}

func (c *EntityCache[V]) Len() int {
	return c.entries.Len()
}

func (c *EntityCache[V]) InvalidateAll() {
	n := c.entries.Len()
	c.entries.Purge()
	log.Debug().Str("cache", c.name).Int("entries", n).Msg("cache invalidated")
}
