// Package retain keeps terminal workflow snapshots readable for a bounded
// window after they finish. Entries expire on read or on the periodic sweep,
// whichever comes first; the SQLite archive holds the durable copy.
package retain

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache holds recently finished values keyed by id.
type Cache[V any] struct {
	cache *gocache.Cache
}

// New builds a cache whose entries live for ttl, swept every interval.
func New[V any](ttl, sweep time.Duration) *Cache[V] {
	return &Cache[V]{cache: gocache.New(ttl, sweep)}
}

// Put stores v under id for the retention window.
func (c *Cache[V]) Put(id string, v V) {
	c.cache.SetDefault(id, v)
}

// Get returns the value under id if it has not expired.
func (c *Cache[V]) Get(id string) (V, bool) {
	raw, found := c.cache.Get(id)
	if !found {
		var zero V
		return zero, false
	}
	return raw.(V), true
}

// Items returns a copy of every unexpired entry.
func (c *Cache[V]) Items() map[string]V {
	raw := c.cache.Items()
	out := make(map[string]V, len(raw))
	for id, item := range raw {
		out[id] = item.Object.(V)
	}
	return out
}
