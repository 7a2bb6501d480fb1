package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dharsanguruparan/TaskExport/internal/metrics"
	"github.com/dharsanguruparan/TaskExport/internal/model"
	"github.com/dharsanguruparan/TaskExport/internal/store"
)

// LRUCache is the in-process cache for the memory queue backend. The TTL is
// fixed at construction; the per-call ttl is ignored because expirable.LRU
// has a single lifetime for all entries.
type LRUCache struct {
	lru *expirable.LRU[string, model.CacheEntry]
}

var _ store.CacheStore = (*LRUCache)(nil)

// NewLRUCache builds a cache of at most size entries living ttl each.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{lru: expirable.NewLRU[string, model.CacheEntry](size, nil, ttl)}
}

func (c *LRUCache) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	entry, ok := c.lru.Get(key)
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, nil
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return &entry, nil
}

// Set adds or replaces the entry; replacing restarts its lifetime.
func (c *LRUCache) Set(ctx context.Context, key string, entry *model.CacheEntry, ttl time.Duration) error {
	c.lru.Add(key, *entry)
	return nil
}

func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}
