// Package cache holds the advisory artifact cache. Entries only save a history
// lookup; losing them never loses data.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dharsanguruparan/TaskExport/internal/metrics"
	"github.com/dharsanguruparan/TaskExport/internal/model"
	"github.com/dharsanguruparan/TaskExport/internal/store"
)

// RedisCache stores entries as JSON strings with a TTL.
type RedisCache struct {
	rc *redis.Client
}

var _ store.CacheStore = (*RedisCache)(nil)

// NewRedisCache wraps a go-redis client.
func NewRedisCache(rc *redis.Client) *RedisCache {
	return &RedisCache{rc: rc}
}

// Get returns (nil, nil) on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (*model.CacheEntry, error) {
	raw, err := c.rc.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.CacheLookups.WithLabelValues("miss").Inc()
			return nil, nil
		}
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("get cache %s: %w", key, err)
	}
	var entry model.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode cache %s: %w", key, err)
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return &entry, nil
}

// Set writes entry with ttl; a zero ttl keeps the key until deleted.
func (c *RedisCache) Set(ctx context.Context, key string, entry *model.CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache %s: %w", key, err)
	}
	if err := c.rc.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set cache %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.rc.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete cache %s: %w", key, err)
	}
	return nil
}
