package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/TaskExport/internal/model"
)

func entry() *model.CacheEntry {
	return &model.CacheEntry{
		ExportID:  "abc",
		FilePath:  "/tmp/exports/abc.csv",
		Filename:  "abc.csv",
		MimeType:  "text/csv",
		FileSize:  42,
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	c := NewRedisCache(rc)
	key := model.CacheKey("abc")

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got, "miss is nil without error")

	require.NoError(t, c.Set(ctx, key, entry(), 30*time.Minute))
	assert.True(t, mr.Exists("export_data:abc"))
	got, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, entry(), got)

	mr.FastForward(31 * time.Minute)
	got, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got, "entry expires after its ttl")

	require.NoError(t, c.Set(ctx, key, entry(), time.Minute))
	require.NoError(t, c.Delete(ctx, key))
	got, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisCacheUnavailable(t *testing.T) {
	rc := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { rc.Close() })
	_, err := NewRedisCache(rc).Get(context.Background(), "export_data:x")
	assert.Error(t, err)
}

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(8, 50*time.Millisecond)

	got, err := c.Get(ctx, "export_data:abc")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.Set(ctx, "export_data:abc", entry(), 0))
	got, err = c.Get(ctx, "export_data:abc")
	require.NoError(t, err)
	assert.Equal(t, entry(), got)

	assert.Eventually(t, func() bool {
		got, _ := c.Get(ctx, "export_data:abc")
		return got == nil
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Set(ctx, "export_data:abc", entry(), 0))
	require.NoError(t, c.Delete(ctx, "export_data:abc"))
	got, _ = c.Get(ctx, "export_data:abc")
	assert.Nil(t, got)
}
