package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisWindow is a sliding-log limiter kept in a Redis sorted set, so every
// worker process sharing the key shares the budget.
type RedisWindow struct {
	rc     *redis.Client
	key    string
	limit  int
	window time.Duration
}

// NewRedisWindow admits at most limit starts per window across all holders of key.
func NewRedisWindow(rc *redis.Client, key string, limit int, window time.Duration) *RedisWindow {
	if limit < 1 {
		limit = 1
	}
	return &RedisWindow{rc: rc, key: key, limit: limit, window: window}
}

// Wait implements Limiter.
func (w *RedisWindow) Wait(ctx context.Context) error {
	return wait(ctx, w)
}

func (w *RedisWindow) reserve(ctx context.Context) (time.Duration, error) {
	now := time.Now()
	nowMs := now.UnixMilli()
	cutoff := strconv.FormatInt(nowMs-w.window.Milliseconds(), 10)
	member := uuid.NewString()

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := w.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, w.key, "-inf", cutoff)
		p.ZAdd(ctx, w.key, redis.Z{Score: float64(nowMs), Member: member})
		card = p.ZCard(ctx, w.key)
		oldest = p.ZRangeWithScores(ctx, w.key, 0, 0)
		p.PExpire(ctx, w.key, w.window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rate limit reserve: %w", err)
	}
	if card.Val() <= int64(w.limit) {
		return 0, nil
	}
	if err := w.rc.ZRem(ctx, w.key, member).Err(); err != nil {
		return 0, fmt.Errorf("rate limit release: %w", err)
	}
	d := w.window
	if zs := oldest.Val(); len(zs) > 0 {
		d = time.UnixMilli(int64(zs[0].Score)).Add(w.window).Sub(now)
	}
	if d <= 0 {
		d = time.Millisecond
	}
	return d, nil
}
