// Package ratelimit bounds how many export jobs may start per sliding window.
// Callers queue up in Wait instead of being rejected.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/dharsanguruparan/TaskExport/internal/metrics"
)

// Limiter admits job starts.
type Limiter interface {
	// Wait blocks until a start is admitted or ctx is done.
	Wait(ctx context.Context) error
}

// reserver returns zero when a start was admitted and recorded, otherwise the
// time until the oldest recorded start leaves the window.
type reserver interface {
	reserve(ctx context.Context) (time.Duration, error)
}

func wait(ctx context.Context, r reserver) error {
	start := time.Now()
	defer func() { metrics.RateLimitWait.Observe(time.Since(start).Seconds()) }()
	for {
		d, err := r.reserve(ctx)
		if err != nil {
			return err
		}
		if d <= 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Window is an in-process sliding-log limiter shared by one pool.
type Window struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	starts []time.Time
	now    func() time.Time
}

// NewWindow admits at most limit starts in any window-long interval.
func NewWindow(limit int, window time.Duration) *Window {
	if limit < 1 {
		limit = 1
	}
	return &Window{limit: limit, window: window, now: time.Now}
}

// Wait implements Limiter.
func (w *Window) Wait(ctx context.Context) error {
	return wait(ctx, w)
}

func (w *Window) reserve(ctx context.Context) (time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	cutoff := now.Add(-w.window)
	kept := w.starts[:0]
	for _, s := range w.starts {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	w.starts = kept
	if len(w.starts) < w.limit {
		w.starts = append(w.starts, now)
		return 0, nil
	}
	d := w.starts[0].Add(w.window).Sub(now)
	if d <= 0 {
		d = time.Millisecond
	}
	return d, nil
}
