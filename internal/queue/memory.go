package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/TaskExport/internal/model"
)

// ErrQueueClosed is returned by Dequeue after Close.
var ErrQueueClosed = errors.New("queue is closed")

type memJob struct {
	handle      Handle
	job         model.ExportJob
	priority    Priority
	seq         uint64
	readyAt     time.Time
	attempts    int
	tried       int
	state       State
	progress    int
	lastErr     string
	completedAt time.Time
	index       int
}

// readyHeap orders eligible jobs by priority, then enqueue order.
type readyHeap []*memJob

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	j := x.(*memJob)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// delayHeap orders delayed jobs by eligibility time.
type delayHeap []*memJob

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *delayHeap) Push(x any) {
	j := x.(*memJob)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// MemoryQueue is an in-process Queue for single-process deployments and
// tests. Jobs do not survive a restart.
type MemoryQueue struct {
	mu            sync.Mutex
	jobs          map[string]*memJob
	ready         readyHeap
	delayed       delayHeap
	completed     []string
	failed        []string
	keepCompleted int
	keepFailed    int
	seq           uint64
	notify        chan struct{}
	closed        bool
	now           func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue keeps the last keepCompleted finished and keepFailed failed
// jobs for introspection.
func NewMemoryQueue(keepCompleted, keepFailed int) *MemoryQueue {
	return &MemoryQueue{
		jobs:          make(map[string]*memJob),
		keepCompleted: keepCompleted,
		keepFailed:    keepFailed,
		notify:        make(chan struct{}, 1),
		now:           time.Now,
	}
}

// Enqueue adds a job; it becomes eligible after opts.Delay.
func (q *MemoryQueue) Enqueue(ctx context.Context, job model.ExportJob, opts Options) (Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Handle{}, ErrQueueClosed
	}
	job.Priority = int(opts.Priority)
	job.Attempts = opts.attempts()
	job.Delay = opts.Delay
	q.seq++
	j := &memJob{
		handle:   Handle{ID: uuid.NewString(), Queue: QueueName(opts.Priority)},
		job:      job,
		priority: opts.Priority,
		seq:      q.seq,
		readyAt:  q.now().Add(opts.Delay),
		attempts: opts.attempts(),
	}
	q.jobs[j.handle.ID] = j
	if opts.Delay > 0 {
		j.state = StateScheduled
		heap.Push(&q.delayed, j)
	} else {
		j.state = StatePending
		heap.Push(&q.ready, j)
	}
	q.signal()
	return j.handle, nil
}

// Delivery is a job handed to a consumer. Exactly one of Done's outcomes is
// recorded per delivery.
type Delivery struct {
	Handle Handle
	Job    model.ExportJob
	q      *MemoryQueue
}

// SetProgress implements ProgressReporter.
func (d *Delivery) SetProgress(percent int) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	if j, ok := d.q.jobs[d.Handle.ID]; ok {
		j.progress = percent
	}
	return nil
}

// Done records the outcome. A failed job with attempts left goes back to the
// ready heap; otherwise it moves to the failed history.
func (d *Delivery) Done(runErr error) {
	q := d.q
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[d.Handle.ID]
	if !ok {
		return
	}
	if runErr == nil {
		j.state = StateCompleted
		j.completedAt = q.now()
		q.completed = q.remember(q.completed, j.handle.ID, q.keepCompleted)
		return
	}
	j.lastErr = runErr.Error()
	if j.tried < j.attempts {
		j.state = StateRetry
		heap.Push(&q.ready, j)
		q.signal()
		return
	}
	j.state = StateFailed
	j.completedAt = q.now()
	q.failed = q.remember(q.failed, j.handle.ID, q.keepFailed)
}

// remember appends id to a bounded history, forgetting the oldest jobs.
func (q *MemoryQueue) remember(list []string, id string, keep int) []string {
	list = append(list, id)
	for len(list) > keep {
		delete(q.jobs, list[0])
		list = list[1:]
	}
	return list
}

// Dequeue blocks until a job is eligible, ctx is done or the queue closes.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		now := q.now()
		for q.delayed.Len() > 0 && !q.delayed[0].readyAt.After(now) {
			j := heap.Pop(&q.delayed).(*memJob)
			j.state = StatePending
			heap.Push(&q.ready, j)
		}
		if q.ready.Len() > 0 {
			j := heap.Pop(&q.ready).(*memJob)
			j.state = StateActive
			j.tried++
			if q.ready.Len() > 0 || q.delayed.Len() > 0 {
				// hand the remaining work to another consumer
				q.signal()
			}
			q.mu.Unlock()
			return &Delivery{Handle: j.handle, Job: j.job, q: q}, nil
		}
		var (
			timer *time.Timer
			wake  <-chan time.Time
		)
		if q.delayed.Len() > 0 {
			timer = time.NewTimer(q.delayed[0].readyAt.Sub(now))
			wake = timer.C
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-q.notify:
		case <-wake:
		}
		stopTimer(timer)
	}
}

// Info looks a job up by handle.
func (q *MemoryQueue) Info(ctx context.Context, h Handle) (*JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[h.ID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &JobInfo{
		Handle:        j.handle,
		ExportID:      j.job.ExportID,
		State:         j.state,
		Progress:      j.progress,
		Attempts:      j.attempts,
		Retried:       max(j.tried-1, 0),
		LastError:     j.lastErr,
		NextProcessAt: j.readyAt,
		CompletedAt:   j.completedAt,
	}, nil
}

// Cancel removes a job that has not started. Finished jobs are dropped from
// history.
func (q *MemoryQueue) Cancel(ctx context.Context, h Handle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[h.ID]
	if !ok {
		return ErrJobNotFound
	}
	switch j.state {
	case StateActive:
		return ErrJobRunning
	case StatePending, StateRetry:
		heap.Remove(&q.ready, j.index)
	case StateScheduled:
		heap.Remove(&q.delayed, j.index)
	case StateCompleted:
		q.completed = without(q.completed, j.handle.ID)
	case StateFailed:
		q.failed = without(q.failed, j.handle.ID)
	}
	delete(q.jobs, h.ID)
	return nil
}

// Len is the number of jobs waiting to run.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len()
}

// Close wakes blocked consumers; queued jobs are dropped.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

func (q *MemoryQueue) signal() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func without(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
