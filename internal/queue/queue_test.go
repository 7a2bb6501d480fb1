package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/TaskExport/internal/model"
)

func job(id string) model.ExportJob {
	return model.ExportJob{ExportID: id, Format: model.FormatCSV}
}

func dequeue(t *testing.T, q *MemoryQueue) *Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return d
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, QueueDefault, QueueName(PriorityNormal))
	assert.Equal(t, QueueHigh, QueueName(PriorityHigh))
	assert.Equal(t, QueueCritical, QueueName(PriorityCritical))
	assert.Equal(t, QueueDefault, QueueName(0))
}

func TestMemoryQueuePriorityThenFIFO(t *testing.T) {
	q := NewMemoryQueue(50, 100)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, job("a"), Options{Priority: PriorityNormal})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job("b"), Options{Priority: PriorityHigh})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job("c"), Options{Priority: PriorityNormal})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job("d"), Options{Priority: PriorityCritical})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 4; i++ {
		d := dequeue(t, q)
		order = append(order, d.Job.ExportID)
		d.Done(nil)
	}
	assert.Equal(t, []string{"d", "b", "a", "c"}, order)
}

func TestMemoryQueueStampsJob(t *testing.T) {
	q := NewMemoryQueue(50, 100)
	h, err := q.Enqueue(context.Background(), job("a"), Options{Priority: PriorityHigh, Attempts: 3})
	require.NoError(t, err)
	assert.Equal(t, QueueHigh, h.Queue)
	assert.NotEmpty(t, h.ID)

	d := dequeue(t, q)
	assert.Equal(t, int(PriorityHigh), d.Job.Priority)
	assert.Equal(t, 3, d.Job.Attempts)
	assert.Equal(t, h, d.Handle)
}

func TestMemoryQueueDelay(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(50, 100)
	q.now = func() time.Time { return clock }

	h, err := q.Enqueue(context.Background(), job("late"), Options{Delay: time.Minute})
	require.NoError(t, err)
	info, err := q.Info(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, info.State)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	clock = clock.Add(time.Minute)
	d := dequeue(t, q)
	assert.Equal(t, "late", d.Job.ExportID)
}

func TestMemoryQueueDelayedJobWakesConsumer(t *testing.T) {
	q := NewMemoryQueue(50, 100)
	_, err := q.Enqueue(context.Background(), job("soon"), Options{Delay: 10 * time.Millisecond})
	require.NoError(t, err)
	d := dequeue(t, q)
	assert.Equal(t, "soon", d.Job.ExportID)
}

func TestMemoryQueueRetriesWhileAttemptsRemain(t *testing.T) {
	q := NewMemoryQueue(50, 100)
	h, err := q.Enqueue(context.Background(), job("a"), Options{Attempts: 2})
	require.NoError(t, err)

	dequeue(t, q).Done(errors.New("boom"))
	info, err := q.Info(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StateRetry, info.State)
	assert.Equal(t, "boom", info.LastError)

	dequeue(t, q).Done(errors.New("boom again"))
	info, err = q.Info(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, 1, info.Retried)
	assert.Zero(t, q.Len())
}

func TestMemoryQueueProgress(t *testing.T) {
	q := NewMemoryQueue(50, 100)
	h, _ := q.Enqueue(context.Background(), job("a"), Options{})
	d := dequeue(t, q)
	require.NoError(t, d.SetProgress(42))

	info, err := q.Info(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StateActive, info.State)
	assert.Equal(t, 42, info.Progress)
	assert.Equal(t, "a", info.ExportID)
}

func TestMemoryQueueCancel(t *testing.T) {
	q := NewMemoryQueue(50, 100)
	ctx := context.Background()
	waiting, _ := q.Enqueue(ctx, job("waiting"), Options{})
	delayed, _ := q.Enqueue(ctx, job("delayed"), Options{Delay: time.Hour})
	require.NoError(t, q.Cancel(ctx, waiting))
	require.NoError(t, q.Cancel(ctx, delayed))
	assert.Zero(t, q.Len())

	_, err := q.Info(ctx, waiting)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, q.Cancel(ctx, waiting), ErrJobNotFound)

	running, _ := q.Enqueue(ctx, job("running"), Options{})
	dequeue(t, q)
	assert.ErrorIs(t, q.Cancel(ctx, running), ErrJobRunning)
}

func TestMemoryQueueBoundedHistory(t *testing.T) {
	q := NewMemoryQueue(2, 1)
	ctx := context.Background()
	var handles []Handle
	for _, id := range []string{"a", "b", "c"} {
		h, _ := q.Enqueue(ctx, job(id), Options{})
		handles = append(handles, h)
		dequeue(t, q).Done(nil)
	}
	_, err := q.Info(ctx, handles[0])
	assert.ErrorIs(t, err, ErrJobNotFound, "oldest completed job forgotten")
	for _, h := range handles[1:] {
		info, err := q.Info(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, info.State)
	}

	f1, _ := q.Enqueue(ctx, job("f1"), Options{})
	dequeue(t, q).Done(errors.New("x"))
	f2, _ := q.Enqueue(ctx, job("f2"), Options{})
	dequeue(t, q).Done(errors.New("y"))
	_, err = q.Info(ctx, f1)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = q.Info(ctx, f2)
	assert.NoError(t, err)
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue(50, 100)
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()
	q.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer not woken by Close")
	}
	_, err := q.Enqueue(context.Background(), job("a"), Options{})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestTaskPayloadRoundTrip(t *testing.T) {
	in := model.ExportJob{ExportID: "e1", Format: model.FormatJSON, TotalCount: 12, Priority: 5}
	task, err := NewTask(in)
	require.NoError(t, err)
	assert.Equal(t, TypeExport, task.Type())
	out, err := DecodeJob(task)
	require.NoError(t, err)
	assert.Equal(t, in.ExportID, out.ExportID)
	assert.Equal(t, in.TotalCount, out.TotalCount)
}

func TestProgressEncoding(t *testing.T) {
	assert.Equal(t, 80, decodeProgress(encodeProgress(80)))
	assert.Zero(t, decodeProgress(nil))
	assert.Zero(t, decodeProgress([]byte("garbage")))
}

func TestTaskState(t *testing.T) {
	assert.Equal(t, StateFailed, taskState(asynq.TaskStateArchived))
	assert.Equal(t, StateActive, taskState(asynq.TaskStateActive))
	assert.Equal(t, StatePending, taskState(asynq.TaskStatePending))
	assert.Equal(t, StateCompleted, taskState(asynq.TaskStateCompleted))
}

type fakeInspector struct {
	completed map[string][]*asynq.TaskInfo
	archived  map[string][]*asynq.TaskInfo
	deleted   []string
}

func (f *fakeInspector) GetQueueInfo(q string) (*asynq.QueueInfo, error) {
	if _, ok := f.completed[q]; !ok {
		if _, ok := f.archived[q]; !ok {
			return nil, asynq.ErrQueueNotFound
		}
	}
	return &asynq.QueueInfo{Queue: q, Completed: len(f.completed[q]), Archived: len(f.archived[q])}, nil
}

func (f *fakeInspector) ListCompletedTasks(q string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return f.completed[q], nil
}

func (f *fakeInspector) ListArchivedTasks(q string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return f.archived[q], nil
}

func (f *fakeInspector) DeleteTask(q, id string) error {
	f.deleted = append(f.deleted, q+"/"+id)
	return nil
}

func tasks(ids ...string) []*asynq.TaskInfo {
	out := make([]*asynq.TaskInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, &asynq.TaskInfo{ID: id})
	}
	return out
}

func TestPrunerTrimsOldest(t *testing.T) {
	fake := &fakeInspector{
		completed: map[string][]*asynq.TaskInfo{QueueDefault: tasks("c1", "c2", "c3", "c4")},
		archived:  map[string][]*asynq.TaskInfo{QueueDefault: tasks("f1", "f2"), QueueHigh: tasks("h1")},
	}
	p := newPruner(fake, 2, 1)
	n, err := p.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"default/c1", "default/c2", "default/f1"}, fake.deleted)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := NewScheduler(newPruner(&fakeInspector{}, 1, 1), "not a schedule", log)
	assert.Error(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())

	s = NewScheduler(newPruner(&fakeInspector{}, 1, 1), "", logrus.New())
	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())
}

func TestSchedulerStopsWithContext(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := NewScheduler(newPruner(&fakeInspector{}, 1, 1), "@every 1h", log)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	cancel()
	assert.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 10*time.Millisecond)
}

func TestSchedulerRunsAddedSweeps(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := NewScheduler(newPruner(&fakeInspector{}, 1, 1), "", log)
	var calls atomic.Int32
	s.Add("count", "@every 1s", func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 1, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning(), "one enabled sweep is enough")
	assert.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
	assert.False(t, s.IsRunning())
}
