package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/TaskExport/internal/model"
)

// DefaultJobTimeout bounds a single export run.
const DefaultJobTimeout = 30 * time.Minute

// AsynqQueue is the durable Redis-backed queue.
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	retention time.Duration
}

var _ Queue = (*AsynqQueue)(nil)

// NewAsynqQueue connects a client and an inspector. retention keeps finished
// jobs inspectable until the pruner trims them.
func NewAsynqQueue(opt asynq.RedisConnOpt, retention time.Duration) *AsynqQueue {
	return &AsynqQueue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		retention: retention,
	}
}

// NewTask serializes the export payload into an asynq task.
func NewTask(job model.ExportJob) (*asynq.Task, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(TypeExport, data), nil
}

// DecodeJob reverses NewTask.
func DecodeJob(task *asynq.Task) (model.ExportJob, error) {
	var job model.ExportJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return job, fmt.Errorf("decode payload: %w", err)
	}
	return job, nil
}

// taskOptions translates Options into asynq options for a job with id.
func (q *AsynqQueue) taskOptions(id string, opts Options) []asynq.Option {
	out := []asynq.Option{
		asynq.TaskID(id),
		asynq.Queue(QueueName(opts.Priority)),
		asynq.MaxRetry(opts.attempts() - 1),
		asynq.Timeout(DefaultJobTimeout),
	}
	if opts.Delay > 0 {
		out = append(out, asynq.ProcessIn(opts.Delay))
	}
	if q.retention > 0 {
		out = append(out, asynq.Retention(q.retention))
	}
	return out
}

// Enqueue schedules the export job.
func (q *AsynqQueue) Enqueue(ctx context.Context, job model.ExportJob, opts Options) (Handle, error) {
	job.Priority = int(opts.Priority)
	job.Attempts = opts.attempts()
	job.Delay = opts.Delay
	task, err := NewTask(job)
	if err != nil {
		return Handle{}, err
	}
	info, err := q.client.EnqueueContext(ctx, task, q.taskOptions(uuid.NewString(), opts)...)
	if err != nil {
		return Handle{}, fmt.Errorf("enqueue export task: %w", err)
	}
	return Handle{ID: info.ID, Queue: info.Queue}, nil
}

// Info looks a job up by handle.
func (q *AsynqQueue) Info(ctx context.Context, h Handle) (*JobInfo, error) {
	info, err := q.inspector.GetTaskInfo(h.Queue, h.ID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("inspect task: %w", err)
	}
	return jobInfo(info), nil
}

// Cancel deletes a job that has not started.
func (q *AsynqQueue) Cancel(ctx context.Context, h Handle) error {
	info, err := q.Info(ctx, h)
	if err != nil {
		return err
	}
	if info.State == StateActive {
		return ErrJobRunning
	}
	if err := q.inspector.DeleteTask(h.Queue, h.ID); err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// Inspector exposes the inspector for the pruner.
func (q *AsynqQueue) Inspector() *asynq.Inspector {
	return q.inspector
}

// Close releases the Redis connections.
func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}

func jobInfo(info *asynq.TaskInfo) *JobInfo {
	out := &JobInfo{
		Handle:        Handle{ID: info.ID, Queue: info.Queue},
		State:         taskState(info.State),
		Progress:      decodeProgress(info.Result),
		Attempts:      info.MaxRetry + 1,
		Retried:       info.Retried,
		LastError:     info.LastErr,
		NextProcessAt: info.NextProcessAt,
		CompletedAt:   info.CompletedAt,
	}
	var job model.ExportJob
	if json.Unmarshal(info.Payload, &job) == nil {
		out.ExportID = job.ExportID
	}
	return out
}

func taskState(s asynq.TaskState) State {
	switch s {
	case asynq.TaskStateActive:
		return StateActive
	case asynq.TaskStateScheduled:
		return StateScheduled
	case asynq.TaskStateRetry:
		return StateRetry
	case asynq.TaskStateArchived:
		return StateFailed
	case asynq.TaskStateCompleted:
		return StateCompleted
	default:
		return StatePending
	}
}

// taskReporter stores progress as the task result so the inspector can
// read it back.
type taskReporter struct {
	w *asynq.ResultWriter
}

func (r taskReporter) SetProgress(percent int) error {
	_, err := r.w.Write(encodeProgress(percent))
	return err
}

type nopReporter struct{}

func (nopReporter) SetProgress(int) error { return nil }

// ReporterFor returns the progress reporter of a task being processed.
func ReporterFor(task *asynq.Task) ProgressReporter {
	if w := task.ResultWriter(); w != nil {
		return taskReporter{w: w}
	}
	return nopReporter{}
}
