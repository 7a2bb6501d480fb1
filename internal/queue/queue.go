// Package queue carries export jobs from the coordinator to the workers.
// Larger priority values run first; equal priorities run in enqueue order.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dharsanguruparan/TaskExport/internal/model"
)

// TypeExport is the task type of export jobs.
const TypeExport = "export:generate"

// Priority orders eligible jobs; larger is more urgent.
type Priority int

const (
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 5
	PriorityCritical Priority = 10
)

// Queue names, one per priority band.
const (
	QueueCritical = "critical"
	QueueHigh     = "high"
	QueueDefault  = "default"
)

// QueueWeights lists the bands for the asynq server; with strict priority
// the weights only order the bands.
var QueueWeights = map[string]int{
	QueueCritical: int(PriorityCritical),
	QueueHigh:     int(PriorityHigh),
	QueueDefault:  int(PriorityNormal),
}

// QueueName maps a priority onto its band.
func QueueName(p Priority) string {
	switch {
	case p >= PriorityCritical:
		return QueueCritical
	case p >= PriorityHigh:
		return QueueHigh
	default:
		return QueueDefault
	}
}

// Options control how a job is enqueued.
type Options struct {
	Priority Priority
	// Delay postpones eligibility.
	Delay time.Duration
	// Attempts is the total number of runs allowed; 1 means never retried.
	Attempts int
}

func (o Options) attempts() int {
	if o.Attempts < 1 {
		return 1
	}
	return o.Attempts
}

// Handle identifies an enqueued job.
type Handle struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

// State of a job as seen by the queue.
type State string

const (
	StatePending   State = "pending"
	StateScheduled State = "scheduled"
	StateActive    State = "active"
	StateRetry     State = "retry"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// JobInfo is the introspection view of a job.
type JobInfo struct {
	Handle
	ExportID      string    `json:"exportId"`
	State         State     `json:"state"`
	Progress      int       `json:"progress"`
	Attempts      int       `json:"attempts"`
	Retried       int       `json:"retried"`
	LastError     string    `json:"lastError,omitempty"`
	NextProcessAt time.Time `json:"nextProcessAt,omitempty"`
	CompletedAt   time.Time `json:"completedAt,omitempty"`
}

// Queue is the producer and introspection side of the job queue.
type Queue interface {
	Enqueue(ctx context.Context, job model.ExportJob, opts Options) (Handle, error)
	Info(ctx context.Context, h Handle) (*JobInfo, error)
	// Cancel removes a job that has not started.
	Cancel(ctx context.Context, h Handle) error
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobRunning  = errors.New("job is running")
)

// ProgressReporter receives the job's progress percentage.
type ProgressReporter interface {
	SetProgress(percent int) error
}

// progressResult is the stored form of job progress.
type progressResult struct {
	Progress int `json:"progress"`
}

func encodeProgress(percent int) []byte {
	data, _ := json.Marshal(progressResult{Progress: percent})
	return data
}

func decodeProgress(data []byte) int {
	var r progressResult
	if len(data) == 0 || json.Unmarshal(data, &r) != nil {
		return 0
	}
	return r.Progress
}
