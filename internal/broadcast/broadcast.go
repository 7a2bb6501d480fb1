// Package broadcast publishes export progress to interested listeners. Every
// method is fire-and-forget: failures are logged and never reach the job.
package broadcast

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Event kinds.
const (
	KindProgress  = "progress"
	KindCompleted = "completed"
	KindError     = "error"
)

// Completion summarises a finished export.
type Completion struct {
	TaskCount int64  `json:"taskCount"`
	FileSize  int64  `json:"fileSize"`
	Format    string `json:"format"`
}

// Event is the wire form of a broadcast.
type Event struct {
	Kind       string      `json:"kind"`
	ExportID   string      `json:"exportId"`
	Percent    int         `json:"percent,omitempty"`
	Message    string      `json:"message,omitempty"`
	Completion *Completion `json:"completion,omitempty"`
	At         time.Time   `json:"at"`
}

// Broadcaster receives lifecycle notifications for exports.
type Broadcaster interface {
	Progress(ctx context.Context, exportID string, percent int, message string)
	Completed(ctx context.Context, exportID string, c Completion)
	Failed(ctx context.Context, exportID string, message string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Progress(context.Context, string, int, string) {}
func (Nop) Completed(context.Context, string, Completion) {}
func (Nop) Failed(context.Context, string, string)        {}

// Logger writes events as structured log lines.
type Logger struct {
	Log logrus.FieldLogger
}

func (l Logger) Progress(ctx context.Context, exportID string, percent int, message string) {
	l.Log.WithFields(logrus.Fields{"export_id": exportID, "percent": percent}).Debug(message)
}

func (l Logger) Completed(ctx context.Context, exportID string, c Completion) {
	l.Log.WithFields(logrus.Fields{
		"export_id":  exportID,
		"task_count": c.TaskCount,
		"file_size":  c.FileSize,
		"format":     c.Format,
	}).Info("export completed")
}

func (l Logger) Failed(ctx context.Context, exportID string, message string) {
	l.Log.WithField("export_id", exportID).Warnf("export failed: %s", message)
}

// Multi fans events out to several broadcasters.
type Multi []Broadcaster

func (m Multi) Progress(ctx context.Context, exportID string, percent int, message string) {
	for _, b := range m {
		b.Progress(ctx, exportID, percent, message)
	}
}

func (m Multi) Completed(ctx context.Context, exportID string, c Completion) {
	for _, b := range m {
		b.Completed(ctx, exportID, c)
	}
}

func (m Multi) Failed(ctx context.Context, exportID string, message string) {
	for _, b := range m {
		b.Failed(ctx, exportID, message)
	}
}
