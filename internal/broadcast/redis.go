package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// AllChannel receives every export event; per-export events also go to
// Channel(exportID).
const AllChannel = "exports:events"

// Channel is the per-export pub/sub channel.
func Channel(exportID string) string {
	return "exports:" + exportID
}

// Redis publishes events as JSON over Redis pub/sub for the socket layer.
type Redis struct {
	rc      *redis.Client
	log     logrus.FieldLogger
	timeout time.Duration
}

// NewRedis constructs a Redis broadcaster.
func NewRedis(rc *redis.Client, log logrus.FieldLogger) *Redis {
	return &Redis{rc: rc, log: log, timeout: 2 * time.Second}
}

func (r *Redis) Progress(ctx context.Context, exportID string, percent int, message string) {
	r.publish(ctx, Event{Kind: KindProgress, ExportID: exportID, Percent: percent, Message: message})
}

func (r *Redis) Completed(ctx context.Context, exportID string, c Completion) {
	r.publish(ctx, Event{Kind: KindCompleted, ExportID: exportID, Percent: 100, Completion: &c})
}

func (r *Redis) Failed(ctx context.Context, exportID string, message string) {
	r.publish(ctx, Event{Kind: KindError, ExportID: exportID, Message: message})
}

func (r *Redis) publish(ctx context.Context, ev Event) {
	ev.At = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		r.log.WithError(err).Warn("encode export event")
		return
	}
	// Detached from the job context so a cancelled job still reports failure.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, ch := range []string{AllChannel, Channel(ev.ExportID)} {
		if err := r.rc.Publish(pubCtx, ch, data).Err(); err != nil {
			r.log.WithError(err).WithField("channel", ch).Warn("publish export event")
		}
	}
}
