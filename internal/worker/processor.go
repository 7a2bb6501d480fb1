package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/TaskExport/internal/queue"
	"github.com/dharsanguruparan/TaskExport/internal/ratelimit"
)

// Processor is plugged into the asynq worker loop.
type Processor struct {
	runner  *Runner
	limiter ratelimit.Limiter
	log     logrus.FieldLogger
}

// NewProcessor constructs a worker processor.
func NewProcessor(runner *Runner, limiter ratelimit.Limiter, log logrus.FieldLogger) *Processor {
	return &Processor{runner: runner, limiter: limiter, log: log}
}

// Handler registers the export job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeExport, p.HandleExport)
	return mux
}

// HandleExport runs one export task. Failed exports are archived, never
// retried; a caller repeats them explicitly.
func (p *Processor) HandleExport(ctx context.Context, task *asynq.Task) error {
	job, err := queue.DecodeJob(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		err = fmt.Errorf("wait for rate limiter: %w", err)
		p.runner.Abandon(ctx, job, err)
		return fmt.Errorf("export %s: %v: %w", job.ExportID, err, asynq.SkipRetry)
	}
	if err := p.runner.Run(ctx, job, queue.ReporterFor(task)); err != nil {
		p.log.WithField("export_id", job.ExportID).WithError(err).Debug("export task archived")
		return fmt.Errorf("export %s: %v: %w", job.ExportID, err, asynq.SkipRetry)
	}
	return nil
}
