// Command worker consumes export jobs from the asynq queue and prunes the
// finished job history, failing exports whose job was lost.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/TaskExport/internal/app"
	"github.com/dharsanguruparan/TaskExport/internal/config"
	"github.com/dharsanguruparan/TaskExport/internal/logging"
	"github.com/dharsanguruparan/TaskExport/internal/queue"
	"github.com/dharsanguruparan/TaskExport/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "json").Fatalf("load config: %v", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.QueueBackend != config.QueueAsynq {
		log.Fatalf("worker requires the %s queue backend; the memory backend runs workers inside the api", config.QueueAsynq)
	}

	deps, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer deps.Close()

	pruner := queue.NewPruner(deps.Asynq.Inspector(), cfg.CompletedHistory, cfg.FailedHistory)
	scheduler := queue.NewScheduler(pruner, cfg.PruneSchedule, logging.Component(log, "scheduler"))
	coordinator := deps.Coordinator()
	scheduler.Add("reconcile", cfg.ReconcileSchedule, func(ctx context.Context) (int, error) {
		return coordinator.Reconcile(ctx, cfg.ReconcileAfter)
	})
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("start pruner: %v", err)
	}

	server := asynq.NewServer(deps.RedisConnOpt(), asynq.Config{
		Concurrency:    cfg.WorkerConcurrency,
		Queues:         queue.QueueWeights,
		StrictPriority: true,
		Logger:         logging.Component(log, "asynq"),
	})
	processor := worker.NewProcessor(deps.Runner(), deps.Limiter, logging.Component(log, "processor"))
	mux := processor.Handler()

	if err := server.Start(mux); err != nil {
		log.WithError(err).Error("worker stopped")
		os.Exit(1)
	}
	<-ctx.Done()
	server.Shutdown()
	scheduler.Stop()
}
