// Command api serves the export HTTP API. With the memory queue backend it
// also runs the export workers in-process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/TaskExport/internal/api"
	"github.com/dharsanguruparan/TaskExport/internal/app"
	"github.com/dharsanguruparan/TaskExport/internal/config"
	"github.com/dharsanguruparan/TaskExport/internal/logging"
	"github.com/dharsanguruparan/TaskExport/internal/processing"
	"github.com/dharsanguruparan/TaskExport/internal/signing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "json").Fatalf("load config: %v", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	deps, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer deps.Close()

	coordinator := deps.Coordinator()
	var pool *processing.Pool
	if deps.Memory != nil {
		// Jobs of the previous process died with its in-memory queue.
		n, err := coordinator.Reconcile(ctx, 0)
		if err != nil {
			log.Fatalf("reconcile exports: %v", err)
		}
		if n > 0 {
			log.WithField("failed", n).Warn("failed exports orphaned by the last shutdown")
		}
		pool = processing.New(deps.Memory, deps.Runner(), deps.Limiter, cfg.WorkerConcurrency, logging.Component(log, "pool"))
		pool.Start(ctx)
	}

	opts := api.Options{Address: cfg.Address, SignedURLTTL: cfg.SignedURLTTL}
	if deps.Mirror != nil {
		opts.Mirror = deps.Mirror
	}
	srv := api.New(coordinator, signing.NewSigner([]byte(cfg.SigningSecret)), opts, logging.Component(log, "api"))
	runErr := srv.Run(ctx)
	stop()
	if pool != nil {
		pool.Wait()
	}
	if runErr != nil {
		log.WithError(runErr).Error("server stopped")
		os.Exit(1)
	}
}
