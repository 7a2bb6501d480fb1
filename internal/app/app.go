// Package app assembles the export pipeline from configuration. The API and
// worker binaries share it so both processes agree on stores, queue and
// limiter.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/TaskExport/internal/artifact"
	"github.com/dharsanguruparan/TaskExport/internal/broadcast"
	"github.com/dharsanguruparan/TaskExport/internal/cache"
	"github.com/dharsanguruparan/TaskExport/internal/config"
	"github.com/dharsanguruparan/TaskExport/internal/database"
	"github.com/dharsanguruparan/TaskExport/internal/export"
	"github.com/dharsanguruparan/TaskExport/internal/logging"
	"github.com/dharsanguruparan/TaskExport/internal/queue"
	"github.com/dharsanguruparan/TaskExport/internal/ratelimit"
	"github.com/dharsanguruparan/TaskExport/internal/repository"
	"github.com/dharsanguruparan/TaskExport/internal/source"
	"github.com/dharsanguruparan/TaskExport/internal/store"
	"github.com/dharsanguruparan/TaskExport/internal/worker"
)

// RateLimitKey is the Redis key of the shared job-start window.
const RateLimitKey = "taskexport:ratelimit:job-starts"

// App holds the constructed dependencies.
type App struct {
	Config  *config.Config
	Log     *logrus.Logger
	DB      *pgxpool.Pool
	Redis   *redis.Client
	History store.HistoryStore
	Source  store.SourceStore
	Cache   store.CacheStore
	Files   *artifact.Files
	Mirror  *artifact.Mirror
	Limiter ratelimit.Limiter
	Events  broadcast.Broadcaster

	// Exactly one of Asynq and Memory is set, per the queue backend.
	Asynq  *queue.AsynqQueue
	Memory *queue.MemoryQueue

	closers []func() error
}

// Build connects every backing service named by cfg and runs migrations.
func Build(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.DB = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	if err := database.Migrate(ctx, pool, logging.Component(a.Log, "migrate")); err != nil {
		return err
	}
	a.History = repository.NewExportRepository(pool)
	a.Source = source.NewPostgresSource(pool)

	if a.Files, err = artifact.NewFiles(cfg.ExportDir); err != nil {
		return err
	}
	if cfg.MirrorEnabled() {
		if a.Mirror, err = artifact.NewMirror(cfg); err != nil {
			return err
		}
		if err := a.Mirror.EnsureBucket(ctx); err != nil {
			return err
		}
	}

	events := broadcast.Multi{broadcast.Logger{Log: logging.Component(a.Log, "events")}}
	switch cfg.QueueBackend {
	case config.QueueMemory:
		a.Cache = cache.NewLRUCache(cfg.CacheSize, cfg.CacheTTL)
		a.Limiter = ratelimit.NewWindow(cfg.RateLimit, cfg.RateWindow)
		a.Memory = queue.NewMemoryQueue(cfg.CompletedHistory, cfg.FailedHistory)
		a.closers = append(a.closers, func() error { a.Memory.Close(); return nil })
	default:
		rc := redis.NewClient(a.redisOptions())
		a.Redis = rc
		a.closers = append(a.closers, rc.Close)
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		a.Cache = cache.NewRedisCache(rc)
		a.Limiter = ratelimit.NewRedisWindow(rc, RateLimitKey, cfg.RateLimit, cfg.RateWindow)
		events = append(events, broadcast.NewRedis(rc, logging.Component(a.Log, "events")))
		a.Asynq = queue.NewAsynqQueue(a.RedisConnOpt(), cfg.JobRetention)
		a.closers = append(a.closers, a.Asynq.Close)
	}
	a.Events = events
	return nil
}

func (a *App) redisOptions() *redis.Options {
	return &redis.Options{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	}
}

// RedisConnOpt is the asynq view of the Redis settings.
func (a *App) RedisConnOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	}
}

// Queue is the producer side of the configured backend.
func (a *App) Queue() queue.Queue {
	if a.Memory != nil {
		return a.Memory
	}
	return a.Asynq
}

// Coordinator builds the export coordinator.
func (a *App) Coordinator() *export.Coordinator {
	settings := export.Settings{
		MaxExportSize:        a.Config.MaxExportSize,
		LargeExportThreshold: a.Config.LargeExportThreshold,
		EnqueueDelay:         a.Config.EnqueueDelay,
		CacheTTL:             a.Config.CacheTTL,
	}
	var opts []export.Option
	if a.Mirror != nil {
		opts = append(opts, export.WithMirror(a.Mirror))
	}
	return export.New(a.History, a.Source, a.Cache, a.Queue(), settings, logging.Component(a.Log, "coordinator"), opts...)
}

// Runner builds the export job runner.
func (a *App) Runner() *worker.Runner {
	opts := []worker.Option{
		worker.WithChunkSize(a.Config.ChunkSize),
		worker.WithCacheTTL(a.Config.CacheTTL),
		worker.WithBroadcaster(a.Events),
	}
	if a.Mirror != nil {
		opts = append(opts, worker.WithMirror(a.Mirror))
	}
	return worker.NewRunner(a.History, a.Source, a.Cache, a.Files, logging.Component(a.Log, "worker"), opts...)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
