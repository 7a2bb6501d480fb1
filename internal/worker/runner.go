// Package worker executes export jobs: it streams the matching tasks into an
// artifact file and records the outcome on the export record.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/TaskExport/internal/artifact"
	"github.com/dharsanguruparan/TaskExport/internal/broadcast"
	"github.com/dharsanguruparan/TaskExport/internal/format"
	"github.com/dharsanguruparan/TaskExport/internal/metrics"
	"github.com/dharsanguruparan/TaskExport/internal/model"
	"github.com/dharsanguruparan/TaskExport/internal/queue"
	"github.com/dharsanguruparan/TaskExport/internal/store"
)

const (
	DefaultChunkSize = 1000
	DefaultCacheTTL  = 30 * time.Minute

	writeBufferSize = 64 * 1024
)

// Uploader mirrors a finished artifact to object storage.
type Uploader interface {
	Upload(ctx context.Context, key, path, contentType string) error
}

// Runner runs one export job at a time; it is safe to share between workers.
type Runner struct {
	history   store.HistoryStore
	source    store.SourceStore
	cache     store.CacheStore
	files     *artifact.Files
	events    broadcast.Broadcaster
	mirror    Uploader
	log       logrus.FieldLogger
	chunkSize int
	cacheTTL  time.Duration
	now       func() time.Time
}

// Option customises a Runner.
type Option func(*Runner)

// WithChunkSize sets the number of records fetched and written per chunk.
func WithChunkSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// WithCacheTTL sets the lifetime of cache entries for finished artifacts.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Runner) {
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithBroadcaster sets the receiver of progress events.
func WithBroadcaster(b broadcast.Broadcaster) Option {
	return func(r *Runner) { r.events = b }
}

// WithMirror uploads every finished artifact.
func WithMirror(u Uploader) Option {
	return func(r *Runner) { r.mirror = u }
}

// NewRunner wires a Runner.
func NewRunner(history store.HistoryStore, source store.SourceStore, cache store.CacheStore, files *artifact.Files, log logrus.FieldLogger, opts ...Option) *Runner {
	r := &Runner{
		history:   history,
		source:    source,
		cache:     cache,
		files:     files,
		events:    broadcast.Nop{},
		log:       log,
		chunkSize: DefaultChunkSize,
		cacheTTL:  DefaultCacheTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// progress forwards percentages to the broadcaster and the queue, never
// letting the value go backwards.
type progress struct {
	exportID string
	last     int
	events   broadcast.Broadcaster
	reporter queue.ProgressReporter
	log      logrus.FieldLogger
}

func (p *progress) emit(ctx context.Context, percent int, message string) {
	if percent < p.last {
		percent = p.last
	}
	p.last = percent
	if p.reporter != nil {
		if err := p.reporter.SetProgress(percent); err != nil {
			p.log.WithError(err).Debug("store job progress")
		}
	}
	p.events.Progress(ctx, p.exportID, percent, message)
}

// streamPercent maps processed records onto the 20..80 band.
func streamPercent(processed, total int64) int {
	if total <= 0 {
		return 80
	}
	return min(20+int(processed*60/total), 80)
}

// Run executes job. Any error leaves the record failed with the partial
// artifact removed.
func (r *Runner) Run(ctx context.Context, job model.ExportJob, reporter queue.ProgressReporter) (err error) {
	log := r.log.WithFields(logrus.Fields{"export_id": job.ExportID, "format": job.Format})
	start := r.now()
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	// Claiming the record is the only guard against a second delivery of
	// the same export; the loser must not touch the artifact.
	if err := r.history.UpdateByExportID(ctx, job.ExportID, model.Transition(model.StatusPending, model.StatusProcessing)); err != nil {
		return fmt.Errorf("claim export %s: %w", job.ExportID, err)
	}

	var path string
	defer func() {
		status := model.StatusCompleted
		if err != nil {
			status = model.StatusFailed
			r.fail(ctx, job, model.StatusProcessing, path, err, log)
		}
		metrics.ExportJobs.WithLabelValues(string(job.Format), string(status)).Inc()
		metrics.ExportDuration.WithLabelValues(string(job.Format)).Observe(r.now().Sub(start).Seconds())
	}()

	rec, err := r.history.FindByExportID(ctx, job.ExportID)
	if err != nil {
		return fmt.Errorf("load export %s: %w", job.ExportID, err)
	}
	p := &progress{exportID: job.ExportID, events: r.events, reporter: reporter, log: log}
	p.emit(ctx, 5, "starting")

	total := job.TotalCount
	if total <= 0 {
		if total, err = r.source.Count(ctx, job.Filter); err != nil {
			return err
		}
	}
	p.emit(ctx, 15, fmt.Sprintf("found %d records", total))

	file, created, err := r.files.Create(job.ExportID, job.Format)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStreamWrite, err)
	}
	path = created
	count, err := r.stream(ctx, job, file, start, total, p)
	if cerr := file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: close artifact: %v", model.ErrStreamWrite, cerr)
	}
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: stat artifact: %v", model.ErrStreamWrite, err)
	}

	completedAt := r.now()
	size := info.Size()
	update := model.Transition(model.StatusProcessing, model.StatusCompleted)
	update.CompletedAt = &completedAt
	update.TaskCount = &count
	update.FileSize = &size
	update.FilePath = &path
	if err := r.history.UpdateByExportID(ctx, job.ExportID, update); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	update.Apply(rec)
	r.publish(ctx, rec, log)

	p.emit(ctx, 100, "completed")
	r.events.Completed(ctx, job.ExportID, broadcast.Completion{TaskCount: count, FileSize: size, Format: string(job.Format)})
	log.WithFields(logrus.Fields{"task_count": count, "file_size": size, "took": r.now().Sub(start)}).Info("export completed")
	return nil
}

// stream copies the cursor into file chunk by chunk and makes it durable.
func (r *Runner) stream(ctx context.Context, job model.ExportJob, file *os.File, start time.Time, total int64, p *progress) (int64, error) {
	cursor, err := r.source.Open(ctx, job.Filter)
	if err != nil {
		return 0, err
	}
	defer cursor.Close()

	buf := bufio.NewWriterSize(file, writeBufferSize)
	w, err := format.NewWriter(job.Format, buf, format.Meta{ExportedAt: start})
	if err != nil {
		return 0, err
	}
	for {
		batch, err := cursor.Next(ctx, r.chunkSize)
		if err != nil {
			return w.Count(), err
		}
		if len(batch) == 0 {
			break
		}
		if err := w.WriteBatch(batch); err != nil {
			return w.Count(), fmt.Errorf("%w: %v", model.ErrStreamWrite, err)
		}
		if err := buf.Flush(); err != nil {
			return w.Count(), fmt.Errorf("%w: flush chunk: %v", model.ErrStreamWrite, err)
		}
		metrics.RecordsStreamed.WithLabelValues(string(job.Format)).Add(float64(len(batch)))
		p.emit(ctx, streamPercent(w.Count(), total), fmt.Sprintf("exported %d of %d records", w.Count(), total))
	}
	if err := w.Close(); err != nil {
		return w.Count(), fmt.Errorf("%w: %v", model.ErrStreamWrite, err)
	}
	if err := buf.Flush(); err != nil {
		return w.Count(), fmt.Errorf("%w: flush artifact: %v", model.ErrStreamWrite, err)
	}
	if err := file.Sync(); err != nil {
		return w.Count(), fmt.Errorf("%w: sync artifact: %v", model.ErrStreamWrite, err)
	}
	return w.Count(), nil
}

// publish writes the cache entry and the optional mirror copy. Both are
// advisory, so failures are only logged.
func (r *Runner) publish(ctx context.Context, rec *model.ExportRecord, log logrus.FieldLogger) {
	entry := model.EntryFor(rec)
	if err := r.cache.Set(ctx, model.CacheKey(rec.ExportID), entry, r.cacheTTL); err != nil {
		log.WithError(err).Warn("cache artifact entry")
	}
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Upload(ctx, rec.Filename(), entry.FilePath, entry.MimeType); err != nil {
		log.WithError(err).Warn("mirror artifact")
	}
}

// Abandon marks a job that never started as failed.
func (r *Runner) Abandon(ctx context.Context, job model.ExportJob, cause error) {
	r.fail(ctx, job, model.StatusPending, "", cause, r.log.WithField("export_id", job.ExportID))
}

// fail removes the partial artifact and records the error. It runs detached
// from ctx so a cancelled job is still recorded.
func (r *Runner) fail(ctx context.Context, job model.ExportJob, from model.ExportStatus, path string, cause error, log logrus.FieldLogger) {
	ctx = context.WithoutCancel(ctx)
	log.WithError(cause).Error("export failed")
	if err := artifact.Remove(path); err != nil {
		log.WithError(err).Warn("remove partial artifact")
	}
	msg := cause.Error()
	update := model.Transition(from, model.StatusFailed)
	update.ErrorMessage = &msg
	if err := r.history.UpdateByExportID(ctx, job.ExportID, update); err != nil && !errors.Is(err, model.ErrNotFound) {
		log.WithError(err).Error("mark failed")
	}
	r.events.Failed(ctx, job.ExportID, msg)
}
