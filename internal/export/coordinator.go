// Package export is the entry point of the pipeline. The Coordinator decides
// whether a request can reuse a finished artifact or needs a new job, and
// answers status, download and history queries. It never waits for a job.
package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/TaskExport/internal/artifact"
	"github.com/dharsanguruparan/TaskExport/internal/metrics"
	"github.com/dharsanguruparan/TaskExport/internal/model"
	"github.com/dharsanguruparan/TaskExport/internal/queue"
	"github.com/dharsanguruparan/TaskExport/internal/staleness"
	"github.com/dharsanguruparan/TaskExport/internal/store"
)

// CancelledMessage is recorded on exports removed from the queue.
const CancelledMessage = "cancelled before processing"

// Settings are the coordinator's tunables.
type Settings struct {
	MaxExportSize        int64
	LargeExportThreshold int64
	EnqueueDelay         time.Duration
	CacheTTL             time.Duration
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxExportSize:        100_000,
		LargeExportThreshold: 10_000,
		EnqueueDelay:         2 * time.Second,
		CacheTTL:             30 * time.Minute,
	}
}

// Result answers a request or repeat.
type Result struct {
	ExportID         string             `json:"exportId"`
	Status           model.ExportStatus `json:"status"`
	Cached           bool               `json:"cached"`
	TaskCount        int64              `json:"taskCount,omitempty"`
	FileSize         int64              `json:"fileSize,omitempty"`
	EstimatedRecords int64              `json:"estimatedRecords,omitempty"`
}

// Status is an export record plus what the queue knows about its job.
type Status struct {
	*model.ExportRecord
	Progress int            `json:"progress"`
	Job      *queue.JobInfo `json:"job,omitempty"`
}

// Artifact locates a downloadable export file.
type Artifact struct {
	ExportID string
	Path     string
	Filename string
	MimeType string
	Size     int64
	// Remote is set when Path is not readable here and the object-store
	// copy under Filename must be served instead.
	Remote bool
}

// ObjectChecker looks up mirrored artifacts by key.
type ObjectChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMirror accepts the object-store copy of an artifact whose file is not
// visible to this process.
func WithMirror(m ObjectChecker) Option {
	return func(c *Coordinator) { c.mirror = m }
}

// Coordinator wires the stores, the checker and the queue together.
type Coordinator struct {
	history  store.HistoryStore
	source   store.SourceStore
	cache    store.CacheStore
	queue    queue.Queue
	mirror   ObjectChecker
	checker  *staleness.Checker
	validate *validator.Validate
	settings Settings
	log      logrus.FieldLogger
	now      func() time.Time
	newID    func() string
}

// New constructs a Coordinator.
func New(history store.HistoryStore, source store.SourceStore, cache store.CacheStore, q queue.Queue, settings Settings, log logrus.FieldLogger, opts ...Option) *Coordinator {
	c := &Coordinator{
		history:  history,
		source:   source,
		cache:    cache,
		queue:    q,
		checker:  staleness.NewChecker(source, log),
		validate: validator.New(),
		settings: settings,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestExport returns a reusable artifact when one is fresh, otherwise
// records a new export and queues its job.
func (c *Coordinator) RequestExport(ctx context.Context, filter model.FilterSpec, format model.Format) (res *Result, err error) {
	defer func() { observe("request", res, err) }()

	if format, err = model.ParseFormat(string(format)); err != nil {
		return nil, err
	}
	if filter, err = c.checkFilter(filter); err != nil {
		return nil, err
	}
	log := c.log.WithFields(logrus.Fields{"format": format, "fingerprint": filter.Fingerprint()})

	if res, err := c.reuse(ctx, filter, format, log); err != nil || res != nil {
		return res, err
	}

	total, err := c.countBounded(ctx, filter)
	if err != nil {
		return nil, err
	}
	rec := &model.ExportRecord{
		ExportID:    c.newID(),
		Filter:      filter,
		Fingerprint: filter.Fingerprint(),
		Format:      format,
		Status:      model.StatusPending,
		CreatedAt:   c.now(),
	}
	if err := c.history.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create export record: %w", err)
	}
	opts := queue.Options{Priority: c.priorityFor(total), Delay: c.settings.EnqueueDelay, Attempts: 1}
	if err := c.enqueue(ctx, rec, total, opts); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"export_id": rec.ExportID, "records": total}).Info("export queued")
	return &Result{ExportID: rec.ExportID, Status: model.StatusPending, EstimatedRecords: total}, nil
}

// reuse returns the cached result for the newest completed artifact when its
// file still exists and no matching task changed since.
func (c *Coordinator) reuse(ctx context.Context, filter model.FilterSpec, format model.Format, log logrus.FieldLogger) (*Result, error) {
	rec, err := c.history.FindMostRecentCompleted(ctx, filter, format)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find completed export: %w", err)
	}
	if !rec.Reusable() {
		return nil, nil
	}
	if _, ok := c.locate(ctx, *rec.FilePath, rec.Filename()); !ok {
		log.WithField("export_id", rec.ExportID).Info("completed artifact missing, recomputing")
		return nil, nil
	}
	if c.checker.IsStale(ctx, filter, *rec.CompletedAt) {
		log.WithField("export_id", rec.ExportID).Info("completed artifact is stale, recomputing")
		return nil, nil
	}
	if err := c.cache.Set(ctx, model.CacheKey(rec.ExportID), model.EntryFor(rec), c.settings.CacheTTL); err != nil {
		log.WithError(err).Warn("refresh cache entry")
	}
	return &Result{
		ExportID:  rec.ExportID,
		Status:    model.StatusCompleted,
		Cached:    true,
		TaskCount: rec.TaskCount,
		FileSize:  rec.FileSize,
	}, nil
}

// RepeatExport reruns a failed export under its original id with the
// highest priority.
func (c *Coordinator) RepeatExport(ctx context.Context, exportID string) (res *Result, err error) {
	defer func() { observe("repeat", res, err) }()

	rec, err := c.history.FindByExportID(ctx, exportID)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.StatusFailed {
		return nil, fmt.Errorf("%w: export %s is %s, only failed exports can be repeated", model.ErrInvalidState, exportID, rec.Status)
	}
	total, err := c.countBounded(ctx, rec.Filter)
	if err != nil {
		return nil, err
	}
	// The store applies the reset only while the record is still failed, so
	// concurrent repeats from any number of processes queue one job.
	reset := model.Transition(model.StatusFailed, model.StatusPending)
	now := c.now()
	reset.CreatedAt = &now
	reset.Reset = true
	if err := c.history.UpdateByExportID(ctx, exportID, reset); err != nil {
		return nil, fmt.Errorf("reset export record: %w", err)
	}
	if rec.FilePath != nil {
		if err := artifact.Remove(*rec.FilePath); err != nil {
			c.log.WithError(err).WithField("export_id", exportID).Warn("remove previous artifact")
		}
	}
	if err := c.cache.Delete(ctx, model.CacheKey(exportID)); err != nil {
		c.log.WithError(err).Warn("drop cache entry")
	}
	opts := queue.Options{Priority: queue.PriorityCritical, Attempts: 1}
	if err := c.enqueue(ctx, rec, total, opts); err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"export_id": exportID, "records": total}).Info("export repeated")
	return &Result{ExportID: exportID, Status: model.StatusPending, EstimatedRecords: total}, nil
}

// GetStatus returns the record with live job progress while it is in flight.
func (c *Coordinator) GetStatus(ctx context.Context, exportID string) (*Status, error) {
	rec, err := c.history.FindByExportID(ctx, exportID)
	if err != nil {
		return nil, err
	}
	st := &Status{ExportRecord: rec}
	switch rec.Status {
	case model.StatusCompleted:
		st.Progress = 100
	case model.StatusPending, model.StatusProcessing:
		if rec.JobID == "" {
			break
		}
		info, err := c.queue.Info(ctx, queue.Handle{ID: rec.JobID, Queue: rec.JobQueue})
		switch {
		case err == nil:
			st.Job = info
			st.Progress = info.Progress
		case errors.Is(err, queue.ErrJobNotFound):
		default:
			c.log.WithError(err).WithField("export_id", exportID).Warn("inspect export job")
		}
	}
	return st, nil
}

// ResolveArtifact finds the file to serve: cache first, then the history
// store. The file, or its mirror copy, must still exist.
func (c *Coordinator) ResolveArtifact(ctx context.Context, exportID string) (*Artifact, error) {
	key := model.CacheKey(exportID)
	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		c.log.WithError(err).Warn("cache lookup failed, using history")
	}
	if entry != nil {
		if remote, ok := c.locate(ctx, entry.FilePath, entry.Filename); ok {
			return artifactFrom(entry, remote), nil
		}
		if err := c.cache.Delete(ctx, key); err != nil {
			c.log.WithError(err).Warn("drop cache entry")
		}
	}

	rec, err := c.history.FindByExportID(ctx, exportID)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.StatusCompleted {
		return nil, fmt.Errorf("%w: export %s is %s", model.ErrInvalidState, exportID, rec.Status)
	}
	if !rec.Reusable() {
		return nil, fmt.Errorf("%w: artifact of export %s is gone", model.ErrNotFound, exportID)
	}
	remote, ok := c.locate(ctx, *rec.FilePath, rec.Filename())
	if !ok {
		return nil, fmt.Errorf("%w: artifact of export %s is gone", model.ErrNotFound, exportID)
	}
	entry = model.EntryFor(rec)
	if err := c.cache.Set(ctx, key, entry, c.settings.CacheTTL); err != nil {
		c.log.WithError(err).Warn("cache artifact entry")
	}
	return artifactFrom(entry, remote), nil
}

// locate finds a completed artifact: the local file first, then the mirror
// copy under key when the file lives on another host.
func (c *Coordinator) locate(ctx context.Context, path, key string) (remote, ok bool) {
	if artifact.Exists(path) {
		return false, true
	}
	if c.mirror == nil {
		return false, false
	}
	found, err := c.mirror.Exists(ctx, key)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("check mirrored artifact")
		return false, false
	}
	return found, found
}

func artifactFrom(e *model.CacheEntry, remote bool) *Artifact {
	return &Artifact{
		ExportID: e.ExportID,
		Path:     e.FilePath,
		Filename: e.Filename,
		MimeType: e.MimeType,
		Size:     e.FileSize,
		Remote:   remote,
	}
}

// History pages through past exports, newest first.
func (c *Coordinator) History(ctx context.Context, q store.HistoryQuery) (*store.HistoryPage, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrInvalidFilter, q.Status)
	}
	if q.Format != "" {
		if _, err := model.ParseFormat(string(q.Format)); err != nil {
			return nil, err
		}
	}
	return c.history.Paginate(ctx, q.Normalized())
}

// Cancel removes a queued export's job and fails the record so it can be
// repeated. A job that already started runs to completion.
func (c *Coordinator) Cancel(ctx context.Context, exportID string) (err error) {
	defer func() { observe("cancel", nil, err) }()
	rec, err := c.history.FindByExportID(ctx, exportID)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusPending {
		return fmt.Errorf("%w: export %s is %s, only pending exports can be cancelled", model.ErrInvalidState, exportID, rec.Status)
	}
	if rec.JobID != "" {
		err := c.queue.Cancel(ctx, queue.Handle{ID: rec.JobID, Queue: rec.JobQueue})
		switch {
		case errors.Is(err, queue.ErrJobRunning):
			return fmt.Errorf("%w: export %s is already running", model.ErrInvalidState, exportID)
		case err != nil && !errors.Is(err, queue.ErrJobNotFound):
			return fmt.Errorf("cancel export job: %w", err)
		}
	}
	msg := CancelledMessage
	update := model.Transition(model.StatusPending, model.StatusFailed)
	update.ErrorMessage = &msg
	if err := c.history.UpdateByExportID(ctx, exportID, update); err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	c.log.WithField("export_id", exportID).Info("export cancelled")
	return nil
}

// checkFilter validates and normalizes a filter.
func (c *Coordinator) checkFilter(filter model.FilterSpec) (model.FilterSpec, error) {
	if err := c.validate.Struct(filter); err != nil {
		return filter, fmt.Errorf("%w: %v", model.ErrInvalidFilter, err)
	}
	if inverted(filter.CreatedFrom, filter.CreatedTo) || inverted(filter.CompletedFrom, filter.CompletedTo) {
		return filter, fmt.Errorf("%w: range start after end", model.ErrInvalidFilter)
	}
	return filter.Normalize(), nil
}

func inverted(from, to *time.Time) bool {
	return from != nil && to != nil && from.After(*to)
}

// countBounded counts matching tasks and enforces 0 < n <= MaxExportSize.
func (c *Coordinator) countBounded(ctx context.Context, filter model.FilterSpec) (int64, error) {
	total, err := c.source.Count(ctx, filter)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, model.ErrEmptyResult
	}
	if total > c.settings.MaxExportSize {
		return 0, fmt.Errorf("%w: %d records, limit %d", model.ErrTooLarge, total, c.settings.MaxExportSize)
	}
	return total, nil
}

func (c *Coordinator) priorityFor(total int64) queue.Priority {
	if total > c.settings.LargeExportThreshold {
		return queue.PriorityHigh
	}
	return queue.PriorityNormal
}

// enqueue queues the job and stores its handle on the record. A record whose
// job could not be queued is failed so it can be repeated.
func (c *Coordinator) enqueue(ctx context.Context, rec *model.ExportRecord, total int64, opts queue.Options) error {
	job := model.ExportJob{
		ExportID:   rec.ExportID,
		Filter:     rec.Filter,
		Format:     rec.Format,
		TotalCount: total,
	}
	h, err := c.queue.Enqueue(ctx, job, opts)
	if err != nil {
		msg := fmt.Sprintf("enqueue failed: %v", err)
		update := model.Transition(model.StatusPending, model.StatusFailed)
		update.ErrorMessage = &msg
		if uerr := c.history.UpdateByExportID(context.WithoutCancel(ctx), rec.ExportID, update); uerr != nil {
			c.log.WithError(uerr).WithField("export_id", rec.ExportID).Error("mark unqueued export failed")
		}
		return fmt.Errorf("enqueue export: %w", err)
	}
	if err := c.history.UpdateByExportID(ctx, rec.ExportID, model.RecordUpdate{JobID: &h.ID, JobQueue: &h.Queue}); err != nil {
		return fmt.Errorf("store job handle: %w", err)
	}
	return nil
}

func observe(op string, res *Result, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = errorLabel(err)
	case res != nil && res.Cached:
		result = "cached"
	case res != nil:
		result = "queued"
	}
	metrics.ExportRequests.WithLabelValues(op, result).Inc()
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidFormat), errors.Is(err, model.ErrInvalidFilter):
		return "invalid"
	case errors.Is(err, model.ErrEmptyResult):
		return "empty"
	case errors.Is(err, model.ErrTooLarge):
		return "too_large"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, model.ErrSourceUnavailable):
		return "source_unavailable"
	default:
		return "error"
	}
}
