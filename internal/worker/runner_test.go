package worker

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/TaskExport/internal/artifact"
	"github.com/dharsanguruparan/TaskExport/internal/broadcast"
	"github.com/dharsanguruparan/TaskExport/internal/cache"
	"github.com/dharsanguruparan/TaskExport/internal/model"
	"github.com/dharsanguruparan/TaskExport/internal/ratelimit"
	"github.com/dharsanguruparan/TaskExport/internal/source"
	"github.com/dharsanguruparan/TaskExport/internal/storage"
	"github.com/dharsanguruparan/TaskExport/internal/store"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type recorder struct {
	mu        sync.Mutex
	percents  []int
	completed []broadcast.Completion
	failed    []string
}

func (r *recorder) Progress(_ context.Context, _ string, percent int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percents = append(r.percents, percent)
}

func (r *recorder) Completed(_ context.Context, _ string, c broadcast.Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, c)
}

func (r *recorder) Failed(_ context.Context, _ string, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, message)
}

type reporter struct{ values []int }

func (r *reporter) SetProgress(p int) error {
	r.values = append(r.values, p)
	return nil
}

// statusLog records every status written to the history store.
type statusLog struct {
	store.HistoryStore
	mu       sync.Mutex
	statuses []model.ExportStatus
}

func (s *statusLog) Create(ctx context.Context, rec *model.ExportRecord) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, rec.Status)
	s.mu.Unlock()
	return s.HistoryStore.Create(ctx, rec)
}

func (s *statusLog) UpdateByExportID(ctx context.Context, id string, u model.RecordUpdate) error {
	err := s.HistoryStore.UpdateByExportID(ctx, id, u)
	if err == nil && u.Status != nil {
		s.mu.Lock()
		s.statuses = append(s.statuses, *u.Status)
		s.mu.Unlock()
	}
	return err
}

type fixture struct {
	history *statusLog
	cache   *cache.LRUCache
	files   *artifact.Files
	events  *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	files, err := artifact.NewFiles(t.TempDir())
	require.NoError(t, err)
	return &fixture{
		history: &statusLog{HistoryStore: storage.NewMemoryStore()},
		cache:   cache.NewLRUCache(16, time.Hour),
		files:   files,
		events:  &recorder{},
	}
}

func (f *fixture) runner(src store.SourceStore, opts ...Option) *Runner {
	opts = append([]Option{WithBroadcaster(f.events)}, opts...)
	return NewRunner(f.history, src, f.cache, f.files, quietLogger(), opts...)
}

func (f *fixture) pending(t *testing.T, id string, filter model.FilterSpec, format model.Format) model.ExportJob {
	t.Helper()
	require.NoError(t, f.history.Create(context.Background(), &model.ExportRecord{
		ExportID: id,
		Filter:   filter,
		Format:   format,
		Status:   model.StatusPending,
	}))
	return model.ExportJob{ExportID: id, Filter: filter, Format: format}
}

func seeded() *source.MemorySource {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return source.NewMemorySource(
		model.Task{ID: "t1", Title: "Write report", Description: "quarterly, draft", Status: "pending", Priority: "high", CreatedAt: base, UpdatedAt: base},
		model.Task{ID: "t2", Title: "Call \"Bob\"", Description: "line one\nline two", Status: "pending", Priority: "low", CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour)},
		model.Task{ID: "t3", Title: "Plan sprint", Status: "pending", Priority: "medium", CreatedAt: base.Add(2 * time.Hour), UpdatedAt: base.Add(2 * time.Hour)},
		model.Task{ID: "t4", Title: "Done already", Status: "completed", Priority: "low", CreatedAt: base, UpdatedAt: base, CompletedAt: &base},
	)
}

func assertMonotone(t *testing.T, values []int) {
	t.Helper()
	require.NotEmpty(t, values)
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress went backwards at %d: %v", i, values)
	}
	assert.Equal(t, 100, values[len(values)-1])
}

func TestRunPendingCSV(t *testing.T) {
	f := newFixture(t)
	filter := model.FilterSpec{Status: []string{"pending"}}
	job := f.pending(t, "exp-1", filter, model.FormatCSV)
	job.TotalCount = 3
	rep := &reporter{}

	require.NoError(t, f.runner(seeded()).Run(context.Background(), job, rep))

	rec, err := f.history.FindByExportID(context.Background(), "exp-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.EqualValues(t, 3, rec.TaskCount)
	require.NotNil(t, rec.CompletedAt)
	require.NotNil(t, rec.FilePath)
	assert.Equal(t, []model.ExportStatus{model.StatusPending, model.StatusProcessing, model.StatusCompleted}, f.history.statuses)

	data, err := os.Open(*rec.FilePath)
	require.NoError(t, err)
	defer data.Close()
	rows, err := csv.NewReader(data).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, []string{"t3", "t2", "t1"}, []string{rows[1][0], rows[2][0], rows[3][0]}, "newest first")
	assert.Equal(t, "line one\nline two", rows[2][2])
	assert.Equal(t, "Call \"Bob\"", rows[2][1])

	info, err := os.Stat(*rec.FilePath)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), rec.FileSize)

	assertMonotone(t, f.events.percents)
	assert.Equal(t, f.events.percents, rep.values)
	assert.Equal(t, []int{5, 15, 80, 100}, f.events.percents)
	require.Len(t, f.events.completed, 1)
	assert.Equal(t, broadcast.Completion{TaskCount: 3, FileSize: rec.FileSize, Format: "csv"}, f.events.completed[0])

	entry, err := f.cache.Get(context.Background(), model.CacheKey("exp-1"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, *rec.FilePath, entry.FilePath)
	assert.Equal(t, "text/csv", entry.MimeType)
	assert.Equal(t, "exp-1.csv", entry.Filename)
}

func TestRunJSONInChunks(t *testing.T) {
	f := newFixture(t)
	job := f.pending(t, "exp-2", model.FilterSpec{SortBy: model.SortTitle, SortOrder: model.SortAsc}, model.FormatJSON)

	require.NoError(t, f.runner(seeded(), WithChunkSize(1)).Run(context.Background(), job, nil))

	rec, err := f.history.FindByExportID(context.Background(), "exp-2")
	require.NoError(t, err)
	raw, err := os.ReadFile(*rec.FilePath)
	require.NoError(t, err)
	var doc struct {
		Tasks []struct {
			Title string `json:"title"`
		} `json:"tasks"`
		TotalTasks int          `json:"totalTasks"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Len(t, doc.Tasks, 4)
	assert.Equal(t, 4, doc.TotalTasks)
	assert.Equal(t, "Call \"Bob\"", doc.Tasks[0].Title)

	assertMonotone(t, f.events.percents)
	assert.Equal(t, []int{5, 15, 35, 50, 65, 80, 100}, f.events.percents, "job.TotalCount unset, counted from source")
}

type failingSource struct {
	*source.MemorySource
	after int
}

type failingCursor struct {
	store.Cursor
	left int
}

func (c *failingCursor) Next(ctx context.Context, max int) ([]model.Task, error) {
	if c.left == 0 {
		return nil, errors.New("connection reset")
	}
	c.left--
	return c.Cursor.Next(ctx, max)
}

func (s failingSource) Open(ctx context.Context, filter model.FilterSpec) (store.Cursor, error) {
	cur, err := s.MemorySource.Open(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &failingCursor{Cursor: cur, left: s.after}, nil
}

func TestRunFailureMidStream(t *testing.T) {
	f := newFixture(t)
	job := f.pending(t, "exp-3", model.FilterSpec{}, model.FormatJSON)
	job.TotalCount = 4

	err := f.runner(failingSource{MemorySource: seeded(), after: 1}, WithChunkSize(2)).Run(context.Background(), job, nil)
	require.Error(t, err)

	rec, ferr := f.history.FindByExportID(context.Background(), "exp-3")
	require.NoError(t, ferr)
	assert.Equal(t, model.StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "connection reset")
	assert.NoFileExists(t, f.files.Path("exp-3", model.FormatJSON), "partial artifact removed")
	assert.Len(t, f.events.failed, 1)
	assert.Empty(t, f.events.completed)

	entry, _ := f.cache.Get(context.Background(), model.CacheKey("exp-3"))
	assert.Nil(t, entry)
}

func TestRunSourceUnavailable(t *testing.T) {
	f := newFixture(t)
	src := seeded()
	src.SetError(errors.New("db down"))
	job := f.pending(t, "exp-4", model.FilterSpec{}, model.FormatCSV)
	job.TotalCount = 4

	err := f.runner(src).Run(context.Background(), job, nil)
	assert.ErrorIs(t, err, model.ErrSourceUnavailable)
	rec, _ := f.history.FindByExportID(context.Background(), "exp-4")
	assert.Equal(t, model.StatusFailed, rec.Status)
}

func TestRunRejectsFinishedRecord(t *testing.T) {
	f := newFixture(t)
	job := f.pending(t, "exp-5", model.FilterSpec{}, model.FormatCSV)
	done := model.StatusCompleted
	require.NoError(t, f.history.UpdateByExportID(context.Background(), "exp-5", model.RecordUpdate{Status: &done}))

	err := f.runner(seeded()).Run(context.Background(), job, nil)
	assert.ErrorIs(t, err, model.ErrInvalidState)
	rec, _ := f.history.FindByExportID(context.Background(), "exp-5")
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Empty(t, f.events.percents)
}

func TestRunReplacesExistingArtifact(t *testing.T) {
	f := newFixture(t)
	job := f.pending(t, "exp-6", model.FilterSpec{}, model.FormatCSV)
	require.NoError(t, os.WriteFile(f.files.Path("exp-6", model.FormatCSV), []byte("stale partial"), 0o600))

	require.NoError(t, f.runner(seeded()).Run(context.Background(), job, nil))
	raw, err := os.ReadFile(f.files.Path("exp-6", model.FormatCSV))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "stale partial")
}

type uploads struct{ keys []string }

func (u *uploads) Upload(_ context.Context, key, path, contentType string) error {
	u.keys = append(u.keys, key)
	return nil
}

func TestRunMirrorsArtifact(t *testing.T) {
	f := newFixture(t)
	up := &uploads{}
	job := f.pending(t, "exp-7", model.FilterSpec{}, model.FormatJSON)
	require.NoError(t, f.runner(seeded(), WithMirror(up)).Run(context.Background(), job, nil))
	assert.Equal(t, []string{"exp-7.json"}, up.keys)
}

func TestStreamPercent(t *testing.T) {
	assert.Equal(t, 20, streamPercent(0, 100))
	assert.Equal(t, 50, streamPercent(50, 100))
	assert.Equal(t, 80, streamPercent(100, 100))
	assert.Equal(t, 80, streamPercent(150, 100))
	assert.Equal(t, 80, streamPercent(1, 0))
}

func TestProcessorHandleExport(t *testing.T) {
	f := newFixture(t)
	job := f.pending(t, "exp-8", model.FilterSpec{}, model.FormatCSV)
	payload, err := json.Marshal(job)
	require.NoError(t, err)

	p := NewProcessor(f.runner(seeded()), ratelimit.NewWindow(10, time.Minute), quietLogger())
	require.NoError(t, p.HandleExport(context.Background(), asynq.NewTask("export:generate", payload)))
	rec, _ := f.history.FindByExportID(context.Background(), "exp-8")
	assert.Equal(t, model.StatusCompleted, rec.Status)

	err = p.HandleExport(context.Background(), asynq.NewTask("export:generate", []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = p.HandleExport(context.Background(), asynq.NewTask("export:generate", payload))
	assert.ErrorIs(t, err, asynq.SkipRetry, "finished export is not rerun")
}

func TestProcessorLimiterFailureFailsRecord(t *testing.T) {
	f := newFixture(t)
	job := f.pending(t, "exp-9", model.FilterSpec{}, model.FormatCSV)
	payload, _ := json.Marshal(job)
	limiter := ratelimit.NewWindow(1, time.Hour)
	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p := NewProcessor(f.runner(seeded()), limiter, quietLogger())
	err := p.HandleExport(ctx, asynq.NewTask("export:generate", payload))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	rec, _ := f.history.FindByExportID(context.Background(), "exp-9")
	assert.Equal(t, model.StatusFailed, rec.Status)
}

func TestRunLeavesClaimedExportAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.pending(t, "exp-10", model.FilterSpec{}, model.FormatCSV)
	require.NoError(t, f.history.UpdateByExportID(ctx, "exp-10", model.Transition(model.StatusPending, model.StatusProcessing)))
	inFlight := f.files.Path("exp-10", model.FormatCSV)
	require.NoError(t, os.WriteFile(inFlight, []byte("written by the first worker"), 0o600))

	err := f.runner(seeded()).Run(ctx, job, nil)

	assert.ErrorIs(t, err, model.ErrInvalidState)
	raw, err := os.ReadFile(inFlight)
	require.NoError(t, err)
	assert.Equal(t, "written by the first worker", string(raw))
	rec, _ := f.history.FindByExportID(ctx, "exp-10")
	assert.Equal(t, model.StatusProcessing, rec.Status)
	assert.Nil(t, rec.ErrorMessage)
}

func TestRunDuplicateDeliveriesRunOnce(t *testing.T) {
	f := newFixture(t)
	job := f.pending(t, "exp-11", model.FilterSpec{}, model.FormatJSON)
	r := f.runner(seeded())

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- r.Run(context.Background(), job, nil) }()
	}
	first, second := <-errs, <-errs

	if first != nil {
		first, second = second, first
	}
	require.NoError(t, first)
	assert.ErrorIs(t, second, model.ErrInvalidState)
	rec, _ := f.history.FindByExportID(context.Background(), "exp-11")
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, int64(4), rec.TaskCount)
}
