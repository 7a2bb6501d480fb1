// Package storage contains an in-memory history store used as a test double
// for the Postgres store in package repository.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/TaskExport/internal/model"
	"github.com/dharsanguruparan/TaskExport/internal/store"
)

// MemoryStore keeps export records in a map guarded by an RWMutex so status
// polls can read concurrently with worker updates.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.ExportRecord
	now     func() time.Time
}

var _ store.HistoryStore = (*MemoryStore)(nil)

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.ExportRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a record. A second create for the same export id is a no-op.
func (m *MemoryStore) Create(ctx context.Context, rec *model.ExportRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ExportID]; ok {
		return nil
	}
	now := m.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Fingerprint == "" {
		rec.Fingerprint = rec.Filter.Fingerprint()
	}
	m.records[rec.ExportID] = clone(rec)
	return nil
}

// FindByExportID returns a copy so callers cannot mutate stored state.
func (m *MemoryStore) FindByExportID(ctx context.Context, exportID string) (*model.ExportRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[exportID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return clone(rec), nil
}

// UpdateByExportID applies a partial update. The expected status is checked
// under the same lock as the write.
func (m *MemoryStore) UpdateByExportID(ctx context.Context, exportID string, update model.RecordUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[exportID]
	if !ok {
		return model.ErrNotFound
	}
	if !update.Permits(rec.Status) {
		return fmt.Errorf("%w: export %s is %s, expected %s", model.ErrInvalidState, exportID, rec.Status, *update.Expect)
	}
	update.Apply(rec)
	rec.UpdatedAt = m.now()
	return nil
}

// FindMostRecentCompleted scans for the newest reusable record.
func (m *MemoryStore) FindMostRecentCompleted(ctx context.Context, filter model.FilterSpec, format model.Format) (*model.ExportRecord, error) {
	fp := filter.Fingerprint()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *model.ExportRecord
	for _, rec := range m.records {
		if rec.Fingerprint != fp || rec.Format != format || !rec.Reusable() {
			continue
		}
		if best == nil || rec.CompletedAt.After(*best.CompletedAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, model.ErrNotFound
	}
	return clone(best), nil
}

// ListUnfinished returns pending and processing records last touched before
// the given time, oldest first.
func (m *MemoryStore) ListUnfinished(ctx context.Context, before time.Time, limit int) ([]*model.ExportRecord, error) {
	m.mu.RLock()
	out := make([]*model.ExportRecord, 0)
	for _, rec := range m.records {
		if rec.Status != model.StatusPending && rec.Status != model.StatusProcessing {
			continue
		}
		if !rec.UpdatedAt.Before(before) {
			continue
		}
		out = append(out, clone(rec))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Paginate lists records newest first.
func (m *MemoryStore) Paginate(ctx context.Context, query store.HistoryQuery) (*store.HistoryPage, error) {
	query = query.Normalized()
	m.mu.RLock()
	matched := make([]*model.ExportRecord, 0, len(m.records))
	for _, rec := range m.records {
		if query.Status != "" && rec.Status != query.Status {
			continue
		}
		if query.Format != "" && rec.Format != query.Format {
			continue
		}
		matched = append(matched, clone(rec))
	}
	m.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ExportID > matched[j].ExportID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	start := query.Offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + query.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return store.NewHistoryPage(matched[start:end], len(matched), query.Page, query.Limit), nil
}

func clone(rec *model.ExportRecord) *model.ExportRecord {
	cp := *rec
	cp.Filter = rec.Filter.Normalize()
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		cp.CompletedAt = &t
	}
	if rec.FilePath != nil {
		p := *rec.FilePath
		cp.FilePath = &p
	}
	if rec.ErrorMessage != nil {
		msg := *rec.ErrorMessage
		cp.ErrorMessage = &msg
	}
	return &cp
}
