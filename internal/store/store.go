// Package store declares the persistence contracts of the export pipeline.
// Implementations live in repository (Postgres history), storage (in-memory
// history), source (task store) and cache.
package store

import (
	"context"
	"time"

	"github.com/dharsanguruparan/TaskExport/internal/model"
)

// HistoryStore is the durable, authoritative record of every export attempt.
// All writes are keyed by export id and idempotent.
type HistoryStore interface {
	Create(ctx context.Context, rec *model.ExportRecord) error
	FindByExportID(ctx context.Context, exportID string) (*model.ExportRecord, error)
	UpdateByExportID(ctx context.Context, exportID string, update model.RecordUpdate) error
	// FindMostRecentCompleted returns the newest completed record for the
	// filter and format that has an artifact path, or model.ErrNotFound.
	FindMostRecentCompleted(ctx context.Context, filter model.FilterSpec, format model.Format) (*model.ExportRecord, error)
	Paginate(ctx context.Context, query HistoryQuery) (*HistoryPage, error)
	// ListUnfinished returns up to limit pending or processing records whose
	// last update is older than before, oldest first.
	ListUnfinished(ctx context.Context, before time.Time, limit int) ([]*model.ExportRecord, error)
}

// HistoryQuery filters and pages the history listing. Zero values mean "any".
type HistoryQuery struct {
	Status model.ExportStatus
	Format model.Format
	Page   int
	Limit  int
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalized clamps page and limit to usable values.
func (q HistoryQuery) Normalized() HistoryQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	return q
}

// Offset is the number of rows skipped before the page.
func (q HistoryQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}

// HistoryPage is one page of records, newest first.
type HistoryPage struct {
	Items []*model.ExportRecord `json:"items"`
	Total int                   `json:"total"`
	Page  int                   `json:"page"`
	Limit int                   `json:"limit"`
	Pages int                   `json:"pages"`
}

// NewHistoryPage fills the page counters.
func NewHistoryPage(items []*model.ExportRecord, total, page, limit int) *HistoryPage {
	if items == nil {
		items = make([]*model.ExportRecord, 0)
	}
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return &HistoryPage{Items: items, Total: total, Page: page, Limit: limit, Pages: pages}
}

// SourceStore is the read-only task store.
type SourceStore interface {
	Count(ctx context.Context, filter model.FilterSpec) (int64, error)
	// ExistsModifiedSince reports whether any task matching filter was created
	// or updated strictly after since.
	ExistsModifiedSince(ctx context.Context, filter model.FilterSpec, since time.Time) (bool, error)
	// Open starts a forward-only scan in the filter's sort order.
	Open(ctx context.Context, filter model.FilterSpec) (Cursor, error)
}

// Cursor is a forward-only batched scan. Next returns an empty batch once the
// scan is exhausted.
type Cursor interface {
	Next(ctx context.Context, max int) ([]model.Task, error)
	Close() error
}

// CacheStore maps cache keys to artifact entries. A miss is (nil, nil).
type CacheStore interface {
	Get(ctx context.Context, key string) (*model.CacheEntry, error)
	Set(ctx context.Context, key string, entry *model.CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
