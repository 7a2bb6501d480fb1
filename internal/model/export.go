// Package model contains the struct definitions shared by the export pipeline.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Format names an artifact encoding. A named string type keeps callers from
// passing arbitrary text where a validated format is expected.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat validates raw user input.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, raw)
	}
}

// Extension is the artifact file suffix.
func (f Format) Extension() string {
	return string(f)
}

// MimeType is served as Content-Type on download.
func (f Format) MimeType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// ExportStatus describes the export lifecycle:
// pending -> processing -> completed | failed. Only a failed export may be
// reset to pending (repeat).
type ExportStatus string

const (
	StatusPending    ExportStatus = "pending"
	StatusProcessing ExportStatus = "processing"
	StatusCompleted  ExportStatus = "completed"
	StatusFailed     ExportStatus = "failed"
)

// Valid reports whether s is one of the lifecycle states.
func (s ExportStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle permits moving from s to next.
func (s ExportStatus) CanTransition(next ExportStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	}
	return false
}

// ExportRecord is one export attempt as kept by the history store.
type ExportRecord struct {
	ExportID     string       `json:"exportId"`
	Filter       FilterSpec   `json:"filter"`
	Fingerprint  string       `json:"fingerprint"`
	Format       Format       `json:"format"`
	Status       ExportStatus `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
	TaskCount    int64        `json:"taskCount"`
	FileSize     int64        `json:"fileSize"`
	FilePath     *string      `json:"-"`
	ErrorMessage *string      `json:"errorMessage,omitempty"`
	JobID        string       `json:"jobId,omitempty"`
	JobQueue     string       `json:"-"`
}

// Filename is the download name of the artifact.
func (r *ExportRecord) Filename() string {
	return fmt.Sprintf("%s.%s", r.ExportID, r.Format.Extension())
}

// Reusable reports whether the record points at a finished artifact.
func (r *ExportRecord) Reusable() bool {
	return r.Status == StatusCompleted && r.FilePath != nil && *r.FilePath != "" && r.CompletedAt != nil
}

// RecordUpdate carries the fields to change on an export record. Nil fields are
// left untouched. Reset clears completion data before the other fields apply.
// When Expect is set the update only applies while the stored status equals
// it; stores report a mismatch as ErrInvalidState.
type RecordUpdate struct {
	Expect       *ExportStatus
	Status       *ExportStatus
	CreatedAt    *time.Time
	CompletedAt  *time.Time
	TaskCount    *int64
	FileSize     *int64
	FilePath     *string
	ErrorMessage *string
	JobID        *string
	JobQueue     *string
	Reset        bool
}

// Transition is an update moving a record from one status to another.
func Transition(from, to ExportStatus) RecordUpdate {
	return RecordUpdate{Expect: &from, Status: &to}
}

// Permits reports whether a record in status current satisfies Expect.
func (u RecordUpdate) Permits(current ExportStatus) bool {
	return u.Expect == nil || *u.Expect == current
}

// Apply mutates rec in place. Stores without query-level updates use it.
func (u RecordUpdate) Apply(rec *ExportRecord) {
	if u.Reset {
		rec.CompletedAt = nil
		rec.TaskCount = 0
		rec.FileSize = 0
		rec.FilePath = nil
		rec.ErrorMessage = nil
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.CreatedAt != nil {
		rec.CreatedAt = *u.CreatedAt
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		rec.CompletedAt = &t
	}
	if u.TaskCount != nil {
		rec.TaskCount = *u.TaskCount
	}
	if u.FileSize != nil {
		rec.FileSize = *u.FileSize
	}
	if u.FilePath != nil {
		p := *u.FilePath
		rec.FilePath = &p
	}
	if u.ErrorMessage != nil {
		m := *u.ErrorMessage
		rec.ErrorMessage = &m
	}
	if u.JobID != nil {
		rec.JobID = *u.JobID
	}
	if u.JobQueue != nil {
		rec.JobQueue = *u.JobQueue
	}
}

// ExportJob is the queue payload handed to a worker.
type ExportJob struct {
	ExportID   string        `json:"export_id"`
	Filter     FilterSpec    `json:"filter"`
	Format     Format        `json:"format"`
	TotalCount int64         `json:"total_count"`
	Priority   int           `json:"priority"`
	Attempts   int           `json:"attempts"`
	Delay      time.Duration `json:"delay"`
}

// CacheKeyPrefix namespaces artifact cache entries.
const CacheKeyPrefix = "export_data:"

// CacheKey returns the cache key for an export.
func CacheKey(exportID string) string {
	return CacheKeyPrefix + exportID
}

// CacheEntry maps an export to its artifact. It is advisory; the history store
// stays authoritative.
type CacheEntry struct {
	ExportID  string    `json:"exportId"`
	FilePath  string    `json:"filePath"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mimeType"`
	FileSize  int64     `json:"fileSize"`
	CreatedAt time.Time `json:"createdAt"`
}

// EntryFor builds the cache entry for a completed record.
func EntryFor(rec *ExportRecord) *CacheEntry {
	entry := &CacheEntry{
		ExportID: rec.ExportID,
		Filename: rec.Filename(),
		MimeType: rec.Format.MimeType(),
		FileSize: rec.FileSize,
	}
	if rec.FilePath != nil {
		entry.FilePath = *rec.FilePath
	}
	if rec.CompletedAt != nil {
		entry.CreatedAt = *rec.CompletedAt
	}
	return entry
}
