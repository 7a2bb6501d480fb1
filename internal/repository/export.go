package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/TaskExport/internal/model"
	"github.com/dharsanguruparan/TaskExport/internal/store"
)

const recordColumns = `export_id, filter, fingerprint, format, status, task_count, file_size,
	file_path, error_message, job_id, job_queue, created_at, updated_at, completed_at`

// ExportRepository is the Postgres history store.
type ExportRepository struct {
	pool *pgxpool.Pool
}

var _ store.HistoryStore = (*ExportRepository)(nil)

// NewExportRepository constructs a repository.
func NewExportRepository(pool *pgxpool.Pool) *ExportRepository {
	return &ExportRepository{pool: pool}
}

// Create inserts a pending export. Re-inserting an existing id is a no-op.
func (r *ExportRepository) Create(ctx context.Context, rec *model.ExportRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Filter = rec.Filter.Normalize()
	rec.Fingerprint = rec.Filter.Fingerprint()
	filter, err := json.Marshal(rec.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO export_records (export_id, filter, fingerprint, format, status, task_count, file_size,
			file_path, error_message, job_id, job_queue, created_at, updated_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (export_id) DO NOTHING
	`, rec.ExportID, filter, rec.Fingerprint, rec.Format, rec.Status, rec.TaskCount, rec.FileSize,
		rec.FilePath, rec.ErrorMessage, rec.JobID, rec.JobQueue, rec.CreatedAt, rec.UpdatedAt, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert export record: %w", err)
	}
	return nil
}

// FindByExportID returns a record by id.
func (r *ExportRepository) FindByExportID(ctx context.Context, exportID string) (*model.ExportRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM export_records WHERE export_id=$1`, exportID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("export %s: %w", exportID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("select export record: %w", err)
	}
	return rec, nil
}

// UpdateByExportID applies a partial update. With an expected status the
// row is only written while it still holds that status.
func (r *ExportRepository) UpdateByExportID(ctx context.Context, exportID string, update model.RecordUpdate) error {
	stmt, args := updateStatement(exportID, update, time.Now().UTC())
	tag, err := r.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update export record: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if update.Expect == nil {
		return fmt.Errorf("export %s: %w", exportID, model.ErrNotFound)
	}
	var status model.ExportStatus
	err = r.pool.QueryRow(ctx, `SELECT status FROM export_records WHERE export_id=$1`, exportID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("export %s: %w", exportID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("select export status: %w", err)
	}
	return fmt.Errorf("%w: export %s is %s, expected %s", model.ErrInvalidState, exportID, status, *update.Expect)
}

// ListUnfinished returns pending and processing records idle since before.
func (r *ExportRepository) ListUnfinished(ctx context.Context, before time.Time, limit int) ([]*model.ExportRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM export_records
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, []string{string(model.StatusPending), string(model.StatusProcessing)}, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list unfinished exports: %w", err)
	}
	defer rows.Close()
	var out []*model.ExportRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unfinished exports: %w", err)
	}
	return out, nil
}

// FindMostRecentCompleted returns the newest reusable artifact for the filter.
func (r *ExportRepository) FindMostRecentCompleted(ctx context.Context, filter model.FilterSpec, format model.Format) (*model.ExportRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM export_records
		WHERE fingerprint=$1 AND format=$2 AND status=$3
			AND file_path IS NOT NULL AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1
	`, filter.Fingerprint(), format, model.StatusCompleted)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("select completed export: %w", err)
	}
	return rec, nil
}

// Paginate lists records newest first.
func (r *ExportRepository) Paginate(ctx context.Context, query store.HistoryQuery) (*store.HistoryPage, error) {
	query = query.Normalized()
	where, args := historyWhere(query)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM export_records`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count export records: %w", err)
	}
	args = append(args, query.Limit, query.Offset())
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM export_records%s
		ORDER BY created_at DESC, export_id DESC
		LIMIT $%d OFFSET $%d
	`, recordColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("list export records: %w", err)
	}
	defer rows.Close()
	items := make([]*model.ExportRecord, 0, query.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export record: %w", err)
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list export records: %w", err)
	}
	return store.NewHistoryPage(items, total, query.Page, query.Limit), nil
}

func historyWhere(q store.HistoryQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.Status != "" {
		args = append(args, q.Status)
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if q.Format != "" {
		args = append(args, q.Format)
		conds = append(conds, fmt.Sprintf("format=$%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// updateStatement renders a partial update. Reset nulls the completion
// columns unless the same update sets them again.
func updateStatement(exportID string, u model.RecordUpdate, now time.Time) (string, []any) {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if u.Reset {
		if u.CompletedAt == nil {
			sets = append(sets, "completed_at=NULL")
		}
		if u.FilePath == nil {
			sets = append(sets, "file_path=NULL")
		}
		if u.ErrorMessage == nil {
			sets = append(sets, "error_message=NULL")
		}
		if u.TaskCount == nil {
			sets = append(sets, "task_count=0")
		}
		if u.FileSize == nil {
			sets = append(sets, "file_size=0")
		}
	}
	if u.Status != nil {
		set("status", *u.Status)
	}
	if u.CreatedAt != nil {
		set("created_at", *u.CreatedAt)
	}
	if u.CompletedAt != nil {
		set("completed_at", *u.CompletedAt)
	}
	if u.TaskCount != nil {
		set("task_count", *u.TaskCount)
	}
	if u.FileSize != nil {
		set("file_size", *u.FileSize)
	}
	if u.FilePath != nil {
		set("file_path", *u.FilePath)
	}
	if u.ErrorMessage != nil {
		set("error_message", *u.ErrorMessage)
	}
	if u.JobID != nil {
		set("job_id", *u.JobID)
	}
	if u.JobQueue != nil {
		set("job_queue", *u.JobQueue)
	}
	set("updated_at", now)
	args = append(args, exportID)
	stmt := fmt.Sprintf("UPDATE export_records SET %s WHERE export_id=$%d", strings.Join(sets, ", "), len(args))
	if u.Expect != nil {
		args = append(args, *u.Expect)
		stmt += fmt.Sprintf(" AND status=$%d", len(args))
	}
	return stmt, args
}

func scanRecord(row pgx.Row) (*model.ExportRecord, error) {
	var (
		rec    model.ExportRecord
		filter []byte
	)
	if err := row.Scan(&rec.ExportID, &filter, &rec.Fingerprint, &rec.Format, &rec.Status, &rec.TaskCount, &rec.FileSize,
		&rec.FilePath, &rec.ErrorMessage, &rec.JobID, &rec.JobQueue, &rec.CreatedAt, &rec.UpdatedAt, &rec.CompletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(filter, &rec.Filter); err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	return &rec, nil
}
