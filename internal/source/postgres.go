package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/TaskExport/internal/model"
	"github.com/dharsanguruparan/TaskExport/internal/store"
)

// PostgresSource reads the tasks table.
type PostgresSource struct {
	pool *pgxpool.Pool
}

var _ store.SourceStore = (*PostgresSource)(nil)

// NewPostgresSource constructs a source over pool.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// Count returns the number of matching tasks.
func (s *PostgresSource) Count(ctx context.Context, filter model.FilterSpec) (int64, error) {
	query, args := countQuery(filter.Normalize())
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count tasks: %w", model.ErrSourceUnavailable, err)
	}
	return n, nil
}

// ExistsModifiedSince runs a single EXISTS probe.
func (s *PostgresSource) ExistsModifiedSince(ctx context.Context, filter model.FilterSpec, since time.Time) (bool, error) {
	query, args := existsQuery(filter.Normalize(), since.UTC())
	var exists bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: probe tasks: %w", model.ErrSourceUnavailable, err)
	}
	return exists, nil
}

// Open starts a streaming scan. pgx reads rows off the wire as Next is called,
// so only the current batch is held in memory. The cursor owns a pooled
// connection until Close.
func (s *PostgresSource) Open(ctx context.Context, filter model.FilterSpec) (store.Cursor, error) {
	query, args := scanQuery(filter.Normalize())
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: scan tasks: %w", model.ErrSourceUnavailable, err)
	}
	return &rowsCursor{rows: rows}, nil
}

type rowsCursor struct {
	rows pgx.Rows
	done bool
}

func (c *rowsCursor) Next(ctx context.Context, max int) ([]model.Task, error) {
	if c.done {
		return nil, nil
	}
	batch := make([]model.Task, 0, max)
	for len(batch) < max {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.rows.Next() {
			c.done = true
			break
		}
		var t model.Task
		if err := c.rows.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		batch = append(batch, t)
	}
	if err := c.rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read tasks: %w", model.ErrSourceUnavailable, err)
	}
	return batch, nil
}

func (c *rowsCursor) Close() error {
	c.rows.Close()
	return c.rows.Err()
}
