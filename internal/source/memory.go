package source

import (
	"cmp"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dharsanguruparan/TaskExport/internal/model"
	"github.com/dharsanguruparan/TaskExport/internal/store"
)

// MemorySource is an in-memory task store used by tests and local runs.
type MemorySource struct {
	mu    sync.RWMutex
	tasks map[string]model.Task
	err   error
}

var _ store.SourceStore = (*MemorySource)(nil)

// NewMemorySource seeds the store with tasks.
func NewMemorySource(tasks ...model.Task) *MemorySource {
	s := &MemorySource{tasks: make(map[string]model.Task, len(tasks))}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

// Put inserts or replaces a task.
func (s *MemorySource) Put(t model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

// SetError makes every subsequent call fail with err; nil restores service.
func (s *MemorySource) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemorySource) Count(ctx context.Context, filter model.FilterSpec) (int64, error) {
	matched, err := s.match(filter)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

func (s *MemorySource) ExistsModifiedSince(ctx context.Context, filter model.FilterSpec, since time.Time) (bool, error) {
	matched, err := s.match(filter)
	if err != nil {
		return false, err
	}
	for _, t := range matched {
		if t.CreatedAt.After(since) || t.UpdatedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemorySource) Open(ctx context.Context, filter model.FilterSpec) (store.Cursor, error) {
	matched, err := s.match(filter)
	if err != nil {
		return nil, err
	}
	sortTasks(matched, filter.Normalize())
	return &sliceCursor{tasks: matched, src: s}, nil
}

func (s *MemorySource) match(filter model.FilterSpec) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSourceUnavailable, s.err)
	}
	filter = filter.Normalize()
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemorySource) failure() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return fmt.Errorf("%w: %w", model.ErrSourceUnavailable, s.err)
	}
	return nil
}

// sortTasks mirrors orderClause: nil completion dates last in both directions,
// id as tie-breaker.
func sortTasks(tasks []model.Task, f model.FilterSpec) {
	desc := f.SortOrder != model.SortAsc
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		c := compareBy(f.SortBy, a, b)
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
			if desc {
				c = -c
			}
			return c < 0
		}
		if c == nullsLast || c == -nullsLast {
			return c < 0
		}
		if desc {
			c = -c
		}
		return c < 0
	})
}

// nullsLast marks comparisons decided by a missing value; it is not flipped
// by the sort direction.
const nullsLast = 2

func compareBy(field string, a, b model.Task) int {
	switch field {
	case model.SortUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case model.SortCompletedAt:
		switch {
		case a.CompletedAt == nil && b.CompletedAt == nil:
			return 0
		case a.CompletedAt == nil:
			return nullsLast
		case b.CompletedAt == nil:
			return -nullsLast
		}
		return a.CompletedAt.Compare(*b.CompletedAt)
	case model.SortPriority:
		return cmp.Compare(model.PriorityRank(a.Priority), model.PriorityRank(b.Priority))
	case model.SortStatus:
		return strings.Compare(a.Status, b.Status)
	case model.SortTitle:
		return strings.Compare(a.Title, b.Title)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

type sliceCursor struct {
	tasks []model.Task
	pos   int
	src   *MemorySource
}

func (c *sliceCursor) Next(ctx context.Context, max int) ([]model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.src.failure(); err != nil {
		return nil, err
	}
	end := c.pos + max
	if end > len(c.tasks) {
		end = len(c.tasks)
	}
	batch := c.tasks[c.pos:end]
	c.pos = end
	return batch, nil
}

func (c *sliceCursor) Close() error {
	return nil
}
