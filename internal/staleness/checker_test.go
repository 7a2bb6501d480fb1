package staleness

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/dharsanguruparan/TaskExport/internal/model"
	"github.com/dharsanguruparan/TaskExport/internal/source"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestIsStale(t *testing.T) {
	completed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	before := completed.Add(-time.Hour)
	after := completed.Add(time.Second)
	pending := model.FilterSpec{Status: []string{"pending"}}

	src := source.NewMemorySource(
		model.Task{ID: "a", Status: "pending", Priority: "low", CreatedAt: before, UpdatedAt: before},
		model.Task{ID: "b", Status: "completed", Priority: "low", CreatedAt: before, UpdatedAt: after},
	)
	c := NewChecker(src, quietLogger())
	ctx := context.Background()

	assert.False(t, c.IsStale(ctx, pending, completed), "no pending task changed")
	assert.True(t, c.IsStale(ctx, model.FilterSpec{}, completed), "task b changed after completion")

	src.Put(model.Task{ID: "a", Status: "pending", Priority: "low", CreatedAt: before, UpdatedAt: completed})
	assert.False(t, c.IsStale(ctx, pending, completed), "equal timestamp is not newer")

	src.Put(model.Task{ID: "c", Status: "pending", Priority: "high", CreatedAt: after, UpdatedAt: after})
	assert.True(t, c.IsStale(ctx, pending, completed), "new matching task")
}

func TestIsStaleOnSourceFailure(t *testing.T) {
	src := source.NewMemorySource()
	src.SetError(errors.New("connection refused"))
	c := NewChecker(src, quietLogger())
	assert.True(t, c.IsStale(context.Background(), model.FilterSpec{}, time.Now()))
}
