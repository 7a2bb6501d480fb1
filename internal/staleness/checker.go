// Package staleness decides whether a completed artifact still reflects the
// task store.
package staleness

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/TaskExport/internal/metrics"
	"github.com/dharsanguruparan/TaskExport/internal/model"
	"github.com/dharsanguruparan/TaskExport/internal/store"
)

// Checker probes the source for tasks touched after an artifact completed.
type Checker struct {
	source store.SourceStore
	log    logrus.FieldLogger
}

// NewChecker constructs a Checker.
func NewChecker(source store.SourceStore, log logrus.FieldLogger) *Checker {
	return &Checker{source: source, log: log}
}

// IsStale reports true when any matching task was created or updated strictly
// after completedAt. A failed probe counts as stale: serving an outdated
// artifact is worse than recomputing one.
func (c *Checker) IsStale(ctx context.Context, filter model.FilterSpec, completedAt time.Time) bool {
	modified, err := c.source.ExistsModifiedSince(ctx, filter, completedAt)
	if err != nil {
		metrics.StalenessChecks.WithLabelValues("error").Inc()
		c.log.WithError(err).Warn("staleness probe failed, treating artifact as stale")
		return true
	}
	if modified {
		metrics.StalenessChecks.WithLabelValues("stale").Inc()
		return true
	}
	metrics.StalenessChecks.WithLabelValues("fresh").Inc()
	return false
}
