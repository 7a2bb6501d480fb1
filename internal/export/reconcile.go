package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/TaskExport/internal/model"
	"github.com/dharsanguruparan/TaskExport/internal/queue"
)

// OrphanedMessage prefixes the error recorded on exports whose job is gone.
const OrphanedMessage = "export job lost"

const reconcileLimit = 100

// Reconcile fails pending and processing exports, idle for at least idle,
// whose job the queue no longer runs: a worker died mid-job, the task was
// archived, or the queue itself was lost. Failed exports can be repeated.
// It returns how many records were failed.
func (c *Coordinator) Reconcile(ctx context.Context, idle time.Duration) (int, error) {
	before := c.now().Add(-idle)
	total := 0
	for {
		recs, err := c.history.ListUnfinished(ctx, before, reconcileLimit)
		if err != nil {
			return total, err
		}
		n, err := c.reconcileBatch(ctx, recs)
		total += n
		// Failed records drop out of the listing; a batch without progress
		// would be listed again unchanged.
		if err != nil || n == 0 || len(recs) < reconcileLimit {
			return total, err
		}
	}
}

func (c *Coordinator) reconcileBatch(ctx context.Context, recs []*model.ExportRecord) (int, error) {
	failed := 0
	for _, rec := range recs {
		log := c.log.WithFields(logrus.Fields{"export_id": rec.ExportID, "status": rec.Status})
		reason, err := c.orphanReason(ctx, rec)
		if err != nil {
			log.WithError(err).Warn("inspect export job")
			continue
		}
		if reason == "" {
			continue
		}
		msg := fmt.Sprintf("%s: %s", OrphanedMessage, reason)
		update := model.Transition(rec.Status, model.StatusFailed)
		update.ErrorMessage = &msg
		err = c.history.UpdateByExportID(ctx, rec.ExportID, update)
		switch {
		case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrNotFound):
			// Moved on since it was listed.
			continue
		case err != nil:
			return failed, fmt.Errorf("fail orphaned export %s: %w", rec.ExportID, err)
		}
		failed++
		log.WithField("reason", reason).Warn("orphaned export failed")
	}
	return failed, nil
}

// orphanReason is empty while the queue still owns the record's job.
func (c *Coordinator) orphanReason(ctx context.Context, rec *model.ExportRecord) (string, error) {
	if rec.JobID == "" {
		return "no job was queued", nil
	}
	info, err := c.queue.Info(ctx, queue.Handle{ID: rec.JobID, Queue: rec.JobQueue})
	if errors.Is(err, queue.ErrJobNotFound) {
		return "job not found", nil
	}
	if err != nil {
		return "", err
	}
	switch info.State {
	case queue.StateFailed, queue.StateCompleted:
		return fmt.Sprintf("job %s without updating the export", info.State), nil
	}
	return "", nil
}
