package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// taskInspector is the part of asynq.Inspector the pruner uses.
type taskInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListCompletedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// Pruner trims finished tasks so each queue keeps only the most recent
// keepCompleted completed and keepFailed archived tasks.
type Pruner struct {
	inspector     taskInspector
	queues        []string
	keepCompleted int
	keepFailed    int
}

// NewPruner builds a pruner over every priority band.
func NewPruner(inspector *asynq.Inspector, keepCompleted, keepFailed int) *Pruner {
	return newPruner(inspector, keepCompleted, keepFailed)
}

func newPruner(inspector taskInspector, keepCompleted, keepFailed int) *Pruner {
	return &Pruner{
		inspector:     inspector,
		queues:        []string{QueueCritical, QueueHigh, QueueDefault},
		keepCompleted: keepCompleted,
		keepFailed:    keepFailed,
	}
}

// Prune deletes the oldest surplus tasks and returns how many went.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	deleted := 0
	for _, q := range p.queues {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		info, err := p.inspector.GetQueueInfo(q)
		if err != nil {
			// Queues appear on first enqueue.
			continue
		}
		n, err := p.trim(q, info.Completed-p.keepCompleted, p.inspector.ListCompletedTasks)
		deleted += n
		if err != nil {
			return deleted, fmt.Errorf("prune completed %s: %w", q, err)
		}
		n, err = p.trim(q, info.Archived-p.keepFailed, p.inspector.ListArchivedTasks)
		deleted += n
		if err != nil {
			return deleted, fmt.Errorf("prune archived %s: %w", q, err)
		}
	}
	return deleted, nil
}

type listFunc func(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)

// trim deletes the first surplus tasks of a listing; listings are oldest first.
func (p *Pruner) trim(queue string, surplus int, list listFunc) (int, error) {
	if surplus <= 0 {
		return 0, nil
	}
	tasks, err := list(queue, asynq.PageSize(surplus), asynq.Page(1))
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, t := range tasks[:min(surplus, len(tasks))] {
		if err := p.inspector.DeleteTask(queue, t.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Sweep is periodic maintenance that reports how many items it changed.
type Sweep func(ctx context.Context) (int, error)

type sweepEntry struct {
	name     string
	schedule string
	run      Sweep
}

// Scheduler runs the pruner, and any other registered sweeps, on cron
// schedules.
type Scheduler struct {
	sweeps  []sweepEntry
	cron    *cron.Cron
	log     logrus.FieldLogger
	mu      sync.Mutex
	running bool
}

// NewScheduler accepts standard cron expressions and descriptors such as
// "@every 1m".
func NewScheduler(pruner *Pruner, schedule string, log logrus.FieldLogger) *Scheduler {
	s := &Scheduler{cron: cron.New(), log: log}
	s.Add("prune", schedule, pruner.Prune)
	return s
}

// Add registers another sweep. It must be called before Start; an empty
// schedule disables the sweep.
func (s *Scheduler) Add(name, schedule string, run Sweep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps = append(s.sweeps, sweepEntry{name: name, schedule: schedule, run: run})
}

// Start schedules every enabled sweep until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled := 0
	for _, sw := range s.sweeps {
		if sw.schedule == "" {
			s.log.WithField("sweep", sw.name).Info("schedule not configured, skipping")
			continue
		}
		if _, err := cron.ParseStandard(sw.schedule); err != nil {
			return fmt.Errorf("invalid cron schedule %q for %s: %w", sw.schedule, sw.name, err)
		}
		enabled++
	}
	if enabled == 0 {
		return nil
	}
	for _, sw := range s.sweeps {
		if sw.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(sw.schedule, func() { s.run(ctx, sw) }); err != nil {
			return fmt.Errorf("schedule %s: %w", sw.name, err)
		}
		s.log.WithFields(logrus.Fields{"sweep": sw.name, "schedule": sw.schedule}).Info("sweep scheduled")
	}
	s.cron.Start()
	s.running = true
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context, sw sweepEntry) {
	start := time.Now()
	log := s.log.WithField("sweep", sw.name)
	n, err := sw.run(ctx)
	if err != nil {
		log.WithError(err).Error("sweep failed")
		return
	}
	if n > 0 {
		log.WithFields(logrus.Fields{"changed": n, "took": time.Since(start)}).Info("sweep finished")
	}
}

// Stop waits for running sweeps to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info("scheduler stopped")
}

// IsRunning reports whether any schedule is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
