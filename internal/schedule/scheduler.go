package schedule

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"scribe/internal/logging"
	"scribe/internal/task"
)

const defaultSweepInterval = 60 * time.Second

// Scheduler owns the workers and the background timeout sweeper and
// supervises their lifetime. Cancelling Run stops all of them.
type Scheduler struct {
	manager       *Manager
	logger        logging.Logger
	sweepInterval time.Duration

	mu      sync.Mutex
	workers []*Worker
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithSweepInterval overrides the timeout sweep cadence.
func WithSweepInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.sweepInterval = interval
		}
	}
}

// NewScheduler builds a scheduler over the manager.
func NewScheduler(manager *Manager, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		manager:       manager,
		logger:        logging.NewComponentLogger("Scheduler"),
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SpawnWorker adds one worker for the kind. Workers start when Run is called.
func (s *Scheduler) SpawnWorker(kind task.Kind, opts ...WorkerOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, NewWorker(s.manager, kind, opts...))
}

// SpawnWorkers adds count workers for the kind.
func (s *Scheduler) SpawnWorkers(kind task.Kind, count int, opts ...WorkerOption) {
	for i := 0; i < count; i++ {
		s.SpawnWorker(kind, opts...)
	}
}

// Run freezes the processor registry, starts every worker and the sweeper,
// and blocks until the context is cancelled and all of them have exited.
func (s *Scheduler) Run(ctx context.Context) error {
	s.manager.Freeze()

	s.mu.Lock()
	workers := make([]*Worker, len(s.workers))
	copy(workers, s.workers)
	s.mu.Unlock()

	s.logger.Info("scheduler starting with %d workers", len(workers))

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		worker := w
		g.Go(func() error {
			return worker.Run(ctx)
		})
	}
	g.Go(func() error {
		return s.runSweeper(ctx)
	})

	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

// runSweeper periodically times out stuck tasks and re-queues retries.
func (s *Scheduler) runSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.manager.SweepTimeouts(ctx); err != nil {
				s.logger.Error("error handling timed out tasks: %v", err)
			}
			if err := s.manager.RequeueRetrying(ctx); err != nil {
				s.logger.Error("error re-queueing retrying tasks: %v", err)
			}
		}
	}
}
