package schedule

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"scribe/internal/logging"
	"scribe/internal/task"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultErrorBackoff = 100 * time.Millisecond
)

// Worker is an execution loop bound to one task kind. It claims and runs
// one task at a time; concurrency within a kind comes from spawning more
// workers.
type Worker struct {
	manager      *Manager
	kind         task.Kind
	pollInterval time.Duration
	errorBackoff time.Duration
	logger       logging.Logger
	tracer       trace.Tracer
}

// WorkerOption configures a worker.
type WorkerOption func(*Worker)

// WithPollInterval overrides the idle poll interval.
func WithPollInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = interval }
}

// WithErrorBackoff overrides the backoff after a claim error.
func WithErrorBackoff(backoff time.Duration) WorkerOption {
	return func(w *Worker) { w.errorBackoff = backoff }
}

// NewWorker builds a worker for the given kind.
func NewWorker(manager *Manager, kind task.Kind, opts ...WorkerOption) *Worker {
	w := &Worker{
		manager:      manager,
		kind:         kind,
		pollInterval: defaultPollInterval,
		errorBackoff: defaultErrorBackoff,
		logger:       logging.NewComponentLogger("Worker:" + string(kind)),
		tracer:       otel.Tracer("scribe/schedule"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes the worker loop until the context is cancelled. The task in
// flight when cancellation arrives is finished, not abandoned.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		default:
		}

		processed, err := w.processNext(ctx)
		switch {
		case err != nil:
			w.logger.Error("error processing task: %v", err)
			w.sleep(ctx, w.errorBackoff)
		case !processed:
			w.sleep(ctx, w.pollInterval)
		}
		// After a processed task, loop immediately to drain the backlog.
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// processNext claims and runs one task. It reports whether a task was
// processed.
func (w *Worker) processNext(ctx context.Context) (bool, error) {
	t, err := w.manager.ClaimOne(ctx, w.kind)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}
	defer w.manager.Release(t.ID)

	w.logger.Info("processing %s task %s", w.kind, t.ID)

	// Shutdown must not abandon the claimed task mid-flight; only the
	// task's own deadline bounds the run. Persistence and callbacks use
	// the deadline-free context so a timed-out run can still be recorded.
	persistCtx := context.WithoutCancel(ctx)
	runCtx := persistCtx
	if seconds, ok := t.Config.Timeout(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(seconds)*time.Second)
		defer cancel()
	}

	runCtx, span := w.tracer.Start(runCtx, "task.process",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.kind", string(w.kind)),
		))
	result, err := w.manager.Run(runCtx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		w.afterFailure(persistCtx, t)
		return true, nil
	}
	span.End()

	if err := w.manager.Complete(persistCtx, t, result); err != nil {
		w.logger.Error("failed to persist completion of task %s: %v", t.ID, err)
		return true, nil
	}
	w.manager.Dispatcher().FireCompleted(persistCtx, t)
	w.manager.cleanupProcessor(persistCtx, t)
	return true, nil
}

// afterFailure fires the failure callback when retry accounting landed the
// task in a terminal state. Retrying tasks notify nobody.
func (w *Worker) afterFailure(ctx context.Context, t *task.Task) {
	stored, err := w.manager.Get(ctx, t.ID)
	if err != nil || stored == nil {
		w.logger.Error("failed to load task %s after failure: %v", t.ID, err)
		return
	}
	if stored.Status.State != task.StateFailed {
		return
	}
	w.manager.Dispatcher().FireFailed(ctx, stored)
	w.manager.cleanupProcessor(ctx, stored)
}
