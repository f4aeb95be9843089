package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"scribe/internal/logging"
	"scribe/internal/schedule/processors"
	"scribe/internal/storage/taskstore"
	"scribe/internal/task"
)

// Manager owns the processor registry and drives task lifecycle transitions.
// It holds no authoritative task state; the store is the source of truth.
type Manager struct {
	store      taskstore.Store
	dispatcher *Dispatcher
	logger     logging.Logger
	metrics    *Metrics

	procMu     sync.RWMutex
	processors map[task.Kind]processors.Processor
	frozen     atomic.Bool

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithDispatcher overrides the callback dispatcher.
func WithDispatcher(d *Dispatcher) ManagerOption {
	return func(m *Manager) { m.dispatcher = d }
}

// WithMetrics wires scheduler metrics.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager builds a task manager over the given store.
func NewManager(store taskstore.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		logger:     logging.NewComponentLogger("TaskManager"),
		processors: make(map[task.Kind]processors.Processor),
		inflight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dispatcher == nil {
		m.dispatcher = NewDispatcher()
	}
	if m.metrics == nil {
		m.metrics = NopMetrics()
	}
	return m
}

// Store exposes the underlying task store.
func (m *Manager) Store() taskstore.Store { return m.store }

// Dispatcher exposes the callback dispatcher.
func (m *Manager) Dispatcher() *Dispatcher { return m.dispatcher }

// RegisterFunctionCallback installs a named in-process callback.
func (m *Manager) RegisterFunctionCallback(name string, fn FunctionCallback) {
	m.dispatcher.RegisterFunction(name, fn)
}

// RegisterProcessor installs a kind binding. Re-registering a kind replaces
// the previous binding. Registration is rejected once the scheduler runs.
func (m *Manager) RegisterProcessor(p processors.Processor) error {
	if m.frozen.Load() {
		return fmt.Errorf("processor registry is frozen")
	}
	m.procMu.Lock()
	defer m.procMu.Unlock()
	m.logger.Info("registering processor for task kind %s", p.Kind())
	m.processors[p.Kind()] = p
	return nil
}

// Freeze makes the processor registry read-only.
func (m *Manager) Freeze() { m.frozen.Store(true) }

func (m *Manager) processorFor(kind task.Kind) (processors.Processor, error) {
	m.procMu.RLock()
	defer m.procMu.RUnlock()
	p, ok := m.processors[kind]
	if !ok {
		return nil, fmt.Errorf("no processor found for task kind %s", kind)
	}
	return p, nil
}

// ValidationError marks a submission rejected before persistence.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a submission validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Submit validates the config and persists a new pending task.
func (m *Manager) Submit(ctx context.Context, cfg task.Config) (*task.Task, error) {
	if !cfg.Kind.Valid() {
		return nil, &ValidationError{Err: fmt.Errorf("unknown task kind %q", cfg.Kind)}
	}
	if !cfg.Priority.Valid() {
		return nil, &ValidationError{Err: fmt.Errorf("unknown task priority %d", int(cfg.Priority))}
	}
	processor, err := m.processorFor(cfg.Kind)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}
	if err := processor.Validate(cfg.Params); err != nil {
		return nil, &ValidationError{Err: err}
	}

	t := task.New(cfg)
	if err := m.store.Insert(ctx, t); err != nil {
		return nil, err
	}
	m.metrics.Submitted.WithLabelValues(string(cfg.Kind)).Inc()
	m.logger.Info("created task %s (kind=%s priority=%s)", t.ID, cfg.Kind, cfg.Priority)
	return t, nil
}

// ClaimOne claims the next pending task of the kind, or nil when the queue
// is empty. The claim is atomic in the store; the in-flight set is a
// defensive second guard.
func (m *Manager) ClaimOne(ctx context.Context, kind task.Kind) (*task.Task, error) {
	claimed, err := m.store.ClaimNextPending(ctx, kind, 1)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	t := claimed[0]

	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if _, dup := m.inflight[t.ID]; dup {
		m.logger.Error("store returned task %s that is already in flight", t.ID)
		return nil, nil
	}
	m.inflight[t.ID] = struct{}{}
	m.metrics.InFlight.Inc()
	return t, nil
}

// Release drops the task from the in-flight set.
func (m *Manager) Release(id string) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if _, ok := m.inflight[id]; ok {
		delete(m.inflight, id)
		m.metrics.InFlight.Dec()
	}
}

// Run executes the task's processor. On failure it records retry accounting
// (Retrying below the retry budget, Failed at it) and propagates the error.
func (m *Manager) Run(ctx context.Context, t *task.Task) (task.Result, error) {
	processor, err := m.processorFor(t.Config.Kind)
	if err != nil {
		return task.Result{}, err
	}
	m.logger.Info("processing task %s with processor %s", t.ID, t.Config.Kind)
	result, err := processor.Process(ctx, t)
	if err != nil {
		m.logger.Error("failed to process task %s: %v", t.ID, err)
		// Persist the failure even when the processor died on an expired
		// deadline; the run context is no longer usable for I/O.
		if failErr := m.HandleFailure(context.WithoutCancel(ctx), t, err); failErr != nil {
			m.logger.Error("failed to record failure for task %s: %v", t.ID, failErr)
		}
		return task.Result{}, err
	}
	return result, nil
}

// HandleFailure advances retry accounting for one failed attempt.
func (m *Manager) HandleFailure(ctx context.Context, t *task.Task, cause error) error {
	kind := string(t.Config.Kind)
	if t.RetryCount < t.Config.MaxRetries {
		t.RetryCount++
		m.logger.Warn("retrying task %s (attempt %d/%d)", t.ID, t.RetryCount, t.Config.MaxRetries)
		m.metrics.Retried.WithLabelValues(kind).Inc()
		return m.store.RecordFailure(ctx, t.ID, t.RetryCount, task.Retrying())
	}
	m.logger.Error("task %s failed after %d attempts: %v", t.ID, t.RetryCount+1, cause)
	m.metrics.Failed.WithLabelValues(kind).Inc()
	status := task.Failed(cause.Error())
	t.Status = status
	t.Error = status.Message
	return m.store.RecordFailure(ctx, t.ID, t.RetryCount, status)
}

// Complete persists the terminal success state for a task.
func (m *Manager) Complete(ctx context.Context, t *task.Task, result task.Result) error {
	now := time.Now().UTC()
	t.Result = &result
	t.Status = task.Completed()
	t.UpdatedAt = now
	if t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	if err := m.store.Upsert(ctx, t); err != nil {
		return err
	}
	m.metrics.Completed.WithLabelValues(string(t.Config.Kind)).Inc()
	m.logger.Info("task %s completed", t.ID)
	return nil
}

// RequeueRetrying moves Retrying tasks back to Pending so workers can
// claim them again.
func (m *Manager) RequeueRetrying(ctx context.Context) error {
	retrying, err := m.store.FindByStatus(ctx, task.StateRetrying)
	if err != nil {
		return err
	}
	for _, t := range retrying {
		m.logger.Info("re-queueing task %s for retry %d/%d", t.ID, t.RetryCount, t.Config.MaxRetries)
		if err := m.store.UpdateStatus(ctx, t.ID, task.Pending()); err != nil {
			return err
		}
	}
	return nil
}

// SweepTimeouts transitions Processing tasks past their deadline to TimedOut.
func (m *Manager) SweepTimeouts(ctx context.Context) error {
	timedOut, err := m.store.FindTimedOut(ctx)
	if err != nil {
		return err
	}
	for _, t := range timedOut {
		m.logger.Warn("task %s timed out", t.ID)
		if err := m.store.UpdateStatus(ctx, t.ID, task.TimedOut()); err != nil {
			return err
		}
		m.metrics.TimedOut.Inc()
	}
	return nil
}

// TaskStats counts tasks per status over one page.
type TaskStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retrying   int `json:"retrying"`
	TimedOut   int `json:"timed_out"`
}

// Stats counts tasks per status over the given page.
func (m *Manager) Stats(ctx context.Context, page taskstore.Pagination) (TaskStats, error) {
	tasks, err := m.store.List(ctx, page)
	if err != nil {
		return TaskStats{}, err
	}
	var stats TaskStats
	for _, t := range tasks {
		switch t.Status.State {
		case task.StatePending:
			stats.Pending++
		case task.StateProcessing:
			stats.Processing++
		case task.StateCompleted:
			stats.Completed++
		case task.StateFailed:
			stats.Failed++
		case task.StateRetrying:
			stats.Retrying++
		case task.StateTimedOut:
			stats.TimedOut++
		}
	}
	return stats, nil
}

// CleanupStats reports how many terminal tasks a cleanup pass removed.
type CleanupStats struct {
	Completed int64 `json:"completed_deleted"`
	Failed    int64 `json:"failed_deleted"`
}

// Cleanup deletes Completed and Failed tasks last touched before the
// retention window. TimedOut tasks are kept.
func (m *Manager) Cleanup(ctx context.Context, retentionDays int) (CleanupStats, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	var stats CleanupStats

	failed, err := m.store.FindByStatus(ctx, task.StateFailed)
	if err != nil {
		return stats, err
	}
	for _, t := range failed {
		if t.UpdatedAt.Before(cutoff) {
			if err := m.store.Delete(ctx, t.ID); err != nil {
				return stats, err
			}
			stats.Failed++
		}
	}

	completed, err := m.store.Sweep(ctx, cutoff)
	if err != nil {
		return stats, err
	}
	stats.Completed = completed
	return stats, nil
}

// UpdatePriority changes the priority of a pending task. Any other state
// is rejected.
func (m *Manager) UpdatePriority(ctx context.Context, id string, priority task.Priority) error {
	if !priority.Valid() {
		return fmt.Errorf("unknown task priority %d", int(priority))
	}
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task not found")
	}
	if t.Status.State != task.StatePending {
		return fmt.Errorf("can only adjust priority of pending tasks")
	}
	t.Config.Priority = priority
	t.UpdatedAt = time.Now().UTC()
	return m.store.Upsert(ctx, t)
}

// Get returns the task, or nil when it does not exist.
func (m *Manager) Get(ctx context.Context, id string) (*task.Task, error) {
	return m.store.Get(ctx, id)
}

// Status returns the task status, or nil when the task does not exist.
func (m *Manager) Status(ctx context.Context, id string) (*task.Status, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	status := t.Status
	return &status, nil
}

// Cleanup hook for processors after a terminal transition.
func (m *Manager) cleanupProcessor(ctx context.Context, t *task.Task) {
	processor, err := m.processorFor(t.Config.Kind)
	if err != nil {
		return
	}
	if err := processor.Cleanup(ctx, t); err != nil {
		m.logger.Warn("cleanup for task %s failed: %v", t.ID, err)
	}
}
