package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/internal/task"
)

func fastWorker(manager *Manager, kind task.Kind) *Worker {
	return NewWorker(manager, kind,
		WithPollInterval(10*time.Millisecond),
		WithErrorBackoff(5*time.Millisecond))
}

func waitForState(t *testing.T, manager *Manager, id string, want task.State) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := manager.Get(context.Background(), id)
		require.NoError(t, err)
		if stored != nil && stored.Status.State == want {
			return stored
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached state %s", id, want)
	return nil
}

func TestWorkerCompletesTaskAndFiresCallback(t *testing.T) {
	var mu sync.Mutex
	var payloads []map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		payloads = append(payloads, body)
		mu.Unlock()
	}))
	defer server.Close()

	manager, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(task.PriorityNormal)
	cfg.Callback = task.Callback{Type: task.CallbackHTTP, URL: server.URL}
	created, err := manager.Submit(ctx, cfg)
	require.NoError(t, err)

	worker := fastWorker(manager, task.KindTranscribe)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()

	completed := waitForState(t, manager, created.ID, task.StateCompleted)
	require.NotNil(t, completed.Result)
	require.NotNil(t, completed.StartedAt)
	require.NotNil(t, completed.CompletedAt)
	assert.False(t, completed.StartedAt.After(completed.UpdatedAt))

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1, "exactly one terminal callback")
	assert.JSONEq(t, `"Completed"`, string(payloads[0]["status"]))
}

func TestWorkerFailureEndsInFailedWithCallback(t *testing.T) {
	var mu sync.Mutex
	statuses := []string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		statuses = append(statuses, string(body["status"]))
		mu.Unlock()
	}))
	defer server.Close()

	manager, processor := newTestManager(t)
	processor.failWith = errors.New("no such file")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(task.PriorityNormal)
	cfg.Callback = task.Callback{Type: task.CallbackHTTP, URL: server.URL}
	created, err := manager.Submit(ctx, cfg)
	require.NoError(t, err)

	worker := fastWorker(manager, task.KindTranscribe)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()

	// Keep feeding retries back to the queue, as the scheduler sweeper would.
	requeueDone := make(chan struct{})
	go func() {
		defer close(requeueDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				_ = manager.RequeueRetrying(ctx)
			}
		}
	}()

	final := waitForState(t, manager, created.ID, task.StateFailed)
	assert.Equal(t, 3, final.RetryCount)
	assert.Equal(t, "no such file", final.Status.Message)

	cancel()
	<-done
	<-requeueDone

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, statuses, 1, "failure callback fires exactly once, on the terminal edge")
	assert.Contains(t, statuses[0], "Failed")
}

func TestWorkerHonorsTaskDeadline(t *testing.T) {
	manager, processor := newTestManager(t)
	processor.delay = 2 * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(task.PriorityNormal)
	cfg.TimeoutSeconds = 1
	cfg.MaxRetries = 0
	created, err := manager.Submit(ctx, cfg)
	require.NoError(t, err)

	worker := fastWorker(manager, task.KindTranscribe)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()

	final := waitForState(t, manager, created.ID, task.StateFailed)
	assert.Contains(t, final.Status.Message, "context deadline exceeded")

	cancel()
	<-done
}

func TestWorkerStopsOnCancellation(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	worker := fastWorker(manager, task.KindTranscribe)
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestWorkerRunsCleanupAfterCompletion(t *testing.T) {
	manager, processor := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created, err := manager.Submit(ctx, testConfig(task.PriorityNormal))
	require.NoError(t, err)

	worker := fastWorker(manager, task.KindTranscribe)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()

	waitForState(t, manager, created.ID, task.StateCompleted)
	cancel()
	<-done

	processor.mu.Lock()
	defer processor.mu.Unlock()
	assert.Equal(t, []string{created.ID}, processor.cleaned)
}

func TestSchedulerProcessesInPriorityOrder(t *testing.T) {
	manager, processor := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Submit in scrambled order; a single worker must drain by priority.
	priorities := []task.Priority{task.PriorityLow, task.PriorityCritical, task.PriorityNormal, task.PriorityHigh}
	idsByPriority := make(map[task.Priority]string)
	for _, p := range priorities {
		created, err := manager.Submit(ctx, testConfig(p))
		require.NoError(t, err)
		idsByPriority[p] = created.ID
		time.Sleep(2 * time.Millisecond) // distinct created_at
	}

	scheduler := NewScheduler(manager, WithSweepInterval(20*time.Millisecond))
	scheduler.SpawnWorker(task.KindTranscribe,
		WithPollInterval(10*time.Millisecond),
		WithErrorBackoff(5*time.Millisecond))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = scheduler.Run(ctx)
	}()

	for _, p := range priorities {
		waitForState(t, manager, idsByPriority[p], task.StateCompleted)
	}
	cancel()
	<-done

	assert.Equal(t, []string{
		idsByPriority[task.PriorityCritical],
		idsByPriority[task.PriorityHigh],
		idsByPriority[task.PriorityNormal],
		idsByPriority[task.PriorityLow],
	}, processor.processedIDs())
}

func TestSchedulerSweepsTimedOutTasks(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(task.PriorityNormal)
	cfg.TimeoutSeconds = 300
	stuck := task.New(cfg)
	stuck.Status = task.Processing()
	started := time.Now().UTC().Add(-301 * time.Second)
	stuck.StartedAt = &started
	require.NoError(t, manager.Store().Insert(ctx, stuck))

	scheduler := NewScheduler(manager, WithSweepInterval(20*time.Millisecond))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = scheduler.Run(ctx)
	}()

	waitForState(t, manager, stuck.ID, task.StateTimedOut)
	cancel()
	<-done
}

func TestSchedulerStopsAllWorkersOnCancel(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())

	scheduler := NewScheduler(manager, WithSweepInterval(20*time.Millisecond))
	scheduler.SpawnWorkers(task.KindTranscribe, 3,
		WithPollInterval(10*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
