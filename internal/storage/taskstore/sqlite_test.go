package taskstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/internal/task"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func transcribeConfig(priority task.Priority) task.Config {
	return task.Config{
		Kind:      task.KindTranscribe,
		InputPath: "/tmp/audio/sample.wav",
		Callback:  task.Callback{Type: task.CallbackHTTP, URL: "http://localhost:7200/callback/http"},
		Params: task.Params{Transcribe: &task.TranscribeParams{
			Language:           "zh",
			SpeakerDiarization: true,
		}},
		Priority:       priority,
		MaxRetries:     3,
		TimeoutSeconds: 300,
	}
}

func TestParseDSN(t *testing.T) {
	assert.Equal(t, "file:./asr_data/database/storage.db?mode=rwc",
		ParseDSN("sqlite://./asr_data/database/storage.db?mode=rwc"))
	assert.Equal(t, ":memory:", ParseDSN(":memory:"))
}

func TestInsertGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	original := task.New(transcribeConfig(task.PriorityNormal))
	require.NoError(t, store.Insert(ctx, original))

	got, err := store.Get(ctx, original.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, original.ID, got.ID)
	assert.Equal(t, original.Status, got.Status)
	assert.Equal(t, original.Config, got.Config)
	assert.Equal(t, original.RetryCount, got.RetryCount)
	// Time fields round-trip at millisecond precision.
	assert.Equal(t, original.CreatedAt.Truncate(time.Millisecond), got.CreatedAt)
	assert.Equal(t, original.UpdatedAt.Truncate(time.Millisecond), got.UpdatedAt)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Result)
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Get(context.Background(), "task-missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpsertOverwritesMutableColumnsOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	original := task.New(transcribeConfig(task.PriorityNormal))
	require.NoError(t, store.Insert(ctx, original))

	updated := *original
	updated.Status = task.Completed()
	updated.RetryCount = 1
	now := time.Now().UTC()
	updated.UpdatedAt = now
	updated.CompletedAt = &now
	updated.Result = &task.Result{Transcribe: &task.TranscribeResult{Text: "hello"}}
	require.NoError(t, store.Upsert(ctx, &updated))

	got, err := store.Get(ctx, original.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.StateCompleted, got.Status.State)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.Result)
	assert.Equal(t, "hello", got.Result.Transcribe.Text)
	// created_at is immutable across upserts.
	assert.Equal(t, original.CreatedAt.Truncate(time.Millisecond), got.CreatedAt)
}

func TestClaimNextPendingOrdersByPriorityThenAge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	priorities := []task.Priority{task.PriorityLow, task.PriorityCritical, task.PriorityNormal, task.PriorityHigh}
	ids := make(map[task.Priority]string)
	for _, p := range priorities {
		tk := task.New(transcribeConfig(p))
		// Space creation times out so created_at ordering is deterministic.
		tk.CreatedAt = tk.CreatedAt.Add(time.Duration(len(ids)) * time.Millisecond)
		require.NoError(t, store.Insert(ctx, tk))
		ids[p] = tk.ID
	}

	var claimedOrder []string
	for i := 0; i < len(priorities); i++ {
		claimed, err := store.ClaimNextPending(ctx, task.KindTranscribe, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		claimedOrder = append(claimedOrder, claimed[0].ID)
	}

	assert.Equal(t, []string{
		ids[task.PriorityCritical],
		ids[task.PriorityHigh],
		ids[task.PriorityNormal],
		ids[task.PriorityLow],
	}, claimedOrder)

	// Queue drained.
	claimed, err := store.ClaimNextPending(ctx, task.KindTranscribe, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimMarksProcessingAndStampsStartedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tk := task.New(transcribeConfig(task.PriorityNormal))
	require.NoError(t, store.Insert(ctx, tk))

	claimed, err := store.ClaimNextPending(ctx, task.KindTranscribe, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, task.StateProcessing, claimed[0].Status.State)
	require.NotNil(t, claimed[0].StartedAt)

	stored, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateProcessing, stored.Status.State)
	require.NotNil(t, stored.StartedAt)
	assert.False(t, stored.UpdatedAt.Before(stored.CreatedAt))
}

func TestClaimFiltersByKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := transcribeConfig(task.PriorityNormal)
	cfg.Kind = task.KindNoiseReduction
	cfg.Params = task.Params{NoiseReduction: &task.NoiseReductionParams{}}
	require.NoError(t, store.Insert(ctx, task.New(cfg)))

	claimed, err := store.ClaimNextPending(ctx, task.KindTranscribe, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = store.ClaimNextPending(ctx, task.KindNoiseReduction, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestConcurrentClaimsNeverShareATask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		tk := task.New(transcribeConfig(task.PriorityNormal))
		require.NoError(t, store.Insert(ctx, tk))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := store.ClaimNextPending(ctx, task.KindTranscribe, 3)
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, tk := range claimed {
					seen[tk.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %s claimed more than once", id)
	}
}

func TestUpdateStatusStampsTimestampsOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tk := task.New(transcribeConfig(task.PriorityNormal))
	require.NoError(t, store.Insert(ctx, tk))

	require.NoError(t, store.UpdateStatus(ctx, tk.ID, task.Processing()))
	afterStart, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, afterStart.StartedAt)
	startedAt := *afterStart.StartedAt

	// A second Processing write must not move started_at.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.UpdateStatus(ctx, tk.ID, task.Processing()))
	again, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, startedAt, *again.StartedAt)

	require.NoError(t, store.UpdateStatus(ctx, tk.ID, task.Completed()))
	done, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	completedAt := *done.CompletedAt

	// Terminal timestamps are stamped exactly once as well.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.UpdateStatus(ctx, tk.ID, task.Completed()))
	final, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, completedAt, *final.CompletedAt)
}

func TestUpdateStatusMissingTask(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateStatus(context.Background(), "task-missing", task.Completed())
	assert.Error(t, err)
}

func TestFailedStatusRoundTripsMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tk := task.New(transcribeConfig(task.PriorityNormal))
	require.NoError(t, store.Insert(ctx, tk))
	require.NoError(t, store.UpdateStatus(ctx, tk.ID, task.Failed("asr engine unreachable")))

	got, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, got.Status.State)
	assert.Equal(t, "asr engine unreachable", got.Status.Message)
	assert.Equal(t, "asr engine unreachable", got.Error)
	require.NotNil(t, got.CompletedAt)
}

func TestRecordFailureUpdatesRetryCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tk := task.New(transcribeConfig(task.PriorityNormal))
	require.NoError(t, store.Insert(ctx, tk))

	require.NoError(t, store.RecordFailure(ctx, tk.ID, 2, task.Retrying()))
	got, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, task.StateRetrying, got.Status.State)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, store.RecordFailure(ctx, tk.ID, 3, task.Failed("gave up")))
	got, err = store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, task.StateFailed, got.Status.State)
	require.NotNil(t, got.CompletedAt)
}

func TestFindTimedOut(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Processing with an expired deadline.
	expired := task.New(transcribeConfig(task.PriorityNormal))
	expired.Status = task.Processing()
	started := time.Now().UTC().Add(-301 * time.Second)
	expired.StartedAt = &started
	require.NoError(t, store.Insert(ctx, expired))

	// Processing but still within its deadline.
	fresh := task.New(transcribeConfig(task.PriorityNormal))
	fresh.Status = task.Processing()
	justStarted := time.Now().UTC()
	fresh.StartedAt = &justStarted
	require.NoError(t, store.Insert(ctx, fresh))

	// Processing with no timeout at all: never reported.
	unbounded := task.New(transcribeConfig(task.PriorityNormal))
	unbounded.Config.TimeoutSeconds = 0
	unbounded.Status = task.Processing()
	unbounded.StartedAt = &started
	require.NoError(t, store.Insert(ctx, unbounded))

	timedOut, err := store.FindTimedOut(ctx)
	require.NoError(t, err)
	require.Len(t, timedOut, 1)
	assert.Equal(t, expired.ID, timedOut[0].ID)
}

func TestListPaginatesInCreationOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	var ids []string
	for i := 0; i < 5; i++ {
		tk := task.New(transcribeConfig(task.PriorityNormal))
		tk.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Insert(ctx, tk))
		ids = append(ids, tk.ID)
	}

	first, err := store.List(ctx, Pagination{Index: 1, Size: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ids[0], first[0].ID)
	assert.Equal(t, ids[1], first[1].ID)

	second, err := store.List(ctx, Pagination{Index: 2, Size: 2})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, ids[2], second[0].ID)

	// Out-of-range pagination falls back to (1, 10).
	fallback, err := store.List(ctx, Pagination{Index: 0, Size: -5})
	require.NoError(t, err)
	assert.Len(t, fallback, 5)
}

func TestSweepDeletesOldTerminalTasksOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)

	completed := task.New(transcribeConfig(task.PriorityNormal))
	completed.Status = task.Completed()
	completed.UpdatedAt = old
	require.NoError(t, store.Insert(ctx, completed))

	failed := task.New(transcribeConfig(task.PriorityNormal))
	failed.Status = task.Failed("boom")
	failed.UpdatedAt = old
	require.NoError(t, store.Insert(ctx, failed))

	pending := task.New(transcribeConfig(task.PriorityNormal))
	pending.UpdatedAt = old
	require.NoError(t, store.Insert(ctx, pending))

	recent := task.New(transcribeConfig(task.PriorityNormal))
	recent.Status = task.Completed()
	require.NoError(t, store.Insert(ctx, recent))

	deleted, err := store.Sweep(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	// Sweeping again with no intervening mutation deletes nothing.
	deleted, err = store.Sweep(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)

	remaining, err := store.List(ctx, DefaultPagination())
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestFindByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pending := task.New(transcribeConfig(task.PriorityNormal))
	require.NoError(t, store.Insert(ctx, pending))

	failed := task.New(transcribeConfig(task.PriorityNormal))
	failed.Status = task.Failed("x")
	require.NoError(t, store.Insert(ctx, failed))

	got, err := store.FindByStatus(ctx, task.StateFailed)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, failed.ID, got[0].ID)
}
