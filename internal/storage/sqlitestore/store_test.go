package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/senpuki/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func newExecutionWithRootTask(t *testing.T, s *Store, queue string) (*storage.Execution, *storage.Task) {
	t.Helper()
	now := time.Now().UTC()
	exec := &storage.Execution{
		ID:        uuid.New(),
		RootStep:  "process_order",
		Arguments: []byte(`{"order_id":"o-1"}`),
		State:     storage.ExecutionRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	root := &storage.Task{
		ID:           uuid.New(),
		ExecutionID:  exec.ID,
		Kind:         storage.KindOrchestrator,
		StepName:     exec.RootStep,
		Arguments:    exec.Arguments,
		State:        storage.TaskPending,
		MaxAttempts:  3,
		ScheduledFor: now,
		Queue:        queue,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.CreateExecutionWithRootTask(context.Background(), exec, root))
	return exec, root
}

func TestClaimNextTask_ClaimsOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, root := newExecutionWithRootTask(t, s, "default")

	filter := storage.ClaimFilter{Queues: []string{"default"}, LeaseDuration: time.Minute}

	claimed, err := s.ClaimNextTask(ctx, "worker-1", filter)
	require.NoError(t, err)
	require.Equal(t, root.ID, claimed.ID)
	require.Equal(t, storage.TaskRunning, claimed.State)

	_, err = s.ClaimNextTask(ctx, "worker-2", filter)
	require.ErrorIs(t, err, storage.ErrNoTaskClaimed)
}

func TestClaimNextTask_OrdersByPriorityThenSchedule(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	low := &storage.Task{ID: uuid.New(), ExecutionID: uuid.New(), Kind: storage.KindActivity, StepName: "low",
		State: storage.TaskPending, MaxAttempts: 1, ScheduledFor: now, Queue: "default", Priority: 0,
		CreatedAt: now, UpdatedAt: now}
	high := &storage.Task{ID: uuid.New(), ExecutionID: uuid.New(), Kind: storage.KindActivity, StepName: "high",
		State: storage.TaskPending, MaxAttempts: 1, ScheduledFor: now, Queue: "default", Priority: 10,
		CreatedAt: now, UpdatedAt: now}

	for _, task := range []*storage.Task{low, high} {
		exec := &storage.Execution{ID: task.ExecutionID, RootStep: task.StepName, State: storage.ExecutionRunning,
			CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.CreateExecutionWithRootTask(ctx, exec, task))
	}

	filter := storage.ClaimFilter{Queues: []string{"default"}, LeaseDuration: time.Minute}
	claimed, err := s.ClaimNextTask(ctx, "worker-1", filter)
	require.NoError(t, err)
	require.Equal(t, "high", claimed.StepName)
}

func TestFailTask_RetrySchedulesPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, root := newExecutionWithRootTask(t, s, "default")

	filter := storage.ClaimFilter{Queues: []string{"default"}, LeaseDuration: time.Minute}
	claimed, err := s.ClaimNextTask(ctx, "worker-1", filter)
	require.NoError(t, err)

	retryAt := time.Now().UTC().Add(5 * time.Second)
	require.NoError(t, s.FailTask(ctx, claimed.ID, "worker-1", "temporary error", &retryAt, false))

	got, err := s.GetTask(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, storage.TaskPending, got.State)
	require.Equal(t, 1, got.Attempt)
	require.Equal(t, "temporary error", got.Error)
}

func TestFailTask_DeadSnapshotsAndAllowsReplay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, root := newExecutionWithRootTask(t, s, "default")

	filter := storage.ClaimFilter{Queues: []string{"default"}, LeaseDuration: time.Minute}
	claimed, err := s.ClaimNextTask(ctx, "worker-1", filter)
	require.NoError(t, err)

	require.NoError(t, s.FailTask(ctx, claimed.ID, "worker-1", "exhausted retries", nil, true))

	got, err := s.GetTask(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, storage.TaskDead, got.State)

	n, err := s.CountDeadTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	letters, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	replayed, err := s.ReplayDeadLetter(ctx, letters[0].ID, "")
	require.NoError(t, err)
	require.Equal(t, storage.TaskPending, replayed.State)
	require.Equal(t, 0, replayed.Attempt)
	require.NotEqual(t, root.ID, replayed.ID)
}

func TestRenewLease_RejectsWrongOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, root := newExecutionWithRootTask(t, s, "default")

	filter := storage.ClaimFilter{Queues: []string{"default"}, LeaseDuration: time.Minute}
	_, err := s.ClaimNextTask(ctx, "worker-1", filter)
	require.NoError(t, err)

	err = s.RenewLease(ctx, root.ID, "worker-2", time.Now().Add(time.Minute))
	require.ErrorIs(t, err, storage.ErrLeaseLost)
}

func TestConcurrencyGroup_LimitsParallelClaims(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		execID := uuid.New()
		task := &storage.Task{
			ID: uuid.New(), ExecutionID: execID, Kind: storage.KindActivity, StepName: "send_email",
			State: storage.TaskPending, MaxAttempts: 1, ScheduledFor: now, Queue: "default",
			ConcurrencyGroup: "email", ConcurrencyLimit: 1, CreatedAt: now, UpdatedAt: now,
		}
		exec := &storage.Execution{ID: execID, RootStep: "send_email", State: storage.ExecutionRunning, CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.CreateExecutionWithRootTask(ctx, exec, task))
	}

	filter := storage.ClaimFilter{Queues: []string{"default"}, LeaseDuration: time.Minute}

	_, err := s.ClaimNextTask(ctx, "worker-1", filter)
	require.NoError(t, err)

	_, err = s.ClaimNextTask(ctx, "worker-2", filter)
	require.ErrorIs(t, err, storage.ErrNoTaskClaimed)
}

func TestSetExecutionResult_TerminalIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	exec, _ := newExecutionWithRootTask(t, s, "default")

	require.NoError(t, s.SetExecutionResult(ctx, exec.ID, storage.ExecutionCompleted, []byte(`{"ok":true}`), ""))

	err := s.SetExecutionResult(ctx, exec.ID, storage.ExecutionFailed, nil, "too late")
	require.ErrorIs(t, err, storage.ErrTerminalState)
}

func TestAddCounter_Accumulates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	exec, _ := newExecutionWithRootTask(t, s, "default")

	v, err := s.AddCounter(ctx, exec.ID, "retries", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	v, err = s.AddCounter(ctx, exec.ID, "retries", 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), v)
}

func TestSignals_FIFOPerExecutionAndName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	exec, _ := newExecutionWithRootTask(t, s, "default")

	require.NoError(t, s.SendSignal(ctx, exec.ID, "approval", []byte("first")))
	require.NoError(t, s.SendSignal(ctx, exec.ID, "approval", []byte("second")))

	payload, ok, err := s.ConsumeSignal(ctx, exec.ID, "approval")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", string(payload))

	payload, ok, err = s.ConsumeSignal(ctx, exec.ID, "approval")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", string(payload))

	_, ok, err = s.ConsumeSignal(ctx, exec.ID, "approval")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutCache(ctx, "step:hash", []byte(`{"v":1}`), -time.Second))

	_, ok, err := s.GetCache(ctx, "step:hash")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCleanupExecutions_RemovesOnlyTerminalAndStale(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	exec, _ := newExecutionWithRootTask(t, s, "default")
	require.NoError(t, s.SetExecutionResult(ctx, exec.ID, storage.ExecutionCompleted, []byte("{}"), ""))

	stillRunning, _ := newExecutionWithRootTask(t, s, "default")

	n, err := s.CleanupExecutions(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.GetExecutionState(ctx, exec.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetExecutionState(ctx, stillRunning.ID)
	require.NoError(t, err)
}
