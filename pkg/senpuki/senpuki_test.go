package senpuki

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maumercado/senpuki/internal/execctx"
	"github.com/maumercado/senpuki/internal/registry"
	"github.com/maumercado/senpuki/internal/storage"
	"github.com/maumercado/senpuki/internal/storage/sqlitestore"
)

func newTestExecutor(t *testing.T) (*Executor, *sqlitestore.Store) {
	t.Helper()
	s, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))

	reg := registry.New()
	require.NoError(t, reg.Register(registry.FunctionSpec{
		Name: "add",
		Kind: registry.KindActivity,
		Handler: func(ctx context.Context, ec *execctx.Context, args []byte) ([]byte, error) {
			return []byte(`3`), nil
		},
	}))

	return New(s, reg), s
}

func TestDispatch_UnknownFunctionFailsFast(t *testing.T) {
	e, _ := newTestExecutor(t)
	_, err := e.Dispatch(context.Background(), "does_not_exist", nil)
	require.ErrorIs(t, err, registry.ErrNotRegistered)
}

func TestDispatch_CreatesExecutionAndRootTask(t *testing.T) {
	e, s := newTestExecutor(t)
	ctx := context.Background()

	executionID, err := e.Dispatch(ctx, "add", map[string]int{"a": 1, "b": 2},
		WithDispatchQueue("fast"), WithDispatchPriority(5), WithDispatchTags("team-a"))
	require.NoError(t, err)

	exec, err := e.StateOf(ctx, executionID)
	require.NoError(t, err)
	require.Equal(t, storage.ExecutionRunning, exec.State)

	tasks, err := s.ListTasks(ctx, executionID, nil)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "fast", tasks[0].Queue)
	require.Equal(t, 5, tasks[0].Priority)
	require.Equal(t, []string{"team-a"}, tasks[0].Tags)
}

func TestDispatch_DelayShiftsScheduledFor(t *testing.T) {
	e, s := newTestExecutor(t)
	ctx := context.Background()
	before := time.Now().UTC()

	executionID, err := e.Dispatch(ctx, "add", nil, WithDispatchDelay(time.Hour))
	require.NoError(t, err)

	tasks, err := s.ListTasks(ctx, executionID, nil)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.True(t, tasks[0].ScheduledFor.After(before.Add(50*time.Minute)))
}

func TestWaitFor_ReturnsResultOnCompletion(t *testing.T) {
	e, s := newTestExecutor(t)
	ctx := context.Background()

	executionID, err := e.Dispatch(ctx, "add", nil)
	require.NoError(t, err)

	tasks, err := s.ListTasks(ctx, executionID, nil)
	require.NoError(t, err)
	require.NoError(t, s.SetExecutionResult(ctx, executionID, storage.ExecutionCompleted, []byte(`3`), ""))
	_ = tasks

	result, err := e.WaitFor(ctx, executionID, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte(`3`), result)
}

func TestWaitFor_ReturnsStructuredErrorOnFailure(t *testing.T) {
	e, s := newTestExecutor(t)
	ctx := context.Background()

	executionID, err := e.Dispatch(ctx, "add", nil)
	require.NoError(t, err)
	require.NoError(t, s.SetExecutionResult(ctx, executionID, storage.ExecutionFailed, nil, "boom"))

	_, err = e.WaitFor(ctx, executionID, time.Second)
	require.Error(t, err)
	var failErr *ErrExecutionFailed
	require.ErrorAs(t, err, &failErr)
	require.Equal(t, storage.ExecutionFailed, failErr.State)
	require.Equal(t, "boom", failErr.Err)
}

func TestWaitFor_TimesOutWhenStillRunning(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	executionID, err := e.Dispatch(ctx, "add", nil)
	require.NoError(t, err)

	_, err = e.WaitFor(ctx, executionID, 50*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendSignal_DeliversToConsumer(t *testing.T) {
	e, s := newTestExecutor(t)
	ctx := context.Background()

	executionID, err := e.Dispatch(ctx, "add", nil)
	require.NoError(t, err)

	require.NoError(t, e.SendSignal(ctx, executionID, "approval", map[string]bool{"approved": true}))

	payload, ok, err := s.ConsumeSignal(ctx, executionID, "approval")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(payload), "approved")
}

func TestDeadLetterLifecycle(t *testing.T) {
	e, s := newTestExecutor(t)
	ctx := context.Background()

	executionID, err := e.Dispatch(ctx, "add", nil)
	require.NoError(t, err)

	tasks, err := s.ListTasks(ctx, executionID, nil)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	claimed, err := s.ClaimNextTask(ctx, "worker-1", storage.ClaimFilter{Queues: []string{"default"}, LeaseDuration: time.Minute})
	require.NoError(t, err)
	require.NoError(t, s.FailTask(ctx, claimed.ID, "worker-1", "exhausted", nil, true))

	n, err := e.CountDeadTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	letters, err := e.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	got, err := e.GetDeadLetter(ctx, letters[0].ID)
	require.NoError(t, err)
	require.Equal(t, letters[0].ID, got.ID)

	replayed, err := e.ReplayDeadLetter(ctx, letters[0].ID, "")
	require.NoError(t, err)
	require.Equal(t, storage.TaskPending, replayed.State)

	require.NoError(t, e.DeleteDeadLetter(ctx, letters[0].ID))
	n, err = e.CountDeadTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestCreateWorkerLifecycle_DrainStopsServe(t *testing.T) {
	e, _ := newTestExecutor(t)
	lc := e.CreateWorkerLifecycle("w1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx, lc, WithServePollInterval(5*time.Millisecond), WithServeCleanup(0, 0)) }()

	require.NoError(t, lc.WaitUntilReady(ctx))
	e.RequestWorkerDrain(lc)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("serve did not stop after drain request")
	}
}

func TestServe_NilLifecycle(t *testing.T) {
	e, _ := newTestExecutor(t)
	err := e.Serve(context.Background(), nil)
	require.ErrorIs(t, err, ErrNilLifecycle)
}
