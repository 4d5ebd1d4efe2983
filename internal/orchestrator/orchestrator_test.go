package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/senpuki/internal/codec"
	"github.com/maumercado/senpuki/internal/execctx"
	"github.com/maumercado/senpuki/internal/registry"
	"github.com/maumercado/senpuki/internal/storage"
	"github.com/maumercado/senpuki/internal/storage/sqlitestore"
)

func newTestBackend(t *testing.T) storage.Backend {
	t.Helper()
	s, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func newOrchestratorTask(t *testing.T, backend storage.Backend, step string, args []byte) *storage.Task {
	t.Helper()
	exec := &storage.Execution{ID: uuid.New(), RootStep: step, Arguments: args, State: storage.ExecutionRunning}
	task := &storage.Task{
		ID: uuid.New(), ExecutionID: exec.ID, Kind: storage.KindOrchestrator, StepName: step,
		Arguments: args, State: storage.TaskPending, MaxAttempts: 3, Queue: "default",
	}
	require.NoError(t, backend.CreateExecutionWithRootTask(context.Background(), exec, task))
	return task
}

func echoActivity(_ context.Context, _ *execctx.Context, args []byte) ([]byte, error) {
	return args, nil
}

func TestRun_LinearCall_SettlesOnSecondReplayAfterChildCompletes(t *testing.T) {
	backend := newTestBackend(t)
	reg := registry.New()
	require.NoError(t, reg.Register(registry.FunctionSpec{Name: "echo", Kind: registry.KindActivity, Handler: echoActivity}))

	task := newOrchestratorTask(t, backend, "root", []byte(`"hello"`))
	ec := execctx.New(context.Background(), backend, codec.NewRegistry(), task.ExecutionID, task.ID, 0)

	body := func(ctx context.Context, ec *execctx.Context, args []byte) ([]byte, error) {
		f, err := Call(ctx, "echo", "step1")
		if err != nil {
			return nil, err
		}
		return f.Get(ctx)
	}

	result, parked, err := Run(context.Background(), backend, codec.NewRegistry(), reg, ec, task, body, time.Millisecond)
	require.NoError(t, err)
	require.True(t, parked)
	require.Len(t, task.Progress, 1)
	require.False(t, task.Progress[0].Settled)

	children, err := backend.ListTasks(context.Background(), task.ExecutionID, nil)
	require.NoError(t, err)
	var child *storage.Task
	for _, c := range children {
		if c.ID != task.ID {
			child = c
		}
	}
	require.NotNil(t, child)
	claimed, err := backend.ClaimNextTask(context.Background(), "worker-1", storage.ClaimFilter{LeaseDuration: time.Minute})
	require.NoError(t, err)
	require.Equal(t, child.ID, claimed.ID)
	require.NoError(t, backend.CompleteTask(context.Background(), child.ID, "worker-1", []byte(`"step1"`)))

	reloaded, err := backend.GetTask(context.Background(), task.ID)
	require.NoError(t, err)

	result, parked, err = Run(context.Background(), backend, codec.NewRegistry(), reg, ec, reloaded, body, time.Millisecond)
	require.NoError(t, err)
	require.False(t, parked)

	var decoded string
	require.NoError(t, codec.NewRegistry().Decode(result, &decoded))
	require.Equal(t, "step1", decoded)
}

func TestCall_FanOut_SpawnsAllChildrenBeforeParking(t *testing.T) {
	backend := newTestBackend(t)
	reg := registry.New()
	require.NoError(t, reg.Register(registry.FunctionSpec{Name: "echo", Kind: registry.KindActivity, Handler: echoActivity}))

	task := newOrchestratorTask(t, backend, "root", nil)
	ec := execctx.New(context.Background(), backend, codec.NewRegistry(), task.ExecutionID, task.ID, 0)

	body := func(ctx context.Context, ec *execctx.Context, args []byte) ([]byte, error) {
		futures := make([]*Future, 3)
		for i := 0; i < 3; i++ {
			f, err := Call(ctx, "echo", i)
			if err != nil {
				return nil, err
			}
			futures[i] = f
		}
		for _, f := range futures {
			if _, err := f.Get(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	_, parked, err := Run(context.Background(), backend, codec.NewRegistry(), reg, ec, task, body, time.Millisecond)
	require.NoError(t, err)
	require.True(t, parked)

	children, err := backend.ListTasks(context.Background(), task.ExecutionID, nil)
	require.NoError(t, err)
	childCount := 0
	for _, c := range children {
		if c.ID != task.ID {
			childCount++
		}
	}
	require.Equal(t, 3, childCount)
	require.Len(t, task.Progress, 3)
}

func TestSleep_ParksUntilDeadlineThenSettles(t *testing.T) {
	backend := newTestBackend(t)
	reg := registry.New()

	task := newOrchestratorTask(t, backend, "root", nil)
	ec := execctx.New(context.Background(), backend, codec.NewRegistry(), task.ExecutionID, task.ID, 0)

	body := func(ctx context.Context, ec *execctx.Context, args []byte) ([]byte, error) {
		if err := Sleep(ctx, 50*time.Millisecond); err != nil {
			return nil, err
		}
		return []byte(`"awake"`), nil
	}

	_, parked, err := Run(context.Background(), backend, codec.NewRegistry(), reg, ec, task, body, time.Millisecond)
	require.NoError(t, err)
	require.True(t, parked)
	require.Len(t, task.Progress, 1)
	require.NotNil(t, task.Progress[0].SleepUntil)
	require.True(t, task.ScheduledFor.Equal(*task.Progress[0].SleepUntil))

	task.Progress[0].SleepUntil = timePtr(time.Now().UTC().Add(-time.Millisecond))

	result, parked, err := Run(context.Background(), backend, codec.NewRegistry(), reg, ec, task, body, time.Millisecond)
	require.NoError(t, err)
	require.False(t, parked)
	require.Equal(t, `"awake"`, string(result))
}

func TestWaitForSignal_ParksThenSettlesOnDelivery(t *testing.T) {
	backend := newTestBackend(t)
	reg := registry.New()

	task := newOrchestratorTask(t, backend, "root", nil)
	ec := execctx.New(context.Background(), backend, codec.NewRegistry(), task.ExecutionID, task.ID, 0)

	body := func(ctx context.Context, ec *execctx.Context, args []byte) ([]byte, error) {
		return WaitForSignal(ctx, "approve", 0)
	}

	_, parked, err := Run(context.Background(), backend, codec.NewRegistry(), reg, ec, task, body, time.Millisecond)
	require.NoError(t, err)
	require.True(t, parked)
	require.Len(t, task.Progress, 1)
	require.Equal(t, storage.ProgressSignalWait, task.Progress[0].Kind)

	require.NoError(t, backend.SendSignal(context.Background(), task.ExecutionID, "approve", []byte(`{"ok":true}`)))

	reloaded, err := backend.GetTask(context.Background(), task.ID)
	require.NoError(t, err)

	result, parked, err := Run(context.Background(), backend, codec.NewRegistry(), reg, ec, reloaded, body, time.Millisecond)
	require.NoError(t, err)
	require.False(t, parked)

	var out map[string]bool
	require.NoError(t, json.Unmarshal(result, &out))
	require.True(t, out["ok"])
}

func TestMap_BatchesConcurrency(t *testing.T) {
	backend := newTestBackend(t)
	reg := registry.New()
	require.NoError(t, reg.Register(registry.FunctionSpec{Name: "echo", Kind: registry.KindActivity, Handler: echoActivity}))

	task := newOrchestratorTask(t, backend, "root", nil)
	ec := execctx.New(context.Background(), backend, codec.NewRegistry(), task.ExecutionID, task.ID, 0)

	body := func(ctx context.Context, ec *execctx.Context, args []byte) ([]byte, error) {
		items := []any{1, 2, 3, 4, 5}
		_, err := Map(ctx, "echo", items, 2)
		return nil, err
	}

	_, parked, err := Run(context.Background(), backend, codec.NewRegistry(), reg, ec, task, body, time.Millisecond)
	require.NoError(t, err)
	require.True(t, parked)

	children, err := backend.ListTasks(context.Background(), task.ExecutionID, nil)
	require.NoError(t, err)
	childCount := 0
	for _, c := range children {
		if c.ID != task.ID {
			childCount++
		}
	}
	require.Equal(t, 2, childCount, "only the first batch of 2 should have spawned before parking")
}

func timePtr(t time.Time) *time.Time { return &t }
