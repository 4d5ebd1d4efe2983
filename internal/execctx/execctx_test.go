package execctx

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/senpuki/internal/codec"
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

func newTestExecution(t *testing.T, backend storage.Backend) uuid.UUID {
	t.Helper()
	exec := &storage.Execution{ID: uuid.New(), RootStep: "root", State: storage.ExecutionRunning}
	task := &storage.Task{ID: uuid.New(), ExecutionID: exec.ID, Kind: storage.KindActivity, StepName: "root",
		State: storage.TaskPending, MaxAttempts: 1, Queue: "default"}
	require.NoError(t, backend.CreateExecutionWithRootTask(context.Background(), exec, task))
	return exec.ID
}

func TestAddCounter_Accumulates(t *testing.T) {
	backend := newTestBackend(t)
	execID := newTestExecution(t, backend)
	ec := New(context.Background(), backend, codec.NewRegistry(), execID, uuid.New(), 0)

	v, err := ec.AddCounter("processed", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	v, err = ec.AddCounter("processed", 4)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)
}

func TestSetState_GetState_RoundTrip(t *testing.T) {
	backend := newTestBackend(t)
	execID := newTestExecution(t, backend)
	ec := New(context.Background(), backend, codec.NewRegistry(), execID, uuid.New(), 0)

	require.NoError(t, ec.SetState("cursor", map[string]int{"page": 3}))

	var out map[string]int
	ok, err := ec.GetState("cursor", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, out["page"])
}

func TestGetState_MissingKey(t *testing.T) {
	backend := newTestBackend(t)
	execID := newTestExecution(t, backend)
	ec := New(context.Background(), backend, codec.NewRegistry(), execID, uuid.New(), 0)

	var out string
	ok, err := ec.GetState("absent", &out)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSendSignal_IsConsumable(t *testing.T) {
	backend := newTestBackend(t)
	execID := newTestExecution(t, backend)
	ec := New(context.Background(), backend, codec.NewRegistry(), execID, uuid.New(), 0)

	require.NoError(t, ec.SendSignal(execID, "approve", map[string]bool{"ok": true}))

	payload, ok, err := backend.ConsumeSignal(context.Background(), execID, "approve")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(payload), "\"ok\":true")
}
