//go:build integration
// +build integration

// Package integration drives the executor end-to-end over HTTP: a real
// worker pool claims and executes tasks against an in-process sqlite
// backend while the API server answers dispatch/wait/signal/DLQ requests,
// the way a deployed senpuki installation is actually exercised.
package integration

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maumercado/senpuki/internal/api"
	"github.com/maumercado/senpuki/internal/config"
	"github.com/maumercado/senpuki/internal/execctx"
	"github.com/maumercado/senpuki/internal/logger"
	"github.com/maumercado/senpuki/internal/notify"
	"github.com/maumercado/senpuki/internal/orchestrator"
	"github.com/maumercado/senpuki/internal/registry"
	"github.com/maumercado/senpuki/internal/retrypolicy"
	"github.com/maumercado/senpuki/internal/storage/sqlitestore"
	"github.com/maumercado/senpuki/pkg/client"
	"github.com/maumercado/senpuki/pkg/senpuki"
)

func init() {
	logger.Init("error", false)
}

// setupHarness wires a fresh in-memory backend, a live worker pool, and an
// httptest-backed API server fronting the same executor instance, and
// returns an HTTP client plus a teardown func that drains the worker and
// closes everything down.
func setupHarness(t *testing.T, reg *registry.Registry) (*client.Client, func()) {
	t.Helper()

	store, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.InitSchema(context.Background()))

	executor := senpuki.New(store, reg,
		senpuki.WithPollConfig(notify.PollConfig{
			MinInterval:   5 * time.Millisecond,
			MaxInterval:   50 * time.Millisecond,
			BackoffFactor: 2,
		}),
	)

	cfg := &config.Config{
		Server:  config.ServerConfig{Host: "localhost", Port: 0},
		Auth:    config.AuthConfig{Enabled: false},
		Metrics: config.MetricsConfig{Enabled: false},
	}
	srv := api.NewServer(cfg, executor, nil)
	ts := httptest.NewServer(srv)

	ctx, cancel := context.WithCancel(context.Background())
	lc := executor.CreateWorkerLifecycle("integration-worker")

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		_ = executor.Serve(ctx, lc,
			senpuki.WithServeWorkerID("integration-worker"),
			senpuki.WithServePollInterval(5*time.Millisecond),
			senpuki.WithServeLeaseDuration(time.Second),
			senpuki.WithServeMaxConcurrency(4),
			senpuki.WithServeCleanup(0, 0),
		)
	}()
	require.NoError(t, lc.WaitUntilReady(ctx))

	c, err := client.New(ts.URL)
	require.NoError(t, err)

	teardown := func() {
		executor.RequestWorkerDrain(lc)
		cancel()
		<-serveDone
		ts.Close()
		store.Close()
	}

	return c, teardown
}

// TestLinearOrchestrator_DispatchWaitOverHTTP exercises an orchestrator
// calling two activities in sequence, driven entirely through the HTTP
// facade: dispatch, then block on wait until the chain settles.
func TestLinearOrchestrator_DispatchWaitOverHTTP(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.FunctionSpec{
		Name: "examples.add", Kind: registry.KindActivity,
		Handler: func(_ context.Context, _ *execctx.Context, args []byte) ([]byte, error) {
			var in struct{ A, B int }
			_ = json.Unmarshal(args, &in)
			return json.Marshal(in.A + in.B)
		},
	}))
	require.NoError(t, reg.Register(registry.FunctionSpec{
		Name: "examples.mul", Kind: registry.KindActivity,
		Handler: func(_ context.Context, _ *execctx.Context, args []byte) ([]byte, error) {
			var in struct{ A, B int }
			_ = json.Unmarshal(args, &in)
			return json.Marshal(in.A * in.B)
		},
	}))
	require.NoError(t, reg.Register(registry.FunctionSpec{
		Name: "examples.add_then_mul", Kind: registry.KindOrchestrator,
		Handler: func(ctx context.Context, _ *execctx.Context, args []byte) ([]byte, error) {
			var in struct{ A, B, C int }
			_ = json.Unmarshal(args, &in)

			sumFuture, err := orchestrator.Call(ctx, "examples.add", map[string]int{"A": in.A, "B": in.B})
			if err != nil {
				return nil, err
			}
			sumRaw, err := sumFuture.Get(ctx)
			if err != nil {
				return nil, err
			}
			var sum int
			_ = json.Unmarshal(sumRaw, &sum)

			prodFuture, err := orchestrator.Call(ctx, "examples.mul", map[string]int{"A": sum, "B": in.C})
			if err != nil {
				return nil, err
			}
			return prodFuture.Get(ctx)
		},
	}))

	c, teardown := setupHarness(t, reg)
	defer teardown()

	ctx := context.Background()
	args, _ := json.Marshal(map[string]int{"A": 2, "B": 3, "C": 4})
	executionID, err := c.Dispatch(ctx, client.DispatchRequest{
		FunctionName: "examples.add_then_mul",
		Arguments:    args,
	})
	require.NoError(t, err)

	result, err := c.Wait(ctx, executionID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "completed", result.State)

	var product int
	require.NoError(t, json.Unmarshal(result.Result, &product))
	require.Equal(t, 20, product) // (2+3)*4
}

// TestFanOut_MapOverHTTP exercises an orchestrator fanning out a bounded
// set of concurrent child calls and collecting every result before
// completing.
func TestFanOut_MapOverHTTP(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.FunctionSpec{
		Name: "examples.square", Kind: registry.KindActivity,
		Handler: func(_ context.Context, _ *execctx.Context, args []byte) ([]byte, error) {
			var n int
			_ = json.Unmarshal(args, &n)
			return json.Marshal(n * n)
		},
	}))
	require.NoError(t, reg.Register(registry.FunctionSpec{
		Name: "examples.square_all", Kind: registry.KindOrchestrator,
		Handler: func(ctx context.Context, _ *execctx.Context, args []byte) ([]byte, error) {
			var ns []int
			_ = json.Unmarshal(args, &ns)

			argsList := make([]any, len(ns))
			for i, n := range ns {
				argsList[i] = n
			}

			results, err := orchestrator.Map(ctx, "examples.square", argsList, 3)
			if err != nil {
				return nil, err
			}

			squares := make([]int, len(results))
			for i, r := range results {
				_ = json.Unmarshal(r, &squares[i])
			}
			return json.Marshal(squares)
		},
	}))

	c, teardown := setupHarness(t, reg)
	defer teardown()

	ctx := context.Background()
	args, _ := json.Marshal([]int{1, 2, 3, 4, 5})
	executionID, err := c.Dispatch(ctx, client.DispatchRequest{
		FunctionName: "examples.square_all",
		Arguments:    args,
	})
	require.NoError(t, err)

	result, err := c.Wait(ctx, executionID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "completed", result.State)

	var squares []int
	require.NoError(t, json.Unmarshal(result.Result, &squares))
	require.Equal(t, []int{1, 4, 9, 16, 25}, squares)
}

// TestSignalWait_DeliveredOverHTTP exercises an orchestrator parked on
// WaitForSignal resuming once the signal is sent through the HTTP facade.
func TestSignalWait_DeliveredOverHTTP(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.FunctionSpec{
		Name: "examples.await_approval", Kind: registry.KindOrchestrator,
		Handler: func(ctx context.Context, _ *execctx.Context, _ []byte) ([]byte, error) {
			return orchestrator.WaitForSignal(ctx, "approval", time.Minute)
		},
	}))

	c, teardown := setupHarness(t, reg)
	defer teardown()

	ctx := context.Background()
	executionID, err := c.Dispatch(ctx, client.DispatchRequest{FunctionName: "examples.await_approval"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exec, gerr := c.GetExecution(ctx, executionID)
		return gerr == nil && exec.State == "running"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.SendSignal(ctx, executionID, "approval", map[string]string{"decision": "approved"}))

	result, err := c.Wait(ctx, executionID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "completed", result.State)
	require.Contains(t, string(result.Result), "approved")
}

// TestDeadLetterAndReplay_OverHTTP exercises an activity that always fails
// exhausting its retries, landing in the DLQ, and being replayed through
// the admin HTTP surface.
func TestDeadLetterAndReplay_OverHTTP(t *testing.T) {
	reg := registry.New()
	policy := retrypolicy.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	require.NoError(t, reg.Register(registry.FunctionSpec{
		Name: "examples.always_fails", Kind: registry.KindActivity,
		RetryPolicy: &policy,
		Handler: func(_ context.Context, _ *execctx.Context, _ []byte) ([]byte, error) {
			return nil, context.DeadlineExceeded
		},
	}))

	c, teardown := setupHarness(t, reg)
	defer teardown()

	ctx := context.Background()
	executionID, err := c.Dispatch(ctx, client.DispatchRequest{FunctionName: "examples.always_fails"})
	require.NoError(t, err)

	result, err := c.Wait(ctx, executionID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "failed", result.State)

	require.Eventually(t, func() bool {
		letters, lerr := c.ListDeadLetters(ctx, 10)
		return lerr == nil && len(letters) == 1
	}, 5*time.Second, 20*time.Millisecond)

	letters, err := c.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	require.NoError(t, c.ReplayDeadLetter(ctx, letters[0].ID, ""))

	remaining, err := c.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, remaining)
	require.Equal(t, letters[0].ID, remaining[len(remaining)-1].ID)
}

// TestStats_ReflectsDispatchedExecutions exercises the admin stats surface
// against a batch of completed executions.
func TestStats_ReflectsDispatchedExecutions(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.FunctionSpec{
		Name: "examples.noop", Kind: registry.KindActivity,
		Handler: func(_ context.Context, _ *execctx.Context, _ []byte) ([]byte, error) {
			return json.Marshal("ok")
		},
	}))

	c, teardown := setupHarness(t, reg)
	defer teardown()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Dispatch(ctx, client.DispatchRequest{FunctionName: "examples.noop"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats, serr := c.GetStats(ctx)
		return serr == nil && stats.ExecutionsByState["completed"] == 3
	}, 5*time.Second, 20*time.Millisecond)
}
