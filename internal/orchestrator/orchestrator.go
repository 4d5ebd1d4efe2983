// Package orchestrator implements the replay-and-wait driver of spec.md
// 4.H. An orchestrator body is an ordinary Go function; it calls Call,
// Sleep, or WaitForSignal to mark a logical, deterministically-indexed
// durable step. Nothing in the example pack implements durable-execution
// replay, so this driver's shape is original, built the way the teacher
// builds everything else: small, synchronous, and explicit, not ported
// from an external SDK.
//
// Suspension is modeled without coroutines: when a step's outcome isn't
// yet known, the driver persists the task's progress log and parks it
// (state=pending, scheduled_for in the near future or at a sleep/signal
// deadline), then unwinds the call stack with a single panic/recover pair
// — the same technique net/http uses to abort a handler early. The worker
// loop reclaims the parked task later and simply re-enters the body from
// the top; steps already recorded in progress return synchronously
// instead of re-running (spec.md 4.H's replay rule).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/maumercado/senpuki/internal/codec"
	"github.com/maumercado/senpuki/internal/execctx"
	"github.com/maumercado/senpuki/internal/registry"
	"github.com/maumercado/senpuki/internal/storage"
)

// DefaultParkedPollInterval is how soon a parked orchestrator task (one
// waiting on a child call or a signal with no deadline of its own) becomes
// claimable again, so the worker's normal claim loop drives re-entry
// without a separate sweeper process.
const DefaultParkedPollInterval = 200 * time.Millisecond

type contextKey struct{}

var stateKey contextKey

// parkSignal is the sentinel recovered by Run to distinguish an
// intentional suspend from a genuine handler panic.
type parkSignal struct{}

type runState struct {
	ec           *execctx.Context
	backend      storage.Backend
	codecReg     *codec.Registry
	reg          *registry.Registry
	task         *storage.Task
	cursor       int
	pollInterval time.Duration
}

func stateFrom(ctx context.Context) (*runState, error) {
	rs, ok := ctx.Value(stateKey).(*runState)
	if !ok {
		return nil, errors.New("orchestrator: Call/Sleep/WaitForSignal used outside an orchestrator body")
	}
	return rs, nil
}

// Run re-enters an orchestrator body against task's persisted progress
// log. On a normal return every step settled and result/err is the body's
// outcome. If the body parks on an unresolved step, parked is true and
// task has already been updated (via backend.UpdateTask) to reflect its
// new progress and wake time; the caller (the worker loop) must not write
// any further result for this invocation.
func Run(ctx context.Context, backend storage.Backend, codecReg *codec.Registry, reg *registry.Registry, ec *execctx.Context, task *storage.Task, handler registry.Handler, pollInterval time.Duration) (result []byte, parked bool, err error) {
	if pollInterval <= 0 {
		pollInterval = DefaultParkedPollInterval
	}
	rs := &runState{ec: ec, backend: backend, codecReg: codecReg, reg: reg, task: task, pollInterval: pollInterval}
	bodyCtx := context.WithValue(ctx, stateKey, rs)

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(parkSignal); ok {
				parked = true
				err = nil
				return
			}
			err = fmt.Errorf("orchestrator: handler panicked: %v\n%s", r, debug.Stack())
		}
	}()

	result, err = handler(bodyCtx, ec, task.Arguments)
	return result, false, err
}

// park persists the current progress log and wake time, then unwinds the
// body via panic(parkSignal{}).
func (rs *runState) park(ctx context.Context, wakeAt time.Time) {
	rs.task.State = storage.TaskPending
	rs.task.ScheduledFor = wakeAt
	rs.task.WorkerID = ""
	rs.task.LeaseExpiresAt = nil
	if err := rs.backend.UpdateTask(ctx, rs.task); err != nil {
		panic(fmt.Errorf("orchestrator: persist park: %w", err))
	}
	panic(parkSignal{})
}

// Future is a handle to a durable step's eventual outcome, returned by
// Call. Collecting several Futures before calling Get on any of them is
// how a fan-out spawns all of its children in a single pass.
type Future struct {
	rs    *runState
	index int
}

// Call records (or replays) a durable invocation of a registered function
// as the next logical step. It never blocks: if the step is new, it spawns
// a child task and returns immediately with an unresolved Future.
func Call(ctx context.Context, name string, args any) (*Future, error) {
	rs, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}

	index := rs.cursor
	rs.cursor++

	if index < len(rs.task.Progress) {
		return &Future{rs: rs, index: index}, nil
	}

	spec, err := rs.reg.Lookup(name)
	if err != nil {
		return nil, err
	}

	payload, err := rs.codecReg.Default().Encode(args)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encode arguments for %q: %w", name, err)
	}

	maxAttempts := 3
	if spec.RetryPolicy != nil {
		maxAttempts = spec.RetryPolicy.MaxAttempts
	}

	now := time.Now().UTC()
	childID := uuid.New()
	child := &storage.Task{
		ID:               childID,
		ExecutionID:      rs.task.ExecutionID,
		ParentTaskID:     &rs.task.ID,
		Kind:             storage.TaskKind(spec.Kind),
		StepName:         name,
		Arguments:        payload,
		State:            storage.TaskPending,
		MaxAttempts:      maxAttempts,
		ScheduledFor:     now,
		Queue:            spec.Queue,
		Priority:         spec.Priority,
		Tags:             spec.Tags,
		ConcurrencyGroup: spec.ConcurrencyGroup,
		ConcurrencyLimit: spec.ConcurrencyLimit,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if spec.Cacheable {
		key := registry.CacheKey(name, payload)
		child.CacheKey = &key
	}

	if err := rs.backend.CreateChildTask(ctx, child); err != nil {
		return nil, fmt.Errorf("orchestrator: spawn child %q: %w", name, err)
	}

	rs.task.Progress = append(rs.task.Progress, storage.ProgressEntry{
		Index: index, Kind: storage.ProgressChildCall, ChildTaskID: &childID, Settled: false,
	})
	return &Future{rs: rs, index: index}, nil
}

// Get returns the step's result, parking the orchestrator task if the
// child hasn't settled yet. Get does not return on park: it unwinds the
// call stack via panic, caught by Run.
func (f *Future) Get(ctx context.Context) ([]byte, error) {
	entry := &f.rs.task.Progress[f.index]
	if entry.Settled {
		if entry.Error != "" {
			return nil, errors.New(entry.Error)
		}
		return entry.Result, nil
	}

	switch entry.Kind {
	case storage.ProgressChildCall:
		child, err := f.rs.backend.GetTask(ctx, *entry.ChildTaskID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: load child task: %w", err)
		}
		if !child.State.IsTerminal() {
			f.rs.park(ctx, time.Now().UTC().Add(f.rs.pollInterval))
		}
		entry.Settled = true
		if child.State == storage.TaskCompleted {
			entry.Result = child.Result
			return entry.Result, nil
		}
		entry.Error = child.Error
		if entry.Error == "" {
			entry.Error = "child task did not complete"
		}
		return nil, errors.New(entry.Error)

	case storage.ProgressSleep:
		if time.Now().UTC().Before(*entry.SleepUntil) {
			f.rs.park(ctx, *entry.SleepUntil)
		}
		entry.Settled = true
		return nil, nil

	case storage.ProgressSignalWait:
		payload, ok, err := f.rs.backend.ConsumeSignal(ctx, f.rs.task.ExecutionID, entry.SignalName)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: consume signal %q: %w", entry.SignalName, err)
		}
		if !ok {
			if entry.SleepUntil != nil && !time.Now().UTC().Before(*entry.SleepUntil) {
				entry.Settled = true
				entry.Error = fmt.Sprintf("orchestrator: signal %q timed out", entry.SignalName)
				return nil, errors.New(entry.Error)
			}
			deadline := time.Now().UTC().Add(f.rs.pollInterval)
			if entry.SleepUntil != nil && entry.SleepUntil.Before(deadline) {
				deadline = *entry.SleepUntil
			}
			f.rs.park(ctx, deadline)
		}
		entry.Settled = true
		entry.Result = payload
		return payload, nil

	default:
		return nil, fmt.Errorf("orchestrator: unknown progress kind %q at step %d", entry.Kind, f.index)
	}
}

// Sleep durably suspends the orchestrator until d has elapsed, surviving a
// worker restart (spec.md S6). It never re-waits past the original
// deadline on replay.
func Sleep(ctx context.Context, d time.Duration) error {
	rs, err := stateFrom(ctx)
	if err != nil {
		return err
	}

	index := rs.cursor
	rs.cursor++

	if index >= len(rs.task.Progress) {
		until := time.Now().UTC().Add(d)
		rs.task.Progress = append(rs.task.Progress, storage.ProgressEntry{
			Index: index, Kind: storage.ProgressSleep, SleepUntil: &until, Settled: false,
		})
	}

	_, err = (&Future{rs: rs, index: index}).Get(ctx)
	return err
}

// WaitForSignal durably suspends until a payload named name arrives for
// this execution, or timeout elapses (timeout of 0 means no deadline).
func WaitForSignal(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	rs, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}

	index := rs.cursor
	rs.cursor++

	if index >= len(rs.task.Progress) {
		entry := storage.ProgressEntry{Index: index, Kind: storage.ProgressSignalWait, SignalName: name, Settled: false}
		if timeout > 0 {
			deadline := time.Now().UTC().Add(timeout)
			entry.SleepUntil = &deadline
		}
		rs.task.Progress = append(rs.task.Progress, entry)
	}

	return (&Future{rs: rs, index: index}).Get(ctx)
}

// MaxInlineProgress bounds how many progress entries a terminal
// orchestrator task's row keeps inline before SummarizeProgress folds the
// oldest ones away, per spec.md 9 ("Bounded progress").
const MaxInlineProgress = 256

// SummarizeProgress collapses the oldest entries of a settled orchestrator
// task's progress log into a single ProgressSummarized marker once the log
// exceeds MaxInlineProgress, so a long-running workflow's task row stays
// small. It is only safe to call once the task has reached a terminal
// state: a pending task may still be re-entered, and replay depends on
// Call/Sleep/WaitForSignal reading progress by positional index, which
// summarizing would corrupt for a task that might run again.
func SummarizeProgress(entries []storage.ProgressEntry) []storage.ProgressEntry {
	if len(entries) <= MaxInlineProgress {
		return entries
	}
	keep := MaxInlineProgress / 2
	cut := len(entries) - keep
	summary := storage.ProgressEntry{
		Index:           0,
		Kind:            storage.ProgressSummarized,
		Settled:         true,
		SummarizedCount: cut,
	}
	out := make([]storage.ProgressEntry, 0, keep+1)
	out = append(out, summary)
	out = append(out, entries[cut:]...)
	return out
}

// Map applies a registered function over argsList, running at most
// concurrency invocations in flight at once. Each batch of children is
// created and awaited together; argsList is processed batch by batch.
func Map(ctx context.Context, name string, argsList []any, concurrency int) ([][]byte, error) {
	if concurrency <= 0 {
		concurrency = len(argsList)
	}
	results := make([][]byte, len(argsList))

	for start := 0; start < len(argsList); start += concurrency {
		end := start + concurrency
		if end > len(argsList) {
			end = len(argsList)
		}

		futures := make([]*Future, 0, end-start)
		for i := start; i < end; i++ {
			f, err := Call(ctx, name, argsList[i])
			if err != nil {
				return nil, err
			}
			futures = append(futures, f)
		}
		for i, f := range futures {
			res, err := f.Get(ctx)
			if err != nil {
				return nil, err
			}
			results[start+i] = res
		}
	}

	return results, nil
}
