// Package senpuki is the public facade of spec.md 4.I: the single entry
// point an application embeds to dispatch durable functions, inspect and
// wait on their executions, signal them, manage the dead-letter queue, and
// run the worker loop that actually executes them.
//
// It is new code — nothing in the example pack exposes a durable-execution
// facade — but its shape follows the teacher's pkg/client: a constructor
// plus functional options (Option), methods that wrap a backend call with
// argument validation and structured errors, and no package-level state.
package senpuki

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maumercado/senpuki/internal/codec"
	"github.com/maumercado/senpuki/internal/metrics"
	"github.com/maumercado/senpuki/internal/notify"
	"github.com/maumercado/senpuki/internal/registry"
	"github.com/maumercado/senpuki/internal/retrypolicy"
	"github.com/maumercado/senpuki/internal/storage"
	"github.com/maumercado/senpuki/internal/worker"
)

// Executor is the durable-function runtime bound to one storage backend and
// one function registry. Construct with New; it is safe for concurrent use.
type Executor struct {
	backend      storage.Backend
	registry     *registry.Registry
	codecReg     *codec.Registry
	bus          notify.Bus
	defaultRetry retrypolicy.Policy
	pollConfig   notify.PollConfig
}

// New constructs an Executor bound to backend and reg. Both must outlive the
// Executor.
func New(backend storage.Backend, reg *registry.Registry, opts ...Option) *Executor {
	e := &Executor{
		backend:      backend,
		registry:     reg,
		codecReg:     codec.NewRegistry(),
		defaultRetry: retrypolicy.Default(),
		pollConfig:   notify.DefaultPollConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the function registry backing this executor, so callers
// can Register durable functions against the same instance they dispatch
// against.
func (e *Executor) Registry() *registry.Registry { return e.registry }

// dispatchConfig accumulates DispatchOption values.
type dispatchConfig struct {
	queue          string
	priority       int
	tags           []string
	delay          time.Duration
	expiry         time.Duration
	idempotencyKey string
	retryPolicy    *retrypolicy.Policy
}

// DispatchOption configures a single Dispatch call, per spec.md 4.I's
// dispatch(...) keyword arguments.
type DispatchOption func(*dispatchConfig)

// WithDispatchQueue routes the root task to a non-default queue.
func WithDispatchQueue(queue string) DispatchOption {
	return func(c *dispatchConfig) { c.queue = queue }
}

// WithDispatchPriority sets the root task's claim priority (higher claims
// first).
func WithDispatchPriority(priority int) DispatchOption {
	return func(c *dispatchConfig) { c.priority = priority }
}

// WithDispatchTags attaches tags a worker may require to claim this task.
func WithDispatchTags(tags ...string) DispatchOption {
	return func(c *dispatchConfig) { c.tags = tags }
}

// WithDispatchDelay shifts the root task's scheduled_for d into the future.
func WithDispatchDelay(d time.Duration) DispatchOption {
	return func(c *dispatchConfig) { c.delay = d }
}

// WithDispatchExpiry sets expires_at to d after scheduled_for; the
// execution times out if it is still running past that point.
func WithDispatchExpiry(d time.Duration) DispatchOption {
	return func(c *dispatchConfig) { c.expiry = d }
}

// WithDispatchIdempotencyKey short-circuits this dispatch (and every retry
// of it) to the cached result of any prior dispatch sharing the same key.
func WithDispatchIdempotencyKey(key string) DispatchOption {
	return func(c *dispatchConfig) { c.idempotencyKey = key }
}

// WithDispatchRetryPolicy overrides the registered function's retry policy
// for this dispatch only.
func WithDispatchRetryPolicy(p retrypolicy.Policy) DispatchOption {
	return func(c *dispatchConfig) { c.retryPolicy = &p }
}

// Dispatch starts a new execution of the durable function registered under
// name, encoding args with the default codec. It fails fast with
// registry.ErrNotRegistered when name isn't registered.
func (e *Executor) Dispatch(ctx context.Context, name string, args any, opts ...DispatchOption) (uuid.UUID, error) {
	spec, err := e.registry.Lookup(name)
	if err != nil {
		return uuid.Nil, err
	}

	cfg := dispatchConfig{queue: spec.Queue, priority: spec.Priority, tags: spec.Tags}
	for _, opt := range opts {
		opt(&cfg)
	}

	payload, err := e.codecReg.Default().Encode(args)
	if err != nil {
		return uuid.Nil, fmt.Errorf("senpuki: encode arguments for %q: %w", name, err)
	}

	maxAttempts := e.defaultRetry.MaxAttempts
	if cfg.retryPolicy != nil {
		maxAttempts = cfg.retryPolicy.MaxAttempts
	} else if spec.RetryPolicy != nil {
		maxAttempts = spec.RetryPolicy.MaxAttempts
	}

	now := time.Now().UTC()
	scheduledFor := now.Add(cfg.delay)

	executionID := uuid.New()
	rootID := uuid.New()
	exec := &storage.Execution{
		ID:        executionID,
		RootStep:  name,
		Arguments: payload,
		State:     storage.ExecutionRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	root := &storage.Task{
		ID:           rootID,
		ExecutionID:  executionID,
		Kind:         storage.TaskKind(spec.Kind),
		StepName:     name,
		Arguments:    payload,
		State:        storage.TaskPending,
		MaxAttempts:  maxAttempts,
		ScheduledFor: scheduledFor,
		Queue:        cfg.queue,
		Priority:     cfg.priority,
		Tags:         cfg.tags,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if cfg.expiry > 0 {
		expiresAt := scheduledFor.Add(cfg.expiry)
		root.ExpiresAt = &expiresAt
	}
	if cfg.idempotencyKey != "" {
		root.IdempotencyKey = &cfg.idempotencyKey
	}
	if spec.ConcurrencyLimit > 0 {
		root.ConcurrencyGroup = spec.ConcurrencyGroup
		root.ConcurrencyLimit = spec.ConcurrencyLimit
	}

	if err := e.backend.CreateExecutionWithRootTask(ctx, exec, root); err != nil {
		return uuid.Nil, fmt.Errorf("senpuki: dispatch %q: %w", name, err)
	}
	metrics.RecordDispatch(name)
	return executionID, nil
}

// ErrExecutionFailed wraps a non-completed terminal state; callers compare
// with errors.As to recover the state and error message.
type ErrExecutionFailed struct {
	State storage.ExecutionState
	Err   string
}

func (e *ErrExecutionFailed) Error() string {
	return fmt.Sprintf("senpuki: execution ended in state %q: %s", e.State, e.Err)
}

// WaitFor blocks until executionID reaches a terminal state or timeout
// elapses (zero means no timeout), per spec.md 4.I. It subscribes to the
// notification bus when one is configured but never trusts delivery alone:
// every wake (bus message or poll tick) re-reads execution state directly.
func (e *Executor) WaitFor(ctx context.Context, executionID uuid.UUID, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var final *storage.Execution
	w := &notify.Waiter{
		Bus:  e.bus,
		Poll: e.pollConfig,
		Check: func(ctx context.Context) (bool, error) {
			exec, err := e.backend.GetExecutionState(ctx, executionID)
			if err != nil {
				return false, fmt.Errorf("senpuki: wait_for %s: %w", executionID, err)
			}
			if !exec.State.IsTerminal() {
				return false, nil
			}
			final = exec
			return true, nil
		},
	}
	if e.bus != nil {
		w.Notify = func(ctx context.Context) (<-chan notify.Message, func(), error) {
			return e.bus.SubscribeExecution(ctx, executionID.String())
		}
	}

	if err := w.Wait(ctx); err != nil {
		return nil, err
	}

	if final.State == storage.ExecutionCompleted {
		return final.Result, nil
	}
	return nil, &ErrExecutionFailed{State: final.State, Err: final.Error}
}

// StateOf returns executionID's full current view: state, result, error,
// counters, and custom state.
func (e *Executor) StateOf(ctx context.Context, executionID uuid.UUID) (*storage.Execution, error) {
	return e.backend.GetExecutionState(ctx, executionID)
}

// SendSignal delivers payload to executionID's named signal queue,
// encoding it with the default codec.
func (e *Executor) SendSignal(ctx context.Context, executionID uuid.UUID, name string, payload any) error {
	raw, err := e.codecReg.Default().Encode(payload)
	if err != nil {
		return fmt.Errorf("senpuki: encode signal %q: %w", name, err)
	}
	return e.backend.SendSignal(ctx, executionID, name, raw)
}

// CountExecutions returns the number of executions in state, or the total
// when state is nil, per spec.md 8's count/list consistency property.
func (e *Executor) CountExecutions(ctx context.Context, state *storage.ExecutionState) (int64, error) {
	return e.backend.CountExecutions(ctx, state)
}

// ListExecutions lists executions, optionally filtered by state.
func (e *Executor) ListExecutions(ctx context.Context, state *storage.ExecutionState, limit int) ([]*storage.Execution, error) {
	return e.backend.ListExecutions(ctx, state, limit)
}

// CountDeadTasks returns the dead-letter queue size.
func (e *Executor) CountDeadTasks(ctx context.Context) (int64, error) {
	return e.backend.CountDeadTasks(ctx)
}

// ListDeadLetters lists dead letters, most recent first.
func (e *Executor) ListDeadLetters(ctx context.Context, limit int) ([]*storage.DeadLetter, error) {
	return e.backend.ListDeadLetters(ctx, limit)
}

// GetDeadLetter returns one dead letter by id.
func (e *Executor) GetDeadLetter(ctx context.Context, id uuid.UUID) (*storage.DeadLetter, error) {
	return e.backend.GetDeadLetter(ctx, id)
}

// ReplayDeadLetter resubmits a dead letter as a fresh pending task with
// attempt reset to 0, optionally onto a different queue. The original dead
// letter row is left in place until DeleteDeadLetter removes it.
func (e *Executor) ReplayDeadLetter(ctx context.Context, id uuid.UUID, queue string) (*storage.Task, error) {
	return e.backend.ReplayDeadLetter(ctx, id, queue)
}

// DeleteDeadLetter removes a dead letter row.
func (e *Executor) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	return e.backend.DeleteDeadLetter(ctx, id)
}

// CreateWorkerLifecycle returns a new start/drain/stop handle for a worker,
// named for logging and diagnostics.
func (e *Executor) CreateWorkerLifecycle(name string) *worker.Lifecycle {
	return worker.NewLifecycle(name)
}

// RequestWorkerDrain asks a running Serve call bound to lc to stop claiming
// new tasks and return once in-flight tasks finish.
func (e *Executor) RequestWorkerDrain(lc *worker.Lifecycle) {
	lc.RequestDrain()
}

// ErrNilLifecycle is returned by Serve when called without a Lifecycle.
var ErrNilLifecycle = errors.New("senpuki: serve requires a non-nil Lifecycle")

// Serve runs the worker claim loop bound to lc until its context is
// cancelled or lc is asked to drain, alongside a background sweep that
// garbage-collects terminal executions older than retention_period every
// cleanup_interval (spec.md 3, 9). It blocks until the worker loop returns.
func (e *Executor) Serve(ctx context.Context, lc *worker.Lifecycle, opts ...ServeOption) error {
	if lc == nil {
		return ErrNilLifecycle
	}

	cfg := serveConfig{
		maxConcurrency:  10,
		pollInterval:    500 * time.Millisecond,
		leaseDuration:   5 * time.Minute,
		cleanupInterval: time.Hour,
		retentionPeriod: 7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	pool := worker.NewPool(e.backend, e.registry, e.codecReg, e.bus, worker.Config{
		ID:             cfg.workerID,
		Queues:         cfg.queues,
		Tags:           cfg.tags,
		MaxConcurrency: cfg.maxConcurrency,
		LeaseDuration:  cfg.leaseDuration,
		PollInterval:   cfg.pollInterval,
		DefaultRetry:   e.defaultRetry,
	}, lc)

	if cfg.cleanupInterval > 0 {
		sweepCtx, cancelSweep := context.WithCancel(ctx)
		defer cancelSweep()
		go e.cleanupSweep(sweepCtx, cfg.cleanupInterval, cfg.retentionPeriod)
	}

	return pool.Run(ctx)
}

func (e *Executor) cleanupSweep(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = e.backend.CleanupExecutions(ctx, time.Now().UTC().Add(-retention))
		}
	}
}
