// Package execctx binds the per-execution runtime state of spec.md 4.E —
// counters and custom key/value state — to the task currently executing,
// backed directly by the storage.Backend so every update is immediately
// durable (never batched across an orchestrator replay, per spec.md 5).
package execctx

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/maumercado/senpuki/internal/codec"
	"github.com/maumercado/senpuki/internal/storage"
)

// Context is bound to one execution and the task currently running within
// it. It is handed to every durable function body — activity or
// orchestrator — as the second argument.
type Context struct {
	ctx         context.Context
	backend     storage.Backend
	registry    *codec.Registry
	executionID uuid.UUID
	taskID      uuid.UUID
	attempt     int
}

// New constructs a Context bound to the given execution/task.
func New(ctx context.Context, backend storage.Backend, registry *codec.Registry, executionID, taskID uuid.UUID, attempt int) *Context {
	return &Context{ctx: ctx, backend: backend, registry: registry, executionID: executionID, taskID: taskID, attempt: attempt}
}

// Context returns the underlying cancellation context, honoured by
// long-running activity bodies.
func (c *Context) Context() context.Context { return c.ctx }

// ExecutionID returns the owning execution's id.
func (c *Context) ExecutionID() uuid.UUID { return c.executionID }

// TaskID returns the currently running task's id.
func (c *Context) TaskID() uuid.UUID { return c.taskID }

// Attempt returns the 0-indexed attempt number of the current run.
func (c *Context) Attempt() int { return c.attempt }

// AddCounter atomically adds delta to a named counter, returning its new
// total. Safe to call repeatedly within a single task execution. Calls are
// not deduplicated: an orchestrator body is re-run from the top each time
// its task is re-entered, so a call made in an orchestrator body is applied
// again on every replay.
func (c *Context) AddCounter(name string, delta int64) (int64, error) {
	return c.backend.AddCounter(c.ctx, c.executionID, name, delta)
}

// SetState atomically stores a custom-state value, JSON-encoding it via the
// default codec.
func (c *Context) SetState(key string, value any) error {
	payload, err := c.registry.Default().Encode(value)
	if err != nil {
		return fmt.Errorf("execctx: encode state %q: %w", key, err)
	}
	return c.backend.SetCustomState(c.ctx, c.executionID, key, payload)
}

// GetState loads the execution's full view and decodes the named
// custom-state entry into out. Returns (false, nil) if the key is unset.
func (c *Context) GetState(key string, out any) (bool, error) {
	exec, err := c.backend.GetExecutionState(c.ctx, c.executionID)
	if err != nil {
		return false, fmt.Errorf("execctx: get state %q: %w", key, err)
	}
	raw, ok := exec.CustomState[key]
	if !ok {
		return false, nil
	}
	if err := c.registry.Decode(raw, out); err != nil {
		return false, fmt.Errorf("execctx: decode state %q: %w", key, err)
	}
	return true, nil
}

// SendSignal delivers a payload to another (or the same) execution's named
// signal queue.
func (c *Context) SendSignal(executionID uuid.UUID, name string, payload any) error {
	raw, err := c.registry.Default().Encode(payload)
	if err != nil {
		return fmt.Errorf("execctx: encode signal %q: %w", name, err)
	}
	return c.backend.SendSignal(c.ctx, executionID, name, raw)
}
