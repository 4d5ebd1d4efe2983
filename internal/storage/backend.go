package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Backend is the transactional persistence contract of spec.md 4.B. Every
// method is a failure-domain boundary: callers treat a returned error as
// possibly transient (ErrUnavailable) or as a definite outcome.
//
// Two implementations exist: an embedded single-file store (sqlitestore)
// that serialises claims by limiting its pool to one open connection (its
// claim transaction is opened in SQLite's default deferred mode, not as an
// IMMEDIATE transaction), and a
// networked SQL store (sqlstore) that relies on row-level locks with
// SKIP LOCKED semantics. Both must round-trip binary result payloads
// without modification and must create the indexes listed in spec.md 4.B
// from InitSchema.
type Backend interface {
	// InitSchema creates tables and indexes. Must be idempotent.
	InitSchema(ctx context.Context) error

	// CreateExecutionWithRootTask atomically writes an execution and its
	// root task: both rows appear or neither does.
	CreateExecutionWithRootTask(ctx context.Context, exec *Execution, root *Task) error

	// CreateChildTask inserts a single task row owned by an existing
	// execution, used by the orchestrator driver to spawn child
	// orchestrator/activity calls.
	CreateChildTask(ctx context.Context, t *Task) error

	// ClaimNextTask selects and claims one eligible task per the ordering
	// and concurrency-limit rules of spec.md 4.B. Returns ErrNoTaskClaimed
	// when nothing is eligible.
	ClaimNextTask(ctx context.Context, workerID string, filter ClaimFilter) (*Task, error)

	// RenewLease extends a held lease. Returns ErrLeaseLost if the task is
	// no longer running, no longer owned by workerID, or its lease already
	// expired.
	RenewLease(ctx context.Context, taskID uuid.UUID, workerID string, newExpiry time.Time) error

	// CompleteTask marks a task completed with the given result, provided
	// workerID still owns it.
	CompleteTask(ctx context.Context, taskID uuid.UUID, workerID string, result []byte) error

	// FailTask records a failure. If retryAt is non-nil the task returns
	// to pending at that time with attempt incremented; if dead is true
	// the task is snapshotted into dead_letters and marked dead.
	FailTask(ctx context.Context, taskID uuid.UUID, workerID string, errMsg string, retryAt *time.Time, dead bool) error

	// GetTask returns a task by id.
	GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error)

	// ListTasks returns tasks matching the given execution, optionally
	// filtered by state.
	ListTasks(ctx context.Context, executionID uuid.UUID, state *TaskState) ([]*Task, error)

	// UpdateTask performs an unconditional overwrite, used for explicit
	// manual reclaim by an operator and by the orchestrator driver when
	// parking/resuming a task (progress, scheduled_for, state).
	UpdateTask(ctx context.Context, t *Task) error

	// CountExecutions returns the number of executions in the given state,
	// or the total count when state is nil. Must not perform a full scan.
	CountExecutions(ctx context.Context, state *ExecutionState) (int64, error)

	// ListExecutions lists executions, optionally filtered by state.
	ListExecutions(ctx context.Context, state *ExecutionState, limit int) ([]*Execution, error)

	// CountDeadTasks returns the size of the dead letter queue without a
	// full scan.
	CountDeadTasks(ctx context.Context) (int64, error)

	// ListDeadLetters lists dead letters, most recent first.
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// GetDeadLetter returns a dead letter by id.
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*DeadLetter, error)

	// DeleteDeadLetter removes a dead letter row.
	DeleteDeadLetter(ctx context.Context, id uuid.UUID) error

	// ReplayDeadLetter creates a new pending task from the stored
	// snapshot, resetting attempt, lease, and state. If queue is non-empty
	// it overrides the snapshot's queue.
	ReplayDeadLetter(ctx context.Context, id uuid.UUID, queue string) (*Task, error)

	// SetExecutionState transitions an execution's state. Terminal states
	// are write-once: transitioning an already-terminal execution returns
	// ErrTerminalState.
	SetExecutionState(ctx context.Context, executionID uuid.UUID, state ExecutionState) error

	// SetExecutionResult stores the final result/error and transitions to
	// a terminal state in one write.
	SetExecutionResult(ctx context.Context, executionID uuid.UUID, state ExecutionState, result []byte, errMsg string) error

	// GetExecutionState returns the full execution view, including
	// counters and custom state.
	GetExecutionState(ctx context.Context, executionID uuid.UUID) (*Execution, error)

	// AddCounter atomically adds delta to a named counter, creating it at
	// 0 first if absent.
	AddCounter(ctx context.Context, executionID uuid.UUID, name string, delta int64) (int64, error)

	// SetCustomState atomically sets a named custom-state value.
	SetCustomState(ctx context.Context, executionID uuid.UUID, key string, value []byte) error

	// SendSignal appends a payload to a (execution, name) signal queue.
	SendSignal(ctx context.Context, executionID uuid.UUID, name string, payload []byte) error

	// ConsumeSignal atomically pops the oldest payload for (execution,
	// name), or returns (nil, false, nil) if the queue is empty.
	ConsumeSignal(ctx context.Context, executionID uuid.UUID, name string) (payload []byte, ok bool, err error)

	// GetCache returns a cached value, or (nil, false, nil) on miss. A
	// cache entry past its TTL is treated as a miss.
	GetCache(ctx context.Context, key string) ([]byte, bool, error)

	// PutCache writes a cache entry once; ttl of zero means no expiry.
	PutCache(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CleanupExecutions cascades-deletes terminal executions (and their
	// tasks/counters/custom state/signals) older than the cutoff. Returns
	// the number of executions removed.
	CleanupExecutions(ctx context.Context, olderThan time.Time) (int64, error)

	// Close releases backend resources.
	Close() error
}
