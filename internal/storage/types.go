// Package storage defines the persistence contract every durable-execution
// backend must satisfy, plus the row types that cross that boundary.
// Two implementations exist: sqlitestore (embedded, single file) and
// sqlstore (networked Postgres).
package storage

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionState is the lifecycle state of one workflow instance.
type ExecutionState string

const (
	ExecutionPending   ExecutionState = "pending"
	ExecutionRunning   ExecutionState = "running"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionTimedOut  ExecutionState = "timed_out"
	ExecutionCancelled ExecutionState = "cancelled"
)

// IsTerminal reports whether the state is write-once / final.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimedOut, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// TaskKind distinguishes orchestrator tasks (which may spawn children) from
// activity tasks (leaf work).
type TaskKind string

const (
	KindOrchestrator TaskKind = "orchestrator"
	KindActivity     TaskKind = "activity"
)

// TaskState is the lifecycle state of one task row.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskDead      TaskState = "dead"
)

func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskDead:
		return true
	default:
		return false
	}
}

// ProgressKind identifies what kind of durable step a ProgressEntry records.
type ProgressKind string

const (
	ProgressChildCall    ProgressKind = "child_call"
	ProgressSleep        ProgressKind = "sleep"
	ProgressSignalWait   ProgressKind = "signal_wait"
	ProgressSummarized   ProgressKind = "summarized"
)

// ProgressEntry is one completed (or pending) durable step recorded on an
// orchestrator task, keyed by its call-order index.
type ProgressEntry struct {
	Index        int             `json:"index"`
	Kind         ProgressKind    `json:"kind"`
	ChildTaskID  *uuid.UUID      `json:"child_task_id,omitempty"`
	Result       []byte          `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	SignalName   string          `json:"signal_name,omitempty"`
	SleepUntil   *time.Time      `json:"sleep_until,omitempty"`
	Settled      bool            `json:"settled"`
	// SummarizedCount is only set when Kind == ProgressSummarized; it
	// records how many original entries were folded into this one so
	// replay can still report a consistent step count.
	SummarizedCount int `json:"summarized_count,omitempty"`
}

// Execution is one logical workflow instance.
type Execution struct {
	ID          uuid.UUID         `json:"id"`
	RootStep    string            `json:"root_step"`
	Arguments   []byte            `json:"arguments"`
	State       ExecutionState    `json:"state"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Result      []byte            `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Counters    map[string]int64  `json:"counters"`
	CustomState map[string][]byte `json:"custom_state"`
}

// Task is one unit of worker-consumed work.
type Task struct {
	ID                uuid.UUID       `json:"id"`
	ExecutionID       uuid.UUID       `json:"execution_id"`
	ParentTaskID      *uuid.UUID      `json:"parent_task_id,omitempty"`
	Kind              TaskKind        `json:"kind"`
	StepName          string          `json:"step_name"`
	Arguments         []byte          `json:"arguments"`
	State             TaskState       `json:"state"`
	Attempt           int             `json:"attempt"`
	MaxAttempts       int             `json:"max_attempts"`
	ScheduledFor      time.Time       `json:"scheduled_for"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	LeaseExpiresAt    *time.Time      `json:"lease_expires_at,omitempty"`
	WorkerID          string          `json:"worker_id,omitempty"`
	Queue             string          `json:"queue"`
	Priority          int             `json:"priority"`
	Tags              []string        `json:"tags,omitempty"`
	IdempotencyKey    *string         `json:"idempotency_key,omitempty"`
	CacheKey          *string         `json:"cache_key,omitempty"`
	ConcurrencyGroup  string          `json:"concurrency_group,omitempty"`
	ConcurrencyLimit  int             `json:"concurrency_limit,omitempty"`
	Result            []byte          `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	Progress          []ProgressEntry `json:"progress,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Claimable reports whether the task currently satisfies the claim
// predicate of spec.md 4.B, given the current time. Backends implement the
// equivalent filter in SQL and do not call this helper.
func (t *Task) Claimable(now time.Time) bool {
	if t.State != TaskPending {
		return false
	}
	if t.ScheduledFor.After(now) {
		return false
	}
	if t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now) {
		return false
	}
	return true
}

// DeadLetter is a persisted full snapshot of a task that exhausted retries
// or failed terminally.
type DeadLetter struct {
	ID        uuid.UUID `json:"id"`
	Task      Task      `json:"task"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

// CacheEntry is a cached durable-call result, keyed by a stable hash of
// step name + arguments (cache) or by a caller-supplied key (idempotency).
type CacheEntry struct {
	Key       string     `json:"key"`
	Value     []byte     `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ClaimFilter narrows the candidate set for claim_next_task.
type ClaimFilter struct {
	Queues        []string
	RequiredTags  []string
	LeaseDuration time.Duration
}

// ErrorKind enumerates the taxonomy of spec.md 7.
type ErrorKind string

const (
	ErrKindNotRegistered       ErrorKind = "not_registered"
	ErrKindSerializationFailed ErrorKind = "serialization_failed"
	ErrKindLeaseLost           ErrorKind = "lease_lost"
	ErrKindRetryable           ErrorKind = "retryable"
	ErrKindTerminal            ErrorKind = "terminal"
	ErrKindTimeout             ErrorKind = "timeout"
	ErrKindCancelled           ErrorKind = "cancelled"
	ErrKindBackendUnavailable  ErrorKind = "backend_unavailable"
)
