// Package sqlitestore is the embedded, single-file storage.Backend
// implementation, backed by modernc.org/sqlite (a pure-Go, cgo-free
// database/sql driver — the natural fit for a worker binary that should
// not need a C toolchain to build).
//
// Because sqlite allows only one writer at a time, this store forces the
// connection pool down to a single connection (SetMaxOpenConns(1)); every
// write transaction, including claim_next_task, is therefore naturally
// serialised the way spec.md 4.B requires of the embedded backend, without
// needing SELECT ... FOR UPDATE SKIP LOCKED.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/maumercado/senpuki/internal/logger"
	"github.com/maumercado/senpuki/internal/storage"
)

// Store implements storage.Backend over a single sqlite file.
type Store struct {
	db *sql.DB
}

// Open parses a "sqlite://path/to/file" connection string (or a bare path)
// and opens the backing database. Call InitSchema before first use.
func Open(connString string) (*Store, error) {
	path := strings.TrimPrefix(connString, "sqlite://")
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// A single connection makes every transaction, including claims,
	// a total-order writer the way spec.md requires of the embedded
	// backend.
	db.SetMaxOpenConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("sqlitestore: init schema: %w", err)
	}
	return nil
}

func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func decodeTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateExecutionWithRootTask(ctx context.Context, exec *storage.Execution, root *storage.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO executions (id, root_step, arguments, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID.String(), exec.RootStep, exec.Arguments, string(exec.State),
		encodeTime(exec.CreatedAt), encodeTime(exec.UpdatedAt),
	); err != nil {
		return fmt.Errorf("sqlitestore: insert execution: %w", err)
	}

	if err := insertTask(ctx, tx, root); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) CreateChildTask(ctx context.Context, t *storage.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin create child task: %w", err)
	}
	defer tx.Rollback()

	if err := insertTask(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTask(ctx context.Context, tx *sql.Tx, t *storage.Task) error {
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal tags: %w", err)
	}
	progressJSON, err := json.Marshal(t.Progress)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal progress: %w", err)
	}

	var parentID any
	if t.ParentTaskID != nil {
		parentID = t.ParentTaskID.String()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, execution_id, parent_task_id, kind, step_name, arguments, state,
			attempt, max_attempts, scheduled_for, expires_at, lease_expires_at,
			worker_id, queue, priority, tags, idempotency_key, cache_key,
			concurrency_group, concurrency_limit, result, error, progress,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID.String(), t.ExecutionID.String(), parentID, string(t.Kind), t.StepName,
		t.Arguments, string(t.State), t.Attempt, t.MaxAttempts,
		encodeTime(t.ScheduledFor), encodeTimePtr(t.ExpiresAt), encodeTimePtr(t.LeaseExpiresAt),
		t.WorkerID, t.Queue, t.Priority, string(tagsJSON), t.IdempotencyKey, t.CacheKey,
		t.ConcurrencyGroup, t.ConcurrencyLimit, t.Result, t.Error, string(progressJSON),
		encodeTime(t.CreatedAt), encodeTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: insert task: %w", err)
	}
	return nil
}

const taskColumns = `
	id, execution_id, parent_task_id, kind, step_name, arguments, state,
	attempt, max_attempts, scheduled_for, expires_at, lease_expires_at,
	worker_id, queue, priority, tags, idempotency_key, cache_key,
	concurrency_group, concurrency_limit, result, error, progress,
	created_at, updated_at`

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (*storage.Task, error) {
	var (
		t                                          storage.Task
		idStr, execIDStr, kindStr, stateStr        string
		parentIDStr                                sql.NullString
		scheduledForStr, createdAtStr, updatedAtStr string
		expiresAtStr, leaseExpiresAtStr             sql.NullString
		tagsJSON, progressJSON                      sql.NullString
		idempotencyKey, cacheKey                    sql.NullString
		workerID                                    sql.NullString
	)

	if err := row.Scan(
		&idStr, &execIDStr, &parentIDStr, &kindStr, &t.StepName, &t.Arguments, &stateStr,
		&t.Attempt, &t.MaxAttempts, &scheduledForStr, &expiresAtStr, &leaseExpiresAtStr,
		&workerID, &t.Queue, &t.Priority, &tagsJSON, &idempotencyKey, &cacheKey,
		&t.ConcurrencyGroup, &t.ConcurrencyLimit, &t.Result, &t.Error, &progressJSON,
		&createdAtStr, &updatedAtStr,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: parse task id: %w", err)
	}
	t.ID = id

	execID, err := uuid.Parse(execIDStr)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: parse execution id: %w", err)
	}
	t.ExecutionID = execID

	if parentIDStr.Valid && parentIDStr.String != "" {
		pid, err := uuid.Parse(parentIDStr.String)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse parent task id: %w", err)
		}
		t.ParentTaskID = &pid
	}

	t.Kind = storage.TaskKind(kindStr)
	t.State = storage.TaskState(stateStr)
	t.WorkerID = workerID.String

	if t.ScheduledFor, err = decodeTime(scheduledForStr); err != nil {
		return nil, err
	}
	if t.ExpiresAt, err = decodeTimePtr(expiresAtStr); err != nil {
		return nil, err
	}
	if t.LeaseExpiresAt, err = decodeTimePtr(leaseExpiresAtStr); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = decodeTime(createdAtStr); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = decodeTime(updatedAtStr); err != nil {
		return nil, err
	}

	if idempotencyKey.Valid {
		v := idempotencyKey.String
		t.IdempotencyKey = &v
	}
	if cacheKey.Valid {
		v := cacheKey.String
		t.CacheKey = &v
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &t.Tags); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal tags: %w", err)
		}
	}
	if progressJSON.Valid && progressJSON.String != "" {
		if err := json.Unmarshal([]byte(progressJSON.String), &t.Progress); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal progress: %w", err)
		}
	}

	return &t, nil
}

// ClaimNextTask implements the candidate-selection and concurrency-limit
// rules of spec.md 4.B inside one write transaction.
func (s *Store) ClaimNextTask(ctx context.Context, workerID string, filter storage.ClaimFilter) (*storage.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	queueClause := ""
	if len(filter.Queues) > 0 {
		placeholders := make([]string, len(filter.Queues))
		for i := range filter.Queues {
			placeholders[i] = "?"
		}
		queueClause = fmt.Sprintf("AND queue IN (%s)", strings.Join(placeholders, ","))
	}

	query := fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE state = ? AND scheduled_for <= ?
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		  %s
		ORDER BY priority DESC, scheduled_for ASC, created_at ASC
		LIMIT 200`, taskColumns, queueClause)

	args := []any{string(storage.TaskPending), encodeTime(now), encodeTime(now)}
	for _, q := range filter.Queues {
		args = append(args, q)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query candidates: %w", err)
	}

	var candidates []*storage.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

candidateLoop:
	for _, t := range candidates {
		if len(filter.RequiredTags) > 0 {
			tagSet := make(map[string]struct{}, len(t.Tags))
			for _, tg := range t.Tags {
				tagSet[tg] = struct{}{}
			}
			for _, req := range filter.RequiredTags {
				if _, ok := tagSet[req]; !ok {
					continue candidateLoop
				}
			}
		}

		if t.ConcurrencyGroup != "" && t.ConcurrencyLimit > 0 {
			var running int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM tasks
				WHERE concurrency_group = ? AND state = ? AND lease_expires_at > ?`,
				t.ConcurrencyGroup, string(storage.TaskRunning), encodeTime(now),
			).Scan(&running)
			if err != nil {
				return nil, fmt.Errorf("sqlitestore: concurrency check: %w", err)
			}
			if running >= t.ConcurrencyLimit {
				continue
			}
		}

		leaseExpiry := now.Add(filter.LeaseDuration)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, worker_id = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(storage.TaskRunning), workerID, encodeTime(leaseExpiry), encodeTime(now),
			t.ID.String(), string(storage.TaskPending),
		)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: claim update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Lost a race within this same candidate pass (shouldn't
			// happen under SetMaxOpenConns(1), but stay defensive).
			continue
		}

		t.State = storage.TaskRunning
		t.WorkerID = workerID
		t.LeaseExpiresAt = &leaseExpiry
		t.UpdatedAt = now

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("sqlitestore: commit claim: %w", err)
		}
		return t, nil
	}

	return nil, storage.ErrNoTaskClaimed
}

func (s *Store) RenewLease(ctx context.Context, taskID uuid.UUID, workerID string, newExpiry time.Time) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND worker_id = ? AND state = ? AND lease_expires_at > ?`,
		encodeTime(newExpiry), encodeTime(now), taskID.String(), workerID,
		string(storage.TaskRunning), encodeTime(now),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrLeaseLost
	}
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID uuid.UUID, workerID string, result []byte) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, result = ?, worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND worker_id = ? AND state = ?`,
		string(storage.TaskCompleted), result, encodeTime(now),
		taskID.String(), workerID, string(storage.TaskRunning),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: complete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotOwner
	}
	return nil
}

func (s *Store) FailTask(ctx context.Context, taskID uuid.UUID, workerID string, errMsg string, retryAt *time.Time, dead bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin fail: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if dead {
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM tasks WHERE id = ? AND worker_id = ? AND state = ?`, taskColumns),
			taskID.String(), workerID, string(storage.TaskRunning))
		t, err := scanTask(row)
		if err != nil {
			if err == sql.ErrNoRows {
				return storage.ErrNotOwner
			}
			return fmt.Errorf("sqlitestore: load task for dlq: %w", err)
		}
		t.Error = errMsg

		taskJSON, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("sqlitestore: marshal dead task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dead_tasks (id, task_json, error, created_at) VALUES (?, ?, ?, ?)`,
			uuid.New().String(), string(taskJSON), errMsg, encodeTime(now),
		); err != nil {
			return fmt.Errorf("sqlitestore: insert dead letter: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, error = ?, worker_id = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ?`,
			string(storage.TaskDead), errMsg, encodeTime(now), taskID.String(),
		); err != nil {
			return fmt.Errorf("sqlitestore: mark task dead: %w", err)
		}

		return tx.Commit()
	}

	if retryAt == nil {
		return fmt.Errorf("sqlitestore: fail task: retryAt required when dead=false")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = ?, error = ?, attempt = attempt + 1, scheduled_for = ?,
			worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND worker_id = ? AND state = ?`,
		string(storage.TaskPending), errMsg, encodeTime(*retryAt), encodeTime(now),
		taskID.String(), workerID, string(storage.TaskRunning),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: schedule retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotOwner
	}
	return tx.Commit()
}

func (s *Store) GetTask(ctx context.Context, taskID uuid.UUID) (*storage.Task, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM tasks WHERE id = ?`, taskColumns), taskID.String())
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, executionID uuid.UUID, state *storage.TaskState) ([]*storage.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE execution_id = ?`, taskColumns)
	args := []any{executionID.String()}
	if state != nil {
		query += ` AND state = ?`
		args = append(args, string(*state))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*storage.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, t *storage.Task) error {
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal tags: %w", err)
	}
	progressJSON, err := json.Marshal(t.Progress)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal progress: %w", err)
	}

	t.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET
			state = ?, attempt = ?, max_attempts = ?, scheduled_for = ?, expires_at = ?,
			lease_expires_at = ?, worker_id = ?, queue = ?, priority = ?, tags = ?,
			idempotency_key = ?, cache_key = ?, concurrency_group = ?, concurrency_limit = ?,
			result = ?, error = ?, progress = ?, updated_at = ?
		WHERE id = ?`,
		string(t.State), t.Attempt, t.MaxAttempts, encodeTime(t.ScheduledFor), encodeTimePtr(t.ExpiresAt),
		encodeTimePtr(t.LeaseExpiresAt), t.WorkerID, t.Queue, t.Priority, string(tagsJSON),
		t.IdempotencyKey, t.CacheKey, t.ConcurrencyGroup, t.ConcurrencyLimit,
		t.Result, t.Error, string(progressJSON), encodeTime(t.UpdatedAt),
		t.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: update task: %w", err)
	}
	return nil
}

func (s *Store) CountExecutions(ctx context.Context, state *storage.ExecutionState) (int64, error) {
	query := `SELECT COUNT(*) FROM executions`
	args := []any{}
	if state != nil {
		query += ` WHERE state = ?`
		args = append(args, string(*state))
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlitestore: count executions: %w", err)
	}
	return n, nil
}

func (s *Store) ListExecutions(ctx context.Context, state *storage.ExecutionState, limit int) ([]*storage.Execution, error) {
	query := `SELECT id, root_step, arguments, state, created_at, updated_at, completed_at, result, error FROM executions`
	args := []any{}
	if state != nil {
		query += ` WHERE state = ?`
		args = append(args, string(*state))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list executions: %w", err)
	}
	defer rows.Close()

	var out []*storage.Execution
	for rows.Next() {
		e, err := scanExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecutionRow(row taskScanner) (*storage.Execution, error) {
	var (
		e                                       storage.Execution
		idStr, stateStr, createdAt, updatedAt   string
		completedAt                              sql.NullString
		errMsg                                   sql.NullString
	)
	if err := row.Scan(&idStr, &e.RootStep, &e.Arguments, &stateStr, &createdAt, &updatedAt, &completedAt, &e.Result, &errMsg); err != nil {
		return nil, err
	}
	e.Error = errMsg.String
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	e.ID = id
	e.State = storage.ExecutionState(stateStr)
	if e.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) CountDeadTasks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlitestore: count dead tasks: %w", err)
	}
	return n, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*storage.DeadLetter, error) {
	query := `SELECT id, task_json, error, created_at FROM dead_tasks ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*storage.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func scanDeadLetter(row taskScanner) (*storage.DeadLetter, error) {
	var idStr, taskJSON, createdAt string
	var errMsg sql.NullString
	if err := row.Scan(&idStr, &taskJSON, &errMsg, &createdAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	var t storage.Task
	if err := json.Unmarshal([]byte(taskJSON), &t); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal dead task snapshot: %w", err)
	}
	createdAtT, err := decodeTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &storage.DeadLetter{ID: id, Task: t, Error: errMsg.String, CreatedAt: createdAtT}, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id uuid.UUID) (*storage.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, task_json, error, created_at FROM dead_tasks WHERE id = ?`, id.String())
	dl, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get dead letter: %w", err)
	}
	return dl, nil
}

func (s *Store) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_tasks WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("sqlitestore: delete dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ReplayDeadLetter(ctx context.Context, id uuid.UUID, queue string) (*storage.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin replay: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id, task_json, error, created_at FROM dead_tasks WHERE id = ?`, id.String())
	dl, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load dead letter: %w", err)
	}

	newTask := dl.Task
	newTask.ID = uuid.New()
	newTask.State = storage.TaskPending
	newTask.Attempt = 0
	newTask.WorkerID = ""
	newTask.LeaseExpiresAt = nil
	newTask.Error = ""
	newTask.ScheduledFor = time.Now().UTC()
	newTask.UpdatedAt = time.Now().UTC()
	if queue != "" {
		newTask.Queue = queue
	}

	if err := insertTask(ctx, tx, &newTask); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitestore: commit replay: %w", err)
	}
	return &newTask, nil
}

func (s *Store) SetExecutionState(ctx context.Context, executionID uuid.UUID, state storage.ExecutionState) error {
	return s.setExecutionStateInternal(ctx, executionID, state, nil, "", false)
}

func (s *Store) SetExecutionResult(ctx context.Context, executionID uuid.UUID, state storage.ExecutionState, result []byte, errMsg string) error {
	return s.setExecutionStateInternal(ctx, executionID, state, result, errMsg, true)
}

func (s *Store) setExecutionStateInternal(ctx context.Context, executionID uuid.UUID, state storage.ExecutionState, result []byte, errMsg string, withResult bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin set state: %w", err)
	}
	defer tx.Rollback()

	var curState string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM executions WHERE id = ?`, executionID.String()).Scan(&curState); err != nil {
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		return fmt.Errorf("sqlitestore: load execution state: %w", err)
	}
	if storage.ExecutionState(curState).IsTerminal() {
		return storage.ErrTerminalState
	}

	now := time.Now().UTC()
	if withResult {
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET state = ?, result = ?, error = ?, updated_at = ?, completed_at = ?
			WHERE id = ?`,
			string(state), result, errMsg, encodeTime(now), encodeTime(now), executionID.String(),
		); err != nil {
			return fmt.Errorf("sqlitestore: set execution result: %w", err)
		}
	} else {
		completedAt := any(nil)
		if state.IsTerminal() {
			completedAt = encodeTime(now)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET state = ?, updated_at = ?, completed_at = ?
			WHERE id = ?`,
			string(state), encodeTime(now), completedAt, executionID.String(),
		); err != nil {
			return fmt.Errorf("sqlitestore: set execution state: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetExecutionState(ctx context.Context, executionID uuid.UUID) (*storage.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, root_step, arguments, state, created_at, updated_at, completed_at, result, error
		FROM executions WHERE id = ?`, executionID.String())
	e, err := scanExecutionRow(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get execution: %w", err)
	}

	e.Counters = make(map[string]int64)
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM execution_counters WHERE execution_id = ?`, executionID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load counters: %w", err)
	}
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			rows.Close()
			return nil, err
		}
		e.Counters[name] = value
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	e.CustomState = make(map[string][]byte)
	rows2, err := s.db.QueryContext(ctx, `SELECT key, value FROM execution_custom_state WHERE execution_id = ?`, executionID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load custom state: %w", err)
	}
	defer rows2.Close()
	for rows2.Next() {
		var key string
		var value []byte
		if err := rows2.Scan(&key, &value); err != nil {
			return nil, err
		}
		e.CustomState[key] = value
	}

	return e, rows2.Err()
}

func (s *Store) AddCounter(ctx context.Context, executionID uuid.UUID, name string, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: begin add counter: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO execution_counters (execution_id, name, value) VALUES (?, ?, 0)
		ON CONFLICT (execution_id, name) DO NOTHING`, executionID.String(), name,
	); err != nil {
		return 0, fmt.Errorf("sqlitestore: seed counter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE execution_counters SET value = value + ? WHERE execution_id = ? AND name = ?`,
		delta, executionID.String(), name,
	); err != nil {
		return 0, fmt.Errorf("sqlitestore: add counter: %w", err)
	}

	var val int64
	if err := tx.QueryRowContext(ctx, `
		SELECT value FROM execution_counters WHERE execution_id = ? AND name = ?`,
		executionID.String(), name,
	).Scan(&val); err != nil {
		return 0, fmt.Errorf("sqlitestore: read counter: %w", err)
	}

	return val, tx.Commit()
}

func (s *Store) SetCustomState(ctx context.Context, executionID uuid.UUID, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_custom_state (execution_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (execution_id, key) DO UPDATE SET value = excluded.value`,
		executionID.String(), key, value,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: set custom state: %w", err)
	}
	return nil
}

func (s *Store) SendSignal(ctx context.Context, executionID uuid.UUID, name string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (execution_id, name, payload, created_at) VALUES (?, ?, ?, ?)`,
		executionID.String(), name, payload, encodeTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: send signal: %w", err)
	}
	return nil
}

func (s *Store) ConsumeSignal(ctx context.Context, executionID uuid.UUID, name string) ([]byte, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: begin consume signal: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	var payload []byte
	err = tx.QueryRowContext(ctx, `
		SELECT seq, payload FROM signals WHERE execution_id = ? AND name = ? ORDER BY seq ASC LIMIT 1`,
		executionID.String(), name,
	).Scan(&seq, &payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: read signal: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM signals WHERE seq = ?`, seq); err != nil {
		return nil, false, fmt.Errorf("sqlitestore: pop signal: %w", err)
	}

	return payload, true, tx.Commit()
}

func (s *Store) GetCache(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM cache WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: get cache: %w", err)
	}
	if expiresAt.Valid && expiresAt.String != "" {
		exp, err := decodeTime(expiresAt.String)
		if err != nil {
			return nil, false, err
		}
		if time.Now().UTC().After(exp) {
			return nil, false, nil
		}
	}
	return value, true, nil
}

func (s *Store) PutCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt any
	if ttl != 0 {
		expiresAt = encodeTime(time.Now().UTC().Add(ttl))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO NOTHING`,
		key, value, encodeTime(time.Now().UTC()), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: put cache: %w", err)
	}
	return nil
}

func (s *Store) CleanupExecutions(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: begin cleanup: %w", err)
	}
	defer tx.Rollback()

	terminalStates := []string{
		string(storage.ExecutionCompleted), string(storage.ExecutionFailed),
		string(storage.ExecutionTimedOut), string(storage.ExecutionCancelled),
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM executions WHERE state IN (?,?,?,?) AND updated_at < ?`,
		terminalStates[0], terminalStates[1], terminalStates[2], terminalStates[3],
		encodeTime(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: find stale executions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		for _, stmt := range []string{
			`DELETE FROM tasks WHERE execution_id = ?`,
			`DELETE FROM execution_counters WHERE execution_id = ?`,
			`DELETE FROM execution_custom_state WHERE execution_id = ?`,
			`DELETE FROM signals WHERE execution_id = ?`,
			`DELETE FROM executions WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return 0, fmt.Errorf("sqlitestore: cleanup cascade: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlitestore: commit cleanup: %w", err)
	}

	if len(ids) > 0 {
		logger.Debug().Int("count", len(ids)).Msg("swept stale executions")
	}

	return int64(len(ids)), nil
}

var _ storage.Backend = (*Store)(nil)
