// Package sqlstore is the networked storage.Backend implementation, backed
// by PostgreSQL via github.com/jackc/pgx/v5/stdlib (the database/sql driver)
// wrapped in github.com/jmoiron/sqlx for its Rebind and struct-scanning
// helpers. github.com/lib/pq is used only to validate/normalise
// "postgresql://" DSNs before handing them to pgx, which is the actual wire
// driver — see DESIGN.md for why lib/pq itself isn't used as the driver.
//
// claim_next_task relies on "SELECT ... FOR UPDATE SKIP LOCKED" so that
// concurrent workers never block on each other's candidate scans; exactly
// one worker's UPDATE commits per row, per spec.md 4.B.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/maumercado/senpuki/internal/logger"
	"github.com/maumercado/senpuki/internal/storage"
	"github.com/maumercado/senpuki/internal/storage/migrations"
)

// Store implements storage.Backend over a PostgreSQL database.
type Store struct {
	db *sqlx.DB
}

// Open validates a "postgresql://" (or "postgres://") DSN with lib/pq's
// parser and opens a pgx-backed connection pool against it.
func Open(connString string) (*Store, error) {
	if _, err := pq.ParseURL(connString); err != nil {
		return nil, fmt.Errorf("sqlstore: invalid postgres DSN: %w", err)
	}

	db, err := sqlx.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// InitSchema runs every pending golang-migrate up-migration. Safe to call
// on every process start.
func (s *Store) InitSchema(ctx context.Context) error {
	if err := migrations.Up(s.db.DB); err != nil {
		return fmt.Errorf("sqlstore: init schema: %w", err)
	}
	return nil
}

// rebind rewrites a "?"-style query into postgres "$N" placeholders.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

const taskColumns = `
	id, execution_id, parent_task_id, kind, step_name, arguments, state,
	attempt, max_attempts, scheduled_for, expires_at, lease_expires_at,
	worker_id, queue, priority, tags, idempotency_key, cache_key,
	concurrency_group, concurrency_limit, result, error, progress,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*storage.Task, error) {
	var (
		t                     storage.Task
		kindStr, stateStr     string
		tagsJSON, progressJSON []byte
		idempotencyKey, cacheKey, concGroup sql.NullString
		workerID               sql.NullString
	)

	if err := row.Scan(
		&t.ID, &t.ExecutionID, &t.ParentTaskID, &kindStr, &t.StepName, &t.Arguments, &stateStr,
		&t.Attempt, &t.MaxAttempts, &t.ScheduledFor, &t.ExpiresAt, &t.LeaseExpiresAt,
		&workerID, &t.Queue, &t.Priority, &tagsJSON, &idempotencyKey, &cacheKey,
		&concGroup, &t.ConcurrencyLimit, &t.Result, &t.Error, &progressJSON,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	t.Kind = storage.TaskKind(kindStr)
	t.State = storage.TaskState(stateStr)
	t.ConcurrencyGroup = concGroup.String
	t.WorkerID = workerID.String
	if idempotencyKey.Valid {
		v := idempotencyKey.String
		t.IdempotencyKey = &v
	}
	if cacheKey.Valid {
		v := cacheKey.String
		t.CacheKey = &v
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &t.Tags); err != nil {
			return nil, fmt.Errorf("sqlstore: unmarshal tags: %w", err)
		}
	}
	if len(progressJSON) > 0 {
		if err := json.Unmarshal(progressJSON, &t.Progress); err != nil {
			return nil, fmt.Errorf("sqlstore: unmarshal progress: %w", err)
		}
	}

	return &t, nil
}

func insertTask(ctx context.Context, tx *sqlx.Tx, t *storage.Task) error {
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal tags: %w", err)
	}
	progressJSON, err := json.Marshal(t.Progress)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal progress: %w", err)
	}

	query := tx.Rebind(`
		INSERT INTO tasks (
			id, execution_id, parent_task_id, kind, step_name, arguments, state,
			attempt, max_attempts, scheduled_for, expires_at, lease_expires_at,
			worker_id, queue, priority, tags, idempotency_key, cache_key,
			concurrency_group, concurrency_limit, result, error, progress,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)

	_, err = tx.ExecContext(ctx, query,
		t.ID, t.ExecutionID, t.ParentTaskID, string(t.Kind), t.StepName, t.Arguments, string(t.State),
		t.Attempt, t.MaxAttempts, t.ScheduledFor, t.ExpiresAt, t.LeaseExpiresAt,
		t.WorkerID, t.Queue, t.Priority, string(tagsJSON), t.IdempotencyKey, t.CacheKey,
		nullIfEmpty(t.ConcurrencyGroup), t.ConcurrencyLimit, t.Result, t.Error, string(progressJSON),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: insert task: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) CreateExecutionWithRootTask(ctx context.Context, exec *storage.Execution, root *storage.Task) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO executions (id, root_step, arguments, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		exec.ID, exec.RootStep, exec.Arguments, string(exec.State), exec.CreatedAt, exec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("sqlstore: insert execution: %w", err)
	}

	if err := insertTask(ctx, tx, root); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) CreateChildTask(ctx context.Context, t *storage.Task) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin create child task: %w", err)
	}
	defer tx.Rollback()

	if err := insertTask(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ClaimNextTask(ctx context.Context, workerID string, filter storage.ClaimFilter) (*storage.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin claim: %w", err)
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

	query := tx.Rebind(fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE state = ? AND scheduled_for <= ?
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		  %s
		ORDER BY priority DESC, scheduled_for ASC, created_at ASC
		LIMIT 200
		FOR UPDATE SKIP LOCKED`, taskColumns, queueClause))

	args := []any{string(storage.TaskPending), now, now}
	for _, q := range filter.Queues {
		args = append(args, q)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query candidates: %w", err)
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
			err := tx.QueryRowContext(ctx, tx.Rebind(`
				SELECT COUNT(*) FROM tasks
				WHERE concurrency_group = ? AND state = ? AND lease_expires_at > ?`),
				t.ConcurrencyGroup, string(storage.TaskRunning), now,
			).Scan(&running)
			if err != nil {
				return nil, fmt.Errorf("sqlstore: concurrency check: %w", err)
			}
			if running >= t.ConcurrencyLimit {
				continue
			}
		}

		leaseExpiry := now.Add(filter.LeaseDuration)
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET state = ?, worker_id = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND state = ?`),
			string(storage.TaskRunning), workerID, leaseExpiry, now, t.ID, string(storage.TaskPending),
		)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: claim update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}

		t.State = storage.TaskRunning
		t.WorkerID = workerID
		t.LeaseExpiresAt = &leaseExpiry
		t.UpdatedAt = now

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("sqlstore: commit claim: %w", err)
		}
		return t, nil
	}

	return nil, storage.ErrNoTaskClaimed
}

func (s *Store) RenewLease(ctx context.Context, taskID uuid.UUID, workerID string, newExpiry time.Time) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND worker_id = ? AND state = ? AND lease_expires_at > ?`),
		newExpiry, now, taskID, workerID, string(storage.TaskRunning), now,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: renew lease: %w", err)
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
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET state = ?, result = ?, worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND worker_id = ? AND state = ?`),
		string(storage.TaskCompleted), result, now, taskID, workerID, string(storage.TaskRunning),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: complete task: %w", err)
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
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin fail: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if dead {
		row := tx.QueryRowContext(ctx, tx.Rebind(fmt.Sprintf(`SELECT %s FROM tasks WHERE id = ? AND worker_id = ? AND state = ?`, taskColumns)),
			taskID, workerID, string(storage.TaskRunning))
		t, err := scanTask(row)
		if err != nil {
			if err == sql.ErrNoRows {
				return storage.ErrNotOwner
			}
			return fmt.Errorf("sqlstore: load task for dlq: %w", err)
		}
		t.Error = errMsg

		taskJSON, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("sqlstore: marshal dead task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO dead_tasks (id, task_json, error, created_at) VALUES (?, ?, ?, ?)`),
			uuid.New(), string(taskJSON), errMsg, now,
		); err != nil {
			return fmt.Errorf("sqlstore: insert dead letter: %w", err)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE tasks SET state = ?, error = ?, worker_id = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ?`),
			string(storage.TaskDead), errMsg, now, taskID,
		); err != nil {
			return fmt.Errorf("sqlstore: mark task dead: %w", err)
		}

		return tx.Commit()
	}

	if retryAt == nil {
		return fmt.Errorf("sqlstore: fail task: retryAt required when dead=false")
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET state = ?, error = ?, attempt = attempt + 1, scheduled_for = ?,
			worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND worker_id = ? AND state = ?`),
		string(storage.TaskPending), errMsg, *retryAt, now, taskID, workerID, string(storage.TaskRunning),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: schedule retry: %w", err)
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
	row := s.db.QueryRowContext(ctx, s.rebind(fmt.Sprintf(`SELECT %s FROM tasks WHERE id = ?`, taskColumns)), taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, executionID uuid.UUID, state *storage.TaskState) ([]*storage.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE execution_id = ?`, taskColumns)
	args := []any{executionID}
	if state != nil {
		query += ` AND state = ?`
		args = append(args, string(*state))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list tasks: %w", err)
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
		return fmt.Errorf("sqlstore: marshal tags: %w", err)
	}
	progressJSON, err := json.Marshal(t.Progress)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal progress: %w", err)
	}

	t.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET
			state = ?, attempt = ?, max_attempts = ?, scheduled_for = ?, expires_at = ?,
			lease_expires_at = ?, worker_id = ?, queue = ?, priority = ?, tags = ?,
			idempotency_key = ?, cache_key = ?, concurrency_group = ?, concurrency_limit = ?,
			result = ?, error = ?, progress = ?, updated_at = ?
		WHERE id = ?`),
		string(t.State), t.Attempt, t.MaxAttempts, t.ScheduledFor, t.ExpiresAt,
		t.LeaseExpiresAt, t.WorkerID, t.Queue, t.Priority, string(tagsJSON),
		t.IdempotencyKey, t.CacheKey, nullIfEmpty(t.ConcurrencyGroup), t.ConcurrencyLimit,
		t.Result, t.Error, string(progressJSON), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: update task: %w", err)
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
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlstore: count executions: %w", err)
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

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list executions: %w", err)
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

func scanExecutionRow(row rowScanner) (*storage.Execution, error) {
	var e storage.Execution
	var stateStr string
	var errMsg sql.NullString
	if err := row.Scan(&e.ID, &e.RootStep, &e.Arguments, &stateStr, &e.CreatedAt, &e.UpdatedAt, &e.CompletedAt, &e.Result, &errMsg); err != nil {
		return nil, err
	}
	e.Error = errMsg.String
	e.State = storage.ExecutionState(stateStr)
	return &e, nil
}

func (s *Store) CountDeadTasks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlstore: count dead tasks: %w", err)
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
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list dead letters: %w", err)
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

func scanDeadLetter(row rowScanner) (*storage.DeadLetter, error) {
	var id uuid.UUID
	var taskJSON []byte
	var errMsg sql.NullString
	var createdAt time.Time
	if err := row.Scan(&id, &taskJSON, &errMsg, &createdAt); err != nil {
		return nil, err
	}
	var t storage.Task
	if err := json.Unmarshal(taskJSON, &t); err != nil {
		return nil, fmt.Errorf("sqlstore: unmarshal dead task snapshot: %w", err)
	}
	return &storage.DeadLetter{ID: id, Task: t, Error: errMsg.String, CreatedAt: createdAt}, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id uuid.UUID) (*storage.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, task_json, error, created_at FROM dead_tasks WHERE id = $1`, id)
	dl, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get dead letter: %w", err)
	}
	return dl, nil
}

func (s *Store) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("sqlstore: delete dead letter: %w", err)
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
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin replay: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id, task_json, error, created_at FROM dead_tasks WHERE id = $1`, id)
	dl, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load dead letter: %w", err)
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
		return nil, fmt.Errorf("sqlstore: commit replay: %w", err)
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
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin set state: %w", err)
	}
	defer tx.Rollback()

	var curState string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM executions WHERE id = $1`, executionID).Scan(&curState); err != nil {
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		return fmt.Errorf("sqlstore: load execution state: %w", err)
	}
	if storage.ExecutionState(curState).IsTerminal() {
		return storage.ErrTerminalState
	}

	now := time.Now().UTC()
	if withResult {
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET state = $1, result = $2, error = $3, updated_at = $4, completed_at = $5
			WHERE id = $6`,
			string(state), result, errMsg, now, now, executionID,
		); err != nil {
			return fmt.Errorf("sqlstore: set execution result: %w", err)
		}
	} else {
		var completedAt any
		if state.IsTerminal() {
			completedAt = now
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET state = $1, updated_at = $2, completed_at = $3
			WHERE id = $4`,
			string(state), now, completedAt, executionID,
		); err != nil {
			return fmt.Errorf("sqlstore: set execution state: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetExecutionState(ctx context.Context, executionID uuid.UUID) (*storage.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, root_step, arguments, state, created_at, updated_at, completed_at, result, error
		FROM executions WHERE id = $1`, executionID)
	e, err := scanExecutionRow(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get execution: %w", err)
	}

	e.Counters = make(map[string]int64)
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM execution_counters WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load counters: %w", err)
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
	rows2, err := s.db.QueryContext(ctx, `SELECT key, value FROM execution_custom_state WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load custom state: %w", err)
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
	var val int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO execution_counters (execution_id, name, value) VALUES ($1, $2, $3)
		ON CONFLICT (execution_id, name) DO UPDATE SET value = execution_counters.value + excluded.value
		RETURNING value`,
		executionID, name, delta,
	).Scan(&val)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: add counter: %w", err)
	}
	return val, nil
}

func (s *Store) SetCustomState(ctx context.Context, executionID uuid.UUID, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_custom_state (execution_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (execution_id, key) DO UPDATE SET value = excluded.value`,
		executionID, key, value,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: set custom state: %w", err)
	}
	return nil
}

func (s *Store) SendSignal(ctx context.Context, executionID uuid.UUID, name string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (execution_id, name, payload, created_at) VALUES ($1, $2, $3, $4)`,
		executionID, name, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: send signal: %w", err)
	}
	return nil
}

func (s *Store) ConsumeSignal(ctx context.Context, executionID uuid.UUID, name string) ([]byte, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: begin consume signal: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	var payload []byte
	err = tx.QueryRowContext(ctx, `
		SELECT seq, payload FROM signals WHERE execution_id = $1 AND name = $2
		ORDER BY seq ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
		executionID, name,
	).Scan(&seq, &payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: read signal: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM signals WHERE seq = $1`, seq); err != nil {
		return nil, false, fmt.Errorf("sqlstore: pop signal: %w", err)
	}

	return payload, true, tx.Commit()
}

func (s *Store) GetCache(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM cache WHERE key = $1`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: get cache: %w", err)
	}
	if expiresAt.Valid && time.Now().UTC().After(expiresAt.Time) {
		return nil, false, nil
	}
	return value, true, nil
}

func (s *Store) PutCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt any
	if ttl != 0 {
		expiresAt = time.Now().UTC().Add(ttl)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache (key, value, created_at, expires_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`,
		key, value, time.Now().UTC(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: put cache: %w", err)
	}
	return nil
}

func (s *Store) CleanupExecutions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id FROM executions
			WHERE state IN ('completed','failed','timed_out','cancelled') AND updated_at < $1
		),
		del_tasks AS (DELETE FROM tasks WHERE execution_id IN (SELECT id FROM stale)),
		del_counters AS (DELETE FROM execution_counters WHERE execution_id IN (SELECT id FROM stale)),
		del_custom AS (DELETE FROM execution_custom_state WHERE execution_id IN (SELECT id FROM stale)),
		del_signals AS (DELETE FROM signals WHERE execution_id IN (SELECT id FROM stale))
		DELETE FROM executions WHERE id IN (SELECT id FROM stale)`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: cleanup executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Debug().Int64("count", n).Msg("swept stale executions")
	}
	return n, nil
}

var _ storage.Backend = (*Store)(nil)
