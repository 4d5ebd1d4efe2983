package sqlitestore

const schemaDDL = `
CREATE TABLE IF NOT EXISTS executions (
	id             TEXT PRIMARY KEY,
	root_step      TEXT NOT NULL,
	arguments      BLOB,
	state          TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	completed_at   TEXT,
	result         BLOB,
	error          TEXT
);

CREATE INDEX IF NOT EXISTS idx_executions_state_created
	ON executions(state, created_at);

CREATE TABLE IF NOT EXISTS execution_counters (
	execution_id TEXT NOT NULL,
	name         TEXT NOT NULL,
	value        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (execution_id, name)
);

CREATE TABLE IF NOT EXISTS execution_custom_state (
	execution_id TEXT NOT NULL,
	key          TEXT NOT NULL,
	value        BLOB,
	PRIMARY KEY (execution_id, key)
);

CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	execution_id       TEXT NOT NULL,
	parent_task_id     TEXT,
	kind               TEXT NOT NULL,
	step_name          TEXT NOT NULL,
	arguments          BLOB,
	state              TEXT NOT NULL,
	attempt            INTEGER NOT NULL DEFAULT 0,
	max_attempts       INTEGER NOT NULL DEFAULT 3,
	scheduled_for      TEXT NOT NULL,
	expires_at         TEXT,
	lease_expires_at   TEXT,
	worker_id          TEXT,
	queue              TEXT NOT NULL DEFAULT 'default',
	priority           INTEGER NOT NULL DEFAULT 0,
	tags               TEXT,
	idempotency_key    TEXT,
	cache_key          TEXT,
	concurrency_group  TEXT,
	concurrency_limit  INTEGER NOT NULL DEFAULT 0,
	result             BLOB,
	error              TEXT,
	progress           TEXT,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim
	ON tasks(state, scheduled_for, queue, priority);
CREATE INDEX IF NOT EXISTS idx_tasks_concurrency
	ON tasks(concurrency_group, state, lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_tasks_execution
	ON tasks(execution_id);

CREATE TABLE IF NOT EXISTS dead_tasks (
	id         TEXT PRIMARY KEY,
	task_json  TEXT NOT NULL,
	error      TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_tasks_created
	ON dead_tasks(created_at);

CREATE TABLE IF NOT EXISTS cache (
	key        TEXT PRIMARY KEY,
	value      BLOB,
	created_at TEXT NOT NULL,
	expires_at TEXT
);

CREATE TABLE IF NOT EXISTS signals (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	name         TEXT NOT NULL,
	payload      BLOB,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_lookup
	ON signals(execution_id, name, seq);
`
