package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/okatz/hopper/internal/strategy"
	"github.com/okatz/hopper/internal/task"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS task_queue (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	task_type     TEXT NOT NULL,
	parameters    TEXT NOT NULL DEFAULT '{}',
	priority      INTEGER NOT NULL DEFAULT 5 CHECK (priority BETWEEN 1 AND 10),
	status        TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued','claimed','running','completed','failed')),
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	claimed_at    INTEGER,
	completed_at  INTEGER,
	claimed_by    TEXT,
	result_data   TEXT,
	error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_task_queue_claim ON task_queue(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_task_queue_claimed_by ON task_queue(claimed_by);
CREATE INDEX IF NOT EXISTS idx_task_queue_created_at ON task_queue(created_at);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
	worker_id       TEXT PRIMARY KEY,
	last_heartbeat  INTEGER NOT NULL,
	strategy        TEXT NOT NULL DEFAULT 'FIFO',
	tasks_processed INTEGER NOT NULL DEFAULT 0,
	tasks_failed    INTEGER NOT NULL DEFAULT 0,
	started_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_worker_heartbeats_last ON worker_heartbeats(last_heartbeat);

CREATE TABLE IF NOT EXISTS task_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    INTEGER NOT NULL REFERENCES task_queue(id),
	event_type TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	timestamp  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id);

CREATE TABLE IF NOT EXISTS task_types (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	name         TEXT NOT NULL UNIQUE,
	version      INTEGER NOT NULL DEFAULT 1,
	param_schema TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL
);
`

const taskColumns = `id, task_type, parameters, priority, status, retry_count, max_retries, created_at, updated_at, claimed_at, completed_at, claimed_by, result_data, error_message`

// SQLite is the primary task store. Timestamps are stored as unix
// nanoseconds so claim ordering stays deterministic at sub-second enqueue
// rates.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the store at path. The connection
// pool is capped at one so write transactions serialize instead of
// returning SQLITE_BUSY to each other.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}

	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// DB exposes the underlying handle so collaborators (the quota usage table)
// can share the single-writer connection.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Enqueue(ctx context.Context, t *task.Task) error {
	if t.Type == "" {
		return fmt.Errorf("task type must not be empty")
	}
	if err := task.CheckPriority(t.Priority); err != nil {
		return err
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max retries %d must not be negative", t.MaxRetries)
	}

	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin enqueue: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_queue (task_type, parameters, priority, status, retry_count, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`, t.Type, string(params), t.Priority, task.StatusQueued, t.MaxRetries, now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read task id: %w", err)
	}

	if err := appendLog(ctx, tx, id, EventEnqueued, fmt.Sprintf("type=%s priority=%d", t.Type, t.Priority), now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}

	t.ID = id
	t.Status = task.StatusQueued
	t.RetryCount = 0
	t.CreatedAt = now
	t.UpdatedAt = now

	return nil
}

// ClaimNext atomically transitions the highest-ranked queued task to
// claimed for workerID. It returns (nil, nil) when nothing is eligible or
// when a concurrent claimer won the row; callers treat both as an empty
// poll.
func (s *SQLite) ClaimNext(ctx context.Context, workerID string, strat strategy.Strategy) (*task.Task, error) {
	return s.claim(ctx, workerID, strat, 0)
}

// ClaimNextOfType is ClaimNext restricted to one registered task type. An
// id that matches no registration claims nothing.
func (s *SQLite) ClaimNextOfType(ctx context.Context, workerID string, strat strategy.Strategy, taskTypeID int64) (*task.Task, error) {
	return s.claim(ctx, workerID, strat, taskTypeID)
}

func (s *SQLite) claim(ctx context.Context, workerID string, strat strategy.Strategy, taskTypeID int64) (*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer rollback(tx)

	query := `SELECT ` + taskColumns + ` FROM task_queue WHERE status = ?`
	args := []any{task.StatusQueued}
	if taskTypeID > 0 {
		query += ` AND task_type = (SELECT name FROM task_types WHERE id = ?)`
		args = append(args, taskTypeID)
	}
	query += ` ORDER BY ` + strat.OrderBy(strategy.SQLite) + ` LIMIT 1`

	t, err := scanTask(tx.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claim candidate: %w", err)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE task_queue SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, task.StatusClaimed, workerID, now.UnixNano(), now.UnixNano(), t.ID, task.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task %d: %w", t.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}
	if n != 1 {
		// Lost the row to a concurrent claimer.
		return nil, nil
	}

	if err := appendLog(ctx, tx, t.ID, EventClaimed, "claimed by "+workerID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	t.Status = task.StatusClaimed
	t.ClaimedBy = workerID
	t.ClaimedAt = &now
	t.UpdatedAt = now

	return t, nil
}

func (s *SQLite) MarkRunning(ctx context.Context, taskID int64, workerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mark running: %w", err)
	}
	defer rollback(tx)

	t, err := taskForUpdate(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.ClaimedBy != workerID || t.Status != task.StatusClaimed {
		return fmt.Errorf("mark running task %d held by %q in %s: %w", taskID, t.ClaimedBy, t.Status, ErrNotOwner)
	}

	now := time.Now()
	if err := transition(ctx, tx, taskID, t.Status, `status = ?, updated_at = ?`, task.StatusRunning, now.UnixNano()); err != nil {
		return err
	}

	if err := appendLog(ctx, tx, taskID, EventRunning, "started by "+workerID, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mark running: %w", err)
	}

	return nil
}

// Complete finishes the processing cycle for a held task. Success makes the
// task terminal completed. Failure increments retry_count and requeues the
// task while retries remain, otherwise it becomes terminal failed.
func (s *SQLite) Complete(ctx context.Context, taskID int64, workerID string, res *task.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin complete: %w", err)
	}
	defer rollback(tx)

	t, err := taskForUpdate(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.ClaimedBy != workerID || !t.Status.Held() {
		return fmt.Errorf("complete task %d held by %q in %s: %w", taskID, t.ClaimedBy, t.Status, ErrNotOwner)
	}

	now := time.Now()
	if res.Success {
		data, err := json.Marshal(res.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal result data: %w", err)
		}

		if err := transition(ctx, tx, taskID, t.Status,
			`status = ?, result_data = ?, error_message = NULL, completed_at = ?, updated_at = ?`,
			task.StatusCompleted, string(data), now.UnixNano(), now.UnixNano()); err != nil {
			return err
		}

		msg := fmt.Sprintf("completed by %s, %d items", workerID, res.ItemsProcessed)
		if err := appendLog(ctx, tx, taskID, EventCompleted, msg, now); err != nil {
			return err
		}

		return commit(tx, "complete")
	}

	retries := t.RetryCount + 1
	if retries <= t.MaxRetries {
		if err := transition(ctx, tx, taskID, t.Status,
			`status = ?, retry_count = ?, claimed_by = NULL, claimed_at = NULL, error_message = ?, updated_at = ?`,
			task.StatusQueued, retries, res.Error, now.UnixNano()); err != nil {
			return err
		}

		msg := fmt.Sprintf("attempt %d/%d failed: %s", retries, t.MaxRetries, res.Error)
		if err := appendLog(ctx, tx, taskID, EventRetried, msg, now); err != nil {
			return err
		}

		return commit(tx, "retry")
	}

	if err := transition(ctx, tx, taskID, t.Status,
		`status = ?, retry_count = ?, error_message = ?, completed_at = ?, updated_at = ?`,
		task.StatusFailed, retries, res.Error, now.UnixNano(), now.UnixNano()); err != nil {
		return err
	}

	msg := fmt.Sprintf("failed permanently after %d attempts: %s", retries, res.Error)
	if err := appendLog(ctx, tx, taskID, EventFailed, msg, now); err != nil {
		return err
	}

	return commit(tx, "fail")
}

// Release returns a held task to queued without touching retry_count. The
// runtime uses it to defer work when a quota is exhausted.
func (s *SQLite) Release(ctx context.Context, taskID int64, workerID string, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin release: %w", err)
	}
	defer rollback(tx)

	t, err := taskForUpdate(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.ClaimedBy != workerID || !t.Status.Held() {
		return fmt.Errorf("release task %d held by %q in %s: %w", taskID, t.ClaimedBy, t.Status, ErrNotOwner)
	}

	now := time.Now()
	if err := transition(ctx, tx, taskID, t.Status,
		`status = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?`,
		task.StatusQueued, now.UnixNano()); err != nil {
		return err
	}

	if err := appendLog(ctx, tx, taskID, EventReleased, reason, now); err != nil {
		return err
	}

	return commit(tx, "release")
}

func (s *SQLite) Heartbeat(ctx context.Context, hb Heartbeat) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, last_heartbeat, strategy, tasks_processed, tasks_failed, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET
			last_heartbeat = excluded.last_heartbeat,
			strategy = excluded.strategy,
			tasks_processed = excluded.tasks_processed,
			tasks_failed = excluded.tasks_failed,
			updated_at = excluded.updated_at
	`, hb.WorkerID, hb.LastHeartbeat.UnixNano(), hb.Strategy, hb.TasksProcessed, hb.TasksFailed, hb.StartedAt.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat for %s: %w", hb.WorkerID, err)
	}

	return nil
}

// RegisterTaskType records a claimable task type. Registering a known name
// refreshes its version and schema and reports created=false.
func (s *SQLite) RegisterTaskType(ctx context.Context, name string, version int, paramSchema map[string]any) (int64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("task type name must not be empty")
	}
	if version <= 0 {
		version = 1
	}

	schema, err := marshalSchema(paramSchema)
	if err != nil {
		return 0, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin register: %w", err)
	}
	defer rollback(tx)

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM task_types WHERE name = ?`, name).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_types (name, version, param_schema, created_at) VALUES (?, ?, ?, ?)
		`, name, version, schema, time.Now().UnixNano())
		if err != nil {
			return 0, false, fmt.Errorf("failed to register task type %s: %w", name, err)
		}

		id, err = res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("failed to read task type id: %w", err)
		}

		return id, true, commit(tx, "register")
	case err != nil:
		return 0, false, fmt.Errorf("failed to look up task type %s: %w", name, err)
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_types SET version = ?, param_schema = ? WHERE id = ?
		`, version, schema, id); err != nil {
			return 0, false, fmt.Errorf("failed to refresh task type %s: %w", name, err)
		}

		return id, false, commit(tx, "register")
	}
}

func (s *SQLite) Task(ctx context.Context, taskID int64) (*task.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_queue WHERE id = ?`, taskID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", taskID, err)
	}

	return t, nil
}

func (s *SQLite) RecentTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM task_queue ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent tasks: %w", err)
	}

	defer closeRows(rows)

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (s *SQLite) TaskLog(ctx context.Context, taskID int64) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event_type, message, timestamp
		FROM task_logs WHERE task_id = ? ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load log for task %d: %w", taskID, err)
	}

	defer closeRows(rows)

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &e.Message, &ts); err != nil {
			return nil, err
		}

		e.Timestamp = time.Unix(0, ts)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (s *SQLite) Workers(ctx context.Context) ([]Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, last_heartbeat, strategy, tasks_processed, tasks_failed, started_at, updated_at
		FROM worker_heartbeats ORDER BY last_heartbeat DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	defer closeRows(rows)

	var beats []Heartbeat
	for rows.Next() {
		var hb Heartbeat
		var last, started, updated int64
		if err := rows.Scan(&hb.WorkerID, &last, &hb.Strategy, &hb.TasksProcessed, &hb.TasksFailed, &started, &updated); err != nil {
			return nil, err
		}

		hb.LastHeartbeat = time.Unix(0, last)
		hb.StartedAt = time.Unix(0, started)
		hb.UpdatedAt = time.Unix(0, updated)
		beats = append(beats, hb)
	}

	return beats, rows.Err()
}

func (s *SQLite) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		StatusCounts: make(map[task.Status]int),
		TypeCounts:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM task_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count statuses: %w", err)
	}

	defer closeRows(rows)

	for rows.Next() {
		var status task.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}

		stats.StatusCounts[status] = count
		stats.StoreSize += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	typeRows, err := s.db.QueryContext(ctx, `SELECT task_type, COUNT(*) FROM task_queue GROUP BY task_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count task types: %w", err)
	}

	defer closeRows(typeRows)

	for typeRows.Next() {
		var taskType string
		var count int
		if err := typeRows.Scan(&taskType, &count); err != nil {
			return nil, err
		}

		stats.TypeCounts[taskType] = count
	}
	if err := typeRows.Err(); err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-StaleWorkerAfter).UnixNano()
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM worker_heartbeats WHERE last_heartbeat > ?`, cutoff,
	).Scan(&stats.ActiveWorkers); err != nil {
		return nil, fmt.Errorf("failed to count active workers: %w", err)
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var params string
	var created, updated int64
	var claimedAt, completedAt sql.NullInt64
	var claimedBy, resultData, errMsg sql.NullString

	if err := row.Scan(
		&t.ID,
		&t.Type,
		&params,
		&t.Priority,
		&t.Status,
		&t.RetryCount,
		&t.MaxRetries,
		&created,
		&updated,
		&claimedAt,
		&completedAt,
		&claimedBy,
		&resultData,
		&errMsg,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(params), &t.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters of task %d: %w", t.ID, err)
	}

	t.CreatedAt = time.Unix(0, created)
	t.UpdatedAt = time.Unix(0, updated)
	if claimedAt.Valid {
		at := time.Unix(0, claimedAt.Int64)
		t.ClaimedAt = &at
	}
	if completedAt.Valid {
		at := time.Unix(0, completedAt.Int64)
		t.CompletedAt = &at
	}
	t.ClaimedBy = claimedBy.String
	t.ErrorMessage = errMsg.String
	if resultData.Valid && resultData.String != "" {
		if err := json.Unmarshal([]byte(resultData.String), &t.ResultData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result data of task %d: %w", t.ID, err)
		}
	}

	return &t, nil
}

func taskForUpdate(ctx context.Context, tx *sql.Tx, taskID int64) (*task.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_queue WHERE id = ?`, taskID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", taskID, err)
	}

	return t, nil
}

// transition applies a guarded status update. The WHERE clause re-checks the
// status read earlier in the transaction so a row changed underneath us
// surfaces as ErrNotOwner instead of a silent double-write.
func transition(ctx context.Context, tx *sql.Tx, taskID int64, from task.Status, set string, args ...any) error {
	args = append(args, taskID, from)
	res, err := tx.ExecContext(ctx, `UPDATE task_queue SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", taskID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("task %d left %s concurrently: %w", taskID, from, ErrNotOwner)
	}

	return nil
}

func marshalSchema(schema map[string]any) (string, error) {
	if schema == nil {
		return "{}", nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("failed to marshal param schema: %w", err)
	}

	return string(raw), nil
}

func appendLog(ctx context.Context, tx *sql.Tx, taskID int64, event, message string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, event_type, message, timestamp) VALUES (?, ?, ?, ?)
	`, taskID, event, message, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append %s log: %w", event, err)
	}

	return nil
}

func commit(tx *sql.Tx, op string) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", op, err)
	}

	return nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		log.Printf("failed to roll back transaction: %v", err)
	}
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		log.Printf("failed to close rows: %v", err)
	}
}
