package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/okatz/hopper/internal/strategy"
	"github.com/okatz/hopper/internal/task"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS task_queue (
	id            BIGSERIAL PRIMARY KEY,
	task_type     TEXT NOT NULL,
	parameters    JSONB NOT NULL DEFAULT '{}',
	priority      INTEGER NOT NULL DEFAULT 5 CHECK (priority BETWEEN 1 AND 10),
	status        TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued','claimed','running','completed','failed')),
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	claimed_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	claimed_by    TEXT,
	result_data   JSONB,
	error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_task_queue_claim ON task_queue(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_task_queue_claimed_by ON task_queue(claimed_by);
CREATE INDEX IF NOT EXISTS idx_task_queue_created_at ON task_queue(created_at);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
	worker_id       TEXT PRIMARY KEY,
	last_heartbeat  TIMESTAMPTZ NOT NULL,
	strategy        TEXT NOT NULL DEFAULT 'FIFO',
	tasks_processed INTEGER NOT NULL DEFAULT 0,
	tasks_failed    INTEGER NOT NULL DEFAULT 0,
	started_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_worker_heartbeats_last ON worker_heartbeats(last_heartbeat);

CREATE TABLE IF NOT EXISTS task_logs (
	id         BIGSERIAL PRIMARY KEY,
	task_id    BIGINT NOT NULL REFERENCES task_queue(id),
	event_type TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	timestamp  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id);

CREATE TABLE IF NOT EXISTS task_types (
	id           BIGSERIAL PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	version      INTEGER NOT NULL DEFAULT 1,
	param_schema JSONB NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Postgres is the shared-deployment store. Claiming uses FOR UPDATE SKIP
// LOCKED so concurrent claimers never serialize on the same head row.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(connectionString string) (*Postgres, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing handle. Tests use it with sqlmock.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) InitSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	return nil
}

func (p *Postgres) DB() *sql.DB {
	return p.db
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Enqueue(ctx context.Context, t *task.Task) error {
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
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin enqueue: %w", err)
	}
	defer rollback(tx)

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO task_queue (task_type, parameters, priority, status, retry_count, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
		RETURNING id
	`, t.Type, params, t.Priority, task.StatusQueued, t.MaxRetries, now).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	if err := pgAppendLog(ctx, tx, id, EventEnqueued, fmt.Sprintf("type=%s priority=%d", t.Type, t.Priority), now); err != nil {
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

func (p *Postgres) ClaimNext(ctx context.Context, workerID string, strat strategy.Strategy) (*task.Task, error) {
	return p.claim(ctx, workerID, strat, 0)
}

// ClaimNextOfType is ClaimNext restricted to one registered task type. An
// id that matches no registration claims nothing.
func (p *Postgres) ClaimNextOfType(ctx context.Context, workerID string, strat strategy.Strategy, taskTypeID int64) (*task.Task, error) {
	return p.claim(ctx, workerID, strat, taskTypeID)
}

func (p *Postgres) claim(ctx context.Context, workerID string, strat strategy.Strategy, taskTypeID int64) (*task.Task, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer rollback(tx)

	now := time.Now()
	filter := ""
	args := []any{task.StatusClaimed, workerID, now, task.StatusQueued}
	if taskTypeID > 0 {
		filter = ` AND task_type = (SELECT name FROM task_types WHERE id = $5)`
		args = append(args, taskTypeID)
	}

	query := `
		UPDATE task_queue SET status = $1, claimed_by = $2, claimed_at = $3, updated_at = $3
		WHERE id = (
			SELECT id FROM task_queue
			WHERE status = $4` + filter + `
			ORDER BY ` + strat.OrderBy(strategy.Postgres) + `
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns

	t, err := pgScanTask(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	if err := pgAppendLog(ctx, tx, t.ID, EventClaimed, "claimed by "+workerID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return t, nil
}

func (p *Postgres) MarkRunning(ctx context.Context, taskID int64, workerID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mark running: %w", err)
	}
	defer rollback(tx)

	t, err := pgTaskForUpdate(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.ClaimedBy != workerID || t.Status != task.StatusClaimed {
		return fmt.Errorf("mark running task %d held by %q in %s: %w", taskID, t.ClaimedBy, t.Status, ErrNotOwner)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE task_queue SET status = $1, updated_at = $2 WHERE id = $3`,
		task.StatusRunning, now, taskID); err != nil {
		return fmt.Errorf("failed to update task %d: %w", taskID, err)
	}

	if err := pgAppendLog(ctx, tx, taskID, EventRunning, "started by "+workerID, now); err != nil {
		return err
	}

	return commit(tx, "mark running")
}

func (p *Postgres) Complete(ctx context.Context, taskID int64, workerID string, res *task.Result) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin complete: %w", err)
	}
	defer rollback(tx)

	t, err := pgTaskForUpdate(ctx, tx, taskID)
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

		if _, err := tx.ExecContext(ctx, `
			UPDATE task_queue SET status = $1, result_data = $2, error_message = NULL, completed_at = $3, updated_at = $3
			WHERE id = $4
		`, task.StatusCompleted, data, now, taskID); err != nil {
			return fmt.Errorf("failed to update task %d: %w", taskID, err)
		}

		msg := fmt.Sprintf("completed by %s, %d items", workerID, res.ItemsProcessed)
		if err := pgAppendLog(ctx, tx, taskID, EventCompleted, msg, now); err != nil {
			return err
		}

		return commit(tx, "complete")
	}

	retries := t.RetryCount + 1
	if retries <= t.MaxRetries {
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_queue SET status = $1, retry_count = $2, claimed_by = NULL, claimed_at = NULL, error_message = $3, updated_at = $4
			WHERE id = $5
		`, task.StatusQueued, retries, res.Error, now, taskID); err != nil {
			return fmt.Errorf("failed to update task %d: %w", taskID, err)
		}

		msg := fmt.Sprintf("attempt %d/%d failed: %s", retries, t.MaxRetries, res.Error)
		if err := pgAppendLog(ctx, tx, taskID, EventRetried, msg, now); err != nil {
			return err
		}

		return commit(tx, "retry")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE task_queue SET status = $1, retry_count = $2, error_message = $3, completed_at = $4, updated_at = $4
		WHERE id = $5
	`, task.StatusFailed, retries, res.Error, now, taskID); err != nil {
		return fmt.Errorf("failed to update task %d: %w", taskID, err)
	}

	msg := fmt.Sprintf("failed permanently after %d attempts: %s", retries, res.Error)
	if err := pgAppendLog(ctx, tx, taskID, EventFailed, msg, now); err != nil {
		return err
	}

	return commit(tx, "fail")
}

func (p *Postgres) Release(ctx context.Context, taskID int64, workerID string, reason string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin release: %w", err)
	}
	defer rollback(tx)

	t, err := pgTaskForUpdate(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.ClaimedBy != workerID || !t.Status.Held() {
		return fmt.Errorf("release task %d held by %q in %s: %w", taskID, t.ClaimedBy, t.Status, ErrNotOwner)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE task_queue SET status = $1, claimed_by = NULL, claimed_at = NULL, updated_at = $2
		WHERE id = $3
	`, task.StatusQueued, now, taskID); err != nil {
		return fmt.Errorf("failed to update task %d: %w", taskID, err)
	}

	if err := pgAppendLog(ctx, tx, taskID, EventReleased, reason, now); err != nil {
		return err
	}

	return commit(tx, "release")
}

func (p *Postgres) Heartbeat(ctx context.Context, hb Heartbeat) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, last_heartbeat, strategy, tasks_processed, tasks_failed, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET
			last_heartbeat = EXCLUDED.last_heartbeat,
			strategy = EXCLUDED.strategy,
			tasks_processed = EXCLUDED.tasks_processed,
			tasks_failed = EXCLUDED.tasks_failed,
			updated_at = NOW()
	`, hb.WorkerID, hb.LastHeartbeat, hb.Strategy, hb.TasksProcessed, hb.TasksFailed, hb.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat for %s: %w", hb.WorkerID, err)
	}

	return nil
}

// RegisterTaskType records a claimable task type. Registering a known name
// refreshes its version and schema and reports created=false.
func (p *Postgres) RegisterTaskType(ctx context.Context, name string, version int, paramSchema map[string]any) (int64, bool, error) {
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

	var id int64
	var created bool
	// xmax = 0 only on freshly inserted rows, which distinguishes insert
	// from conflict-update without a second query.
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO task_types (name, version, param_schema) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET version = EXCLUDED.version, param_schema = EXCLUDED.param_schema
		RETURNING id, (xmax = 0)
	`, name, version, schema).Scan(&id, &created)
	if err != nil {
		return 0, false, fmt.Errorf("failed to register task type %s: %w", name, err)
	}

	return id, created, nil
}

func (p *Postgres) Task(ctx context.Context, taskID int64) (*task.Task, error) {
	t, err := pgScanTask(p.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_queue WHERE id = $1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", taskID, err)
	}

	return t, nil
}

func (p *Postgres) RecentTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task_queue ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent tasks: %w", err)
	}

	defer closeRows(rows)

	var tasks []*task.Task
	for rows.Next() {
		t, err := pgScanTask(rows)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (p *Postgres) TaskLog(ctx context.Context, taskID int64) ([]LogEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, task_id, event_type, message, timestamp
		FROM task_logs WHERE task_id = $1 ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load log for task %d: %w", taskID, err)
	}

	defer closeRows(rows)

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (p *Postgres) Workers(ctx context.Context) ([]Heartbeat, error) {
	rows, err := p.db.QueryContext(ctx, `
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
		if err := rows.Scan(&hb.WorkerID, &hb.LastHeartbeat, &hb.Strategy, &hb.TasksProcessed, &hb.TasksFailed, &hb.StartedAt, &hb.UpdatedAt); err != nil {
			return nil, err
		}

		beats = append(beats, hb)
	}

	return beats, rows.Err()
}

func (p *Postgres) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		StatusCounts: make(map[task.Status]int),
		TypeCounts:   make(map[string]int),
	}

	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM task_queue GROUP BY status`)
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

	typeRows, err := p.db.QueryContext(ctx, `SELECT task_type, COUNT(*) FROM task_queue GROUP BY task_type`)
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

	cutoff := time.Now().Add(-StaleWorkerAfter)
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM worker_heartbeats WHERE last_heartbeat > $1`, cutoff,
	).Scan(&stats.ActiveWorkers); err != nil {
		return nil, fmt.Errorf("failed to count active workers: %w", err)
	}

	return stats, nil
}

func pgScanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var params []byte
	var claimedAt, completedAt sql.NullTime
	var claimedBy, errMsg sql.NullString
	var resultData []byte

	if err := row.Scan(
		&t.ID,
		&t.Type,
		&params,
		&t.Priority,
		&t.Status,
		&t.RetryCount,
		&t.MaxRetries,
		&t.CreatedAt,
		&t.UpdatedAt,
		&claimedAt,
		&completedAt,
		&claimedBy,
		&resultData,
		&errMsg,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(params, &t.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters of task %d: %w", t.ID, err)
	}

	if claimedAt.Valid {
		at := claimedAt.Time
		t.ClaimedAt = &at
	}
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	t.ClaimedBy = claimedBy.String
	t.ErrorMessage = errMsg.String
	if len(resultData) > 0 {
		if err := json.Unmarshal(resultData, &t.ResultData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result data of task %d: %w", t.ID, err)
		}
	}

	return &t, nil
}

func pgTaskForUpdate(ctx context.Context, tx *sql.Tx, taskID int64) (*task.Task, error) {
	t, err := pgScanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_queue WHERE id = $1 FOR UPDATE`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", taskID, err)
	}

	return t, nil
}

func pgAppendLog(ctx context.Context, tx *sql.Tx, taskID int64, event, message string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, event_type, message, timestamp) VALUES ($1, $2, $3, $4)
	`, taskID, event, message, at)
	if err != nil {
		return fmt.Errorf("failed to append %s log: %w", event, err)
	}

	return nil
}
