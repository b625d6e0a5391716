// Package store provides durable persistence for the task queue: a SQLite
// implementation for single-host deployments and a PostgreSQL implementation
// for shared ones. Both expose the same claim/complete/release contract and
// append every transition to the task_logs audit trail.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/okatz/hopper/internal/strategy"
	"github.com/okatz/hopper/internal/task"
)

var (
	// ErrNotFound means the task id does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrNotOwner means the caller does not hold the claim it is trying to
	// act on. Callers must surface this, never retry it.
	ErrNotOwner = errors.New("task not owned by caller")
)

// Audit event types written to task_logs.
const (
	EventEnqueued  = "enqueued"
	EventClaimed   = "claimed"
	EventRunning   = "running"
	EventCompleted = "completed"
	EventRetried   = "retried"
	EventFailed    = "failed"
	EventReleased  = "released"
)

// StaleWorkerAfter is how long a heartbeat may go silent before the worker
// counts as dead in stats and dashboards.
const StaleWorkerAfter = 2 * time.Minute

type Heartbeat struct {
	WorkerID       string    `json:"worker_id"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	Strategy       string    `json:"strategy"`
	TasksProcessed int       `json:"tasks_processed"`
	TasksFailed    int       `json:"tasks_failed"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Stats struct {
	StatusCounts  map[task.Status]int `json:"status_counts"`
	TypeCounts    map[string]int      `json:"type_counts"`
	ActiveWorkers int                 `json:"active_workers"`
	StoreSize     int                 `json:"store_size"`
}

type LogEntry struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the full contract both SQL implementations satisfy. The worker
// runtime depends on a narrower slice of it so the remote coordinator client
// can stand in for a store.
type Store interface {
	Enqueue(ctx context.Context, t *task.Task) error
	ClaimNext(ctx context.Context, workerID string, strat strategy.Strategy) (*task.Task, error)
	ClaimNextOfType(ctx context.Context, workerID string, strat strategy.Strategy, taskTypeID int64) (*task.Task, error)
	MarkRunning(ctx context.Context, taskID int64, workerID string) error
	Complete(ctx context.Context, taskID int64, workerID string, res *task.Result) error
	Release(ctx context.Context, taskID int64, workerID string, reason string) error
	Heartbeat(ctx context.Context, hb Heartbeat) error
	RegisterTaskType(ctx context.Context, name string, version int, paramSchema map[string]any) (int64, bool, error)
	Task(ctx context.Context, taskID int64) (*task.Task, error)
	RecentTasks(ctx context.Context, limit int) ([]*task.Task, error)
	TaskLog(ctx context.Context, taskID int64) ([]LogEntry, error)
	Workers(ctx context.Context) ([]Heartbeat, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
