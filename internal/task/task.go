// Package task defines the task domain model shared by the store, the worker
// runtime, and the HTTP surfaces: task metadata, status lifecycle, priority
// bounds, and the result shape handlers produce.
package task

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5

	DefaultMaxRetries = 3
)

type Task struct {
	ID           int64          `json:"id"`
	Type         string         `json:"task_type"`
	Parameters   map[string]any `json:"parameters"`
	Priority     int            `json:"priority"`
	Status       Status         `json:"status"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ClaimedAt    *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ClaimedBy    string         `json:"claimed_by,omitempty"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Result is what a handler hands back to the runtime for one processing
// cycle. It is folded into the task's terminal columns and never stored
// as its own row.
type Result struct {
	Success        bool           `json:"success"`
	Data           map[string]any `json:"data,omitempty"`
	Error          string         `json:"error,omitempty"`
	ItemsProcessed int            `json:"items_processed"`
}

func New(taskType string, parameters map[string]any, priority int) *Task {
	return &Task{
		Type:       taskType,
		Parameters: parameters,
		Priority:   priority,
		Status:     StatusQueued,
		MaxRetries: DefaultMaxRetries,
	}
}

// CheckPriority rejects priorities outside [1,10]. Out-of-range values are
// an error, never clamped.
func CheckPriority(p int) error {
	if p < MinPriority || p > MaxPriority {
		return fmt.Errorf("priority %d out of range [%d,%d]", p, MinPriority, MaxPriority)
	}

	return nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusClaimed, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}

	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Held reports whether a worker currently owns the task.
func (s Status) Held() bool {
	return s == StatusClaimed || s == StatusRunning
}

// RetriesExhausted reports whether another failure must be terminal instead
// of a requeue.
func (t *Task) RetriesExhausted() bool {
	return t.RetryCount >= t.MaxRetries
}

func (t *Task) Param(key string) (string, bool) {
	v, ok := t.Parameters[key]
	if !ok {
		return "", false
	}

	s, ok := v.(string)
	return s, ok
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func FromJSON(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}

func Failure(err error) *Result {
	return &Result{Success: false, Error: err.Error()}
}

func Successful(data map[string]any, items int) *Result {
	return &Result{Success: true, Data: data, ItemsProcessed: items}
}
