// Package dashboard implements the monitoring endpoints for queue health,
// worker liveness and quota headroom.
package dashboard

import (
	"net/http"
	"time"

	"github.com/okatz/hopper/internal/httputil"
	"github.com/okatz/hopper/internal/quota"
	"github.com/okatz/hopper/internal/store"
	"github.com/okatz/hopper/internal/task"
)

type Dashboard struct {
	store   store.Store
	tracker *quota.Tracker
}

type Stats struct {
	TotalTasks     int            `json:"total_tasks"`
	QueuedTasks    int            `json:"queued_tasks"`
	ClaimedTasks   int            `json:"claimed_tasks"`
	RunningTasks   int            `json:"running_tasks"`
	CompletedTasks int            `json:"completed_tasks"`
	FailedTasks    int            `json:"failed_tasks"`
	TasksByType    map[string]int `json:"tasks_by_type"`
	ActiveWorkers  int            `json:"active_workers"`
	StaleWorkers   int            `json:"stale_workers"`
	QuotaLimit     int            `json:"quota_limit,omitempty"`
	QuotaRemaining *int           `json:"quota_remaining,omitempty"`
	LastUpdated    time.Time      `json:"last_updated"`
}

type WorkerStatus struct {
	store.Heartbeat
	Stale  bool   `json:"stale"`
	Uptime string `json:"uptime"`
}

// New builds the dashboard over a store. tracker may be nil, in which case
// the quota fields stay empty.
func New(s store.Store, tracker *quota.Tracker) *Dashboard {
	return &Dashboard{store: s, tracker: tracker}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := d.store.Stats(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	workers, err := d.store.Workers(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := Stats{
		TotalTasks:     stats.StoreSize,
		QueuedTasks:    stats.StatusCounts[task.StatusQueued],
		ClaimedTasks:   stats.StatusCounts[task.StatusClaimed],
		RunningTasks:   stats.StatusCounts[task.StatusRunning],
		CompletedTasks: stats.StatusCounts[task.StatusCompleted],
		FailedTasks:    stats.StatusCounts[task.StatusFailed],
		TasksByType:    stats.TypeCounts,
		LastUpdated:    time.Now(),
	}

	for _, hb := range workers {
		if stale(hb, time.Now()) {
			out.StaleWorkers++
		} else {
			out.ActiveWorkers++
		}
	}

	if d.tracker != nil {
		remaining, err := d.tracker.Remaining(r.Context())
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		out.QuotaLimit = d.tracker.DailyLimit()
		out.QuotaRemaining = &remaining
	}

	httputil.WriteJSON(w, http.StatusOK, out)
}

func (d *Dashboard) GetWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workers, err := d.store.Workers(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	now := time.Now()
	out := make([]WorkerStatus, 0, len(workers))
	for _, hb := range workers {
		out = append(out, WorkerStatus{
			Heartbeat: hb,
			Stale:     stale(hb, now),
			Uptime:    now.Sub(hb.StartedAt).Round(time.Second).String(),
		})
	}

	httputil.WriteJSON(w, http.StatusOK, out)
}

func stale(hb store.Heartbeat, now time.Time) bool {
	return hb.LastHeartbeat.Before(now.Add(-store.StaleWorkerAfter))
}
