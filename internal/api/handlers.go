// Package api exposes the HTTP surface of the coordination service: task
// submission and inspection, the worker claim/complete contract, task type
// registration, quota status, and the dashboard endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/okatz/hopper/internal/coordinator"
	"github.com/okatz/hopper/internal/dashboard"
	"github.com/okatz/hopper/internal/httputil"
	"github.com/okatz/hopper/internal/metrics"
	"github.com/okatz/hopper/internal/quota"
	"github.com/okatz/hopper/internal/store"
	"github.com/okatz/hopper/internal/strategy"
	"github.com/okatz/hopper/internal/task"
)

const defaultListLimit = 100

type API struct {
	store   store.Store
	tracker *quota.Tracker
	mux     *http.ServeMux
}

type CreateTaskRequest struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
	Priority   *int           `json:"priority"`
	MaxRetries *int           `json:"max_retries"`
}

type QuotaStatus struct {
	DailyLimit  int            `json:"daily_limit"`
	Used        int            `json:"used"`
	Remaining   int            `json:"remaining"`
	ByOperation map[string]int `json:"by_operation"`
}

// NewAPI wires the handlers over a store. tracker may be nil when quota
// tracking is disabled; the quota endpoint then reports 503.
func NewAPI(s store.Store, tracker *quota.Tracker) *API {
	api := &API{
		store:   s,
		tracker: tracker,
		mux:     http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/tasks", a.handleTasks)
	a.mux.HandleFunc("/api/tasks/claim", a.claimTask)
	a.mux.HandleFunc("/api/tasks/", a.handleTaskByID)
	a.mux.HandleFunc("/api/task-types", a.registerTaskType)
	a.mux.HandleFunc("/api/quota", a.quotaStatus)

	dash := dashboard.New(a.store, a.tracker)
	a.mux.HandleFunc("/api/dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("/api/dashboard/workers", dash.GetWorkers)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createTask(w, r)
	case http.MethodGet:
		a.listTasks(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Printf("failed to close request body: %v", err)
		}
	}()

	var req CreateTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Type == "" {
		httputil.WriteJSONError(w, "Task type is required", http.StatusBadRequest)
		return
	}

	priority := task.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if err := task.CheckPriority(priority); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	t := task.New(req.Type, req.Parameters, priority)
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		t.MaxRetries = *req.MaxRetries
	}

	if err := a.store.Enqueue(r.Context(), t); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	metrics.RecordTaskEnqueued(t.Type, t.Priority)
	httputil.WriteJSON(w, http.StatusCreated, t)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	tasks, err := a.store.RecentTasks(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}

	httputil.WriteJSON(w, http.StatusOK, tasks)
}

// claimTask hands the next queued task to a worker. The sort hints map back
// onto a claim strategy; a type id narrows the claim to one registered type.
func (a *API) claimTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req coordinator.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.WorkerID == "" {
		httputil.WriteJSONError(w, "Worker ID is required", http.StatusBadRequest)
		return
	}

	strat := strategy.FromSortParams(req.SortBy, req.SortOrder)

	var (
		t   *task.Task
		err error
	)
	if req.TaskTypeID > 0 {
		t, err = a.store.ClaimNextOfType(r.Context(), req.WorkerID, strat, req.TaskTypeID)
	} else {
		t, err = a.store.ClaimNext(r.Context(), req.WorkerID, strat)
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if t == nil {
		httputil.WriteJSONError(w, "No task available", http.StatusNotFound)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, t)
}

func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if rest == "" {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return
	}

	idPart, action, _ := strings.Cut(rest, "/")
	taskID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		httputil.WriteJSONError(w, "Task ID must be numeric", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		a.getTask(w, r, taskID)
	case "log":
		a.getTaskLog(w, r, taskID)
	case "complete":
		a.completeTask(w, r, taskID)
	default:
		httputil.WriteJSONError(w, "Invalid endpoint", http.StatusNotFound)
	}
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request, taskID int64) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	t, err := a.store.Task(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, t)
}

func (a *API) getTaskLog(w http.ResponseWriter, r *http.Request, taskID int64) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := a.store.Task(r.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
			return
		}
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	entries, err := a.store.TaskLog(r.Context(), taskID)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, entries)
}

// completeTask ends a claim. Failed completions carrying the deferral marker
// are releases: the task goes back to queued without charging a retry.
func (a *API) completeTask(w http.ResponseWriter, r *http.Request, taskID int64) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req coordinator.CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.WorkerID == "" {
		httputil.WriteJSONError(w, "Worker ID is required", http.StatusBadRequest)
		return
	}

	var err error
	if reason, ok := strings.CutPrefix(req.Error, coordinator.DeferredPrefix); ok && !req.Success {
		err = a.store.Release(r.Context(), taskID, req.WorkerID, reason)
	} else {
		err = a.store.Complete(r.Context(), taskID, req.WorkerID, &task.Result{
			Success: req.Success,
			Data:    req.Result,
			Error:   req.Error,
		})
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
	case errors.Is(err, store.ErrNotOwner):
		httputil.WriteJSONError(w, err.Error(), http.StatusConflict)
	case err != nil:
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
	default:
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (a *API) registerTaskType(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req coordinator.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		httputil.WriteJSONError(w, "Task type name is required", http.StatusBadRequest)
		return
	}

	id, created, err := a.store.RegisterTaskType(r.Context(), req.Name, req.Version, req.ParamSchema)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	httputil.WriteJSON(w, status, coordinator.RegisterResponse{ID: id, Created: created})
}

func (a *API) quotaStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.tracker == nil {
		httputil.WriteJSONError(w, "Quota tracking not configured", http.StatusServiceUnavailable)
		return
	}

	remaining, err := a.tracker.Remaining(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	usage, err := a.tracker.UsageByOperation(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	used := 0
	for _, n := range usage {
		used += n
	}

	httputil.WriteJSON(w, http.StatusOK, QuotaStatus{
		DailyLimit:  a.tracker.DailyLimit(),
		Used:        used,
		Remaining:   remaining,
		ByOperation: usage,
	})
}
