// Package metrics provides Prometheus metrics for monitoring the task queue
// and its workers.
package metrics

import (
	"strconv"
	"time"

	"github.com/okatz/hopper/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopper_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"type", "priority"},
	)
	TasksClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopper_tasks_claimed_total",
			Help: "Total number of task claims",
		},
		[]string{"type", "strategy"},
	)
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopper_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
		[]string{"type"},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopper_tasks_failed_total",
			Help: "Total number of task processing failures",
		},
		[]string{"type"},
	)
	TasksDeferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopper_tasks_deferred_total",
			Help: "Total number of tasks released back to the queue on quota exhaustion",
		},
		[]string{"type"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hopper_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"type", "status"},
	)
	TasksInQueue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hopper_tasks_in_queue",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hopper_queue_depth",
			Help: "Current number of queued tasks awaiting a claim",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hopper_workers_active",
			Help: "Number of workers with a fresh heartbeat",
		},
	)
	QuotaRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hopper_quota_remaining_units",
			Help: "Remaining external API quota units for the current day",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopper_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hopper_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskEnqueued(taskType string, priority int) {
	TasksEnqueued.WithLabelValues(taskType, strconv.Itoa(priority)).Inc()
}

func RecordTaskClaimed(taskType, strategy string) {
	TasksClaimed.WithLabelValues(taskType, strategy).Inc()
}

func RecordTaskCompleted(taskType string, duration time.Duration) {
	TasksCompleted.WithLabelValues(taskType).Inc()
	TaskDuration.WithLabelValues(taskType, "completed").Observe(duration.Seconds())
}

func RecordTaskFailed(taskType string, duration time.Duration) {
	TasksFailed.WithLabelValues(taskType).Inc()
	TaskDuration.WithLabelValues(taskType, "failed").Observe(duration.Seconds())
}

func RecordTaskDeferred(taskType string) {
	TasksDeferred.WithLabelValues(taskType).Inc()
}

func UpdateTaskGauges(statusCounts map[task.Status]int) {
	TasksInQueue.Reset()
	for status, count := range statusCounts {
		TasksInQueue.WithLabelValues(string(status)).Set(float64(count))
	}
	QueueDepth.Set(float64(statusCounts[task.StatusQueued]))
}

func UpdateActiveWorkers(count int) {
	WorkersActive.Set(float64(count))
}

func UpdateQuotaRemaining(units int) {
	QuotaRemaining.Set(float64(units))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
