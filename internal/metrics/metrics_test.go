package metrics

import (
	"strconv"
	"testing"
	"time"

	"github.com/okatz/hopper/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTaskEnqueued(t *testing.T) {
	// Reset counter before test
	TasksEnqueued.Reset()

	tests := []struct {
		name     string
		taskType string
		priority int
	}{
		{
			name:     "urgent scrape",
			taskType: "rss_scrape",
			priority: 9,
		},
		{
			name:     "default priority fetch",
			taskType: "youtube_fetch",
			priority: task.DefaultPriority,
		},
		{
			name:     "background rollup",
			taskType: "metrics_rollup",
			priority: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordTaskEnqueued(tt.taskType, tt.priority)

			metric := getCounterValue(t, TasksEnqueued, tt.taskType, strconv.Itoa(tt.priority))
			assert.Greater(t, metric, 0.0, "counter should be incremented")
		})
	}
}

func TestRecordTaskClaimed(t *testing.T) {
	TasksClaimed.Reset()

	RecordTaskClaimed("rss_scrape", "FIFO")
	RecordTaskClaimed("rss_scrape", "FIFO")
	RecordTaskClaimed("rss_scrape", "PRIORITY")

	assert.Equal(t, 2.0, getCounterValue(t, TasksClaimed, "rss_scrape", "FIFO"))
	assert.Equal(t, 1.0, getCounterValue(t, TasksClaimed, "rss_scrape", "PRIORITY"))
}

func TestRecordTaskCompleted(t *testing.T) {
	TasksCompleted.Reset()
	TaskDuration.Reset()

	taskType := "test-task"
	duration := 2 * time.Second

	RecordTaskCompleted(taskType, duration)

	completedCount := getCounterValue(t, TasksCompleted, taskType)
	assert.Equal(t, 1.0, completedCount, "completed counter should be 1")

	durationSum := getHistogramSum(t, TaskDuration, taskType, "completed")
	assert.Equal(t, 2.0, durationSum, "duration should be recorded")
}

func TestRecordTaskFailed(t *testing.T) {
	TasksFailed.Reset()
	TaskDuration.Reset()

	taskType := "failing-task"
	duration := 500 * time.Millisecond

	RecordTaskFailed(taskType, duration)

	failedCount := getCounterValue(t, TasksFailed, taskType)
	assert.Equal(t, 1.0, failedCount, "failed counter should be 1")

	durationSum := getHistogramSum(t, TaskDuration, taskType, "failed")
	assert.Equal(t, 0.5, durationSum, "duration should be recorded")
}

func TestRecordTaskDeferred(t *testing.T) {
	TasksDeferred.Reset()

	taskType := "http_fetch"
	RecordTaskDeferred(taskType)

	count := getCounterValue(t, TasksDeferred, taskType)
	assert.Equal(t, 1.0, count, "deferred counter should be 1")
}

func TestUpdateTaskGauges(t *testing.T) {
	TasksInQueue.Reset()

	statusCounts := map[task.Status]int{
		task.StatusQueued:    5,
		task.StatusRunning:   2,
		task.StatusCompleted: 10,
	}

	UpdateTaskGauges(statusCounts)

	queued := getGaugeValue(t, TasksInQueue, string(task.StatusQueued))
	assert.Equal(t, 5.0, queued)

	running := getGaugeValue(t, TasksInQueue, string(task.StatusRunning))
	assert.Equal(t, 2.0, running)

	completed := getGaugeValue(t, TasksInQueue, string(task.StatusCompleted))
	assert.Equal(t, 10.0, completed)

	metric := &dto.Metric{}
	require.NoError(t, QueueDepth.Write(metric))
	assert.Equal(t, 5.0, metric.Gauge.GetValue(), "queue depth follows the queued count")
}

func TestUpdateTaskGauges_Reset(t *testing.T) {
	TasksInQueue.Reset()

	UpdateTaskGauges(map[task.Status]int{task.StatusQueued: 5})
	UpdateTaskGauges(map[task.Status]int{task.StatusClaimed: 3})

	claimed := getGaugeValue(t, TasksInQueue, string(task.StatusClaimed))
	assert.Equal(t, 3.0, claimed)

	metric := &dto.Metric{}
	require.NoError(t, QueueDepth.Write(metric))
	assert.Equal(t, 0.0, metric.Gauge.GetValue(), "no queued tasks in the second snapshot")
}

func TestUpdateActiveWorkers(t *testing.T) {
	counts := []int{0, 1, 5, 10, 20}

	for _, count := range counts {
		UpdateActiveWorkers(count)

		metric := &dto.Metric{}
		err := WorkersActive.Write(metric)
		require.NoError(t, err)

		assert.Equal(t, float64(count), metric.Gauge.GetValue())
	}
}

func TestUpdateQuotaRemaining(t *testing.T) {
	units := []int{10000, 9900, 50, 0}

	for _, u := range units {
		UpdateQuotaRemaining(u)

		metric := &dto.Metric{}
		err := QuotaRemaining.Write(metric)
		require.NoError(t, err)

		assert.Equal(t, float64(u), metric.Gauge.GetValue())
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	tests := []struct {
		name     string
		method   string
		endpoint string
		status   string
		duration time.Duration
	}{
		{
			name:     "successful GET",
			method:   "GET",
			endpoint: "/api/tasks",
			status:   "200",
			duration: 50 * time.Millisecond,
		},
		{
			name:     "failed POST",
			method:   "POST",
			endpoint: "/api/tasks",
			status:   "500",
			duration: 100 * time.Millisecond,
		},
		{
			name:     "not found",
			method:   "GET",
			endpoint: "/unknown",
			status:   "404",
			duration: 10 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordHTTPRequest(tt.method, tt.endpoint, tt.status, tt.duration)

			count := getCounterValue(t, HTTPRequestsTotal, tt.method, tt.endpoint, tt.status)
			assert.Greater(t, count, 0.0, "request counter should be incremented")

			sum := getHistogramSum(t, HTTPRequestDuration, tt.method, tt.endpoint)
			assert.Greater(t, sum, 0.0, "duration should be recorded")
		})
	}
}

func TestTaskDurationHistogramBuckets(t *testing.T) {
	TaskDuration.Reset()

	durations := []time.Duration{
		5 * time.Millisecond,
		100 * time.Millisecond,
		1 * time.Second,
		30 * time.Second,
		2 * time.Minute,
	}

	for _, d := range durations {
		RecordTaskCompleted("bucket-test", d)
	}

	metric := getHistogramMetric(t, TaskDuration, "bucket-test", "completed")
	assert.Equal(t, uint64(len(durations)), metric.Histogram.GetSampleCount())
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	metric := &dto.Metric{}
	observer, err := counter.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	c := observer
	err = c.Write(metric)
	require.NoError(t, err)
	return metric.Counter.GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, labels ...string) float64 {
	metric := &dto.Metric{}
	observer, err := gauge.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	g := observer
	err = g.Write(metric)
	require.NoError(t, err)
	return metric.Gauge.GetValue()
}

func getHistogramSum(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) float64 {
	metric := getHistogramMetric(t, histogram, labels...)
	return metric.Histogram.GetSampleSum()
}

func getHistogramMetric(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) *dto.Metric {
	metric := &dto.Metric{}
	observer, err := histogram.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	h := observer.(prometheus.Histogram)
	err = h.Write(metric)
	require.NoError(t, err)
	return metric
}
