package main

import (
	"context"
	"log"
	"time"

	"github.com/okatz/hopper/internal/metrics"
	"github.com/okatz/hopper/internal/quota"
	"github.com/okatz/hopper/internal/store"
)

const collectInterval = 10 * time.Second

// startMetricsCollector refreshes the queue gauges on a fixed interval so
// /metrics reflects tasks that changed state outside the HTTP handlers.
func startMetricsCollector(s store.Store, tracker *quota.Tracker) {
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	for range ticker.C {
		collectQueueMetrics(s, tracker)
	}
}

func collectQueueMetrics(s store.Store, tracker *quota.Tracker) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := s.Stats(ctx)
	if err != nil {
		log.Printf("Failed to get stats for metrics: %v", err)
		return
	}

	metrics.UpdateTaskGauges(stats.StatusCounts)
	metrics.UpdateActiveWorkers(stats.ActiveWorkers)

	if tracker == nil {
		return
	}

	remaining, err := tracker.Remaining(ctx)
	if err != nil {
		log.Printf("Failed to get quota usage for metrics: %v", err)
		return
	}
	metrics.UpdateQuotaRemaining(remaining)
}
