// Package worker provides the poll/claim/process/report loop that drains
// the task queue. Runtimes are independent: many can share one store, and
// claim atomicity in the backend keeps them from stepping on each other.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/okatz/hopper/internal/metrics"
	"github.com/okatz/hopper/internal/quota"
	"github.com/okatz/hopper/internal/store"
	"github.com/okatz/hopper/internal/strategy"
	"github.com/okatz/hopper/internal/task"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxBackoff   = 5 * time.Minute
)

// Backend is the slice of the store contract the runtime needs. Both SQL
// stores and the remote coordinator client satisfy it.
type Backend interface {
	ClaimNext(ctx context.Context, workerID string, strat strategy.Strategy) (*task.Task, error)
	MarkRunning(ctx context.Context, taskID int64, workerID string) error
	Complete(ctx context.Context, taskID int64, workerID string, res *task.Result) error
	Release(ctx context.Context, taskID int64, workerID string, reason string) error
	Heartbeat(ctx context.Context, hb store.Heartbeat) error
}

type Config struct {
	WorkerID     string
	Strategy     strategy.Strategy
	PollInterval time.Duration
	MaxBackoff   time.Duration
	// MaxIterations bounds the number of loop iterations; 0 means run until
	// stopped.
	MaxIterations int
}

type Stats struct {
	WorkerID       string        `json:"worker_id"`
	TasksProcessed int           `json:"tasks_processed"`
	TasksFailed    int           `json:"tasks_failed"`
	TasksDeferred  int           `json:"tasks_deferred"`
	Backoff        time.Duration `json:"backoff"`
	StartedAt      time.Time     `json:"started_at"`
}

type Runtime struct {
	cfg      Config
	backend  Backend
	registry *Registry

	stop     chan struct{}
	stopOnce sync.Once
	sleep    func(ctx context.Context, d time.Duration)

	mu        sync.Mutex
	backoff   time.Duration
	processed int
	failed    int
	deferred  int
	startedAt time.Time
}

func New(backend Backend, registry *Registry, cfg Config) (*Runtime, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend must not be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry must not be nil")
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker id must not be empty")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = strategy.Default
	}
	if !cfg.Strategy.Valid() {
		return nil, fmt.Errorf("unknown claim strategy %q (valid: %v)", cfg.Strategy, strategy.Names())
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = DefaultMaxBackoff
	}

	w := &Runtime{
		cfg:      cfg,
		backend:  backend,
		registry: registry,
		stop:     make(chan struct{}),
		backoff:  cfg.PollInterval,
	}
	w.sleep = w.idle

	return w, nil
}

// Run drives the loop until the context is canceled, Stop is called, or
// MaxIterations is reached. Task-level failures never terminate it.
func (w *Runtime) Run(ctx context.Context) {
	w.mu.Lock()
	w.startedAt = time.Now()
	w.backoff = w.cfg.PollInterval
	w.mu.Unlock()

	log.Printf("worker %s started (strategy=%s poll=%s max_backoff=%s)",
		w.cfg.WorkerID, w.cfg.Strategy, w.cfg.PollInterval, w.cfg.MaxBackoff)

	iterations := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker %s stopped: context canceled", w.cfg.WorkerID)
			return
		case <-w.stop:
			log.Printf("worker %s stopped", w.cfg.WorkerID)
			return
		default:
		}

		if w.cfg.MaxIterations > 0 && iterations >= w.cfg.MaxIterations {
			log.Printf("worker %s stopped: reached %d iterations", w.cfg.WorkerID, iterations)
			return
		}
		iterations++

		w.heartbeat(ctx)

		claimed, err := w.backend.ClaimNext(ctx, w.cfg.WorkerID, w.cfg.Strategy)
		if err != nil {
			// Transient store trouble: skip the cycle, retry next
			// iteration at the base interval.
			log.Printf("worker %s claim failed: %v", w.cfg.WorkerID, err)
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if claimed == nil {
			w.sleep(ctx, w.currentBackoff())
			w.growBackoff()
			continue
		}

		w.resetBackoff()
		metrics.RecordTaskClaimed(claimed.Type, string(w.cfg.Strategy))
		w.process(ctx, claimed)
	}
}

// Stop signals the loop to exit after the current iteration. Safe to call
// more than once.
func (w *Runtime) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Runtime) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Stats{
		WorkerID:       w.cfg.WorkerID,
		TasksProcessed: w.processed,
		TasksFailed:    w.failed,
		TasksDeferred:  w.deferred,
		Backoff:        w.backoff,
		StartedAt:      w.startedAt,
	}
}

func (w *Runtime) process(ctx context.Context, t *task.Task) {
	log.Printf("worker %s processing task %d (type=%s priority=%d attempt=%d/%d)",
		w.cfg.WorkerID, t.ID, t.Type, t.Priority, t.RetryCount+1, t.MaxRetries+1)

	if err := w.backend.MarkRunning(ctx, t.ID, w.cfg.WorkerID); err != nil {
		log.Printf("worker %s failed to mark task %d running: %v", w.cfg.WorkerID, t.ID, err)
		return
	}

	started := time.Now()
	res, err := w.invoke(ctx, t)
	duration := time.Since(started)

	if err != nil && quota.IsExceeded(err) {
		// Deferred, not failed: the task goes back to queued with its
		// retry budget intact, and we back off like an empty poll so the
		// quota gets a chance to recover.
		log.Printf("worker %s deferring task %d: %v", w.cfg.WorkerID, t.ID, err)
		if rerr := w.backend.Release(ctx, t.ID, w.cfg.WorkerID, err.Error()); rerr != nil {
			log.Printf("worker %s failed to release task %d: %v", w.cfg.WorkerID, t.ID, rerr)
		}
		metrics.RecordTaskDeferred(t.Type)
		w.mu.Lock()
		w.deferred++
		w.mu.Unlock()
		w.growBackoff()
		return
	}

	if err != nil {
		res = task.Failure(err)
	}
	if res == nil {
		res = task.Successful(nil, 0)
	}

	if cerr := w.backend.Complete(ctx, t.ID, w.cfg.WorkerID, res); cerr != nil {
		log.Printf("worker %s failed to report task %d: %v", w.cfg.WorkerID, t.ID, cerr)
		return
	}

	w.mu.Lock()
	if res.Success {
		w.processed++
	} else {
		w.failed++
	}
	w.mu.Unlock()

	if res.Success {
		metrics.RecordTaskCompleted(t.Type, duration)
		log.Printf("worker %s completed task %d (%d items in %s)",
			w.cfg.WorkerID, t.ID, res.ItemsProcessed, duration.Round(time.Millisecond))
	} else {
		metrics.RecordTaskFailed(t.Type, duration)
		log.Printf("worker %s task %d failed: %s", w.cfg.WorkerID, t.ID, res.Error)
	}
}

// invoke runs the handler with panic recovery so a bad task can never take
// the loop down.
func (w *Runtime) invoke(ctx context.Context, t *task.Task) (res *task.Result, err error) {
	handler, herr := w.registry.Handler(t.Type)
	if herr != nil {
		return nil, herr
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker %s handler panic on task %d: %v", w.cfg.WorkerID, t.ID, r)
			res = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(ctx, t)
}

func (w *Runtime) heartbeat(ctx context.Context) {
	w.mu.Lock()
	hb := store.Heartbeat{
		WorkerID:       w.cfg.WorkerID,
		LastHeartbeat:  time.Now(),
		Strategy:       string(w.cfg.Strategy),
		TasksProcessed: w.processed,
		TasksFailed:    w.failed,
		StartedAt:      w.startedAt,
	}
	w.mu.Unlock()

	if err := w.backend.Heartbeat(ctx, hb); err != nil {
		log.Printf("worker %s heartbeat failed: %v", w.cfg.WorkerID, err)
	}
}

func (w *Runtime) currentBackoff() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backoff
}

func (w *Runtime) growBackoff() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.backoff *= 2
	if w.backoff > w.cfg.MaxBackoff {
		w.backoff = w.cfg.MaxBackoff
	}
}

func (w *Runtime) resetBackoff() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.backoff = w.cfg.PollInterval
}

func (w *Runtime) idle(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-w.stop:
	case <-timer.C:
	}
}
