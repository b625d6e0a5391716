package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/okatz/hopper/internal/config"
	"github.com/okatz/hopper/internal/coordinator"
	"github.com/okatz/hopper/internal/quota"
	"github.com/okatz/hopper/internal/store"
	"github.com/okatz/hopper/internal/strategy"
	"github.com/okatz/hopper/internal/worker"
	"github.com/okatz/hopper/internal/worker/handlers"
	"github.com/spf13/cobra"
)

// paramSchemas documents each built-in handler's expected parameters for
// task-type registration with a remote coordinator.
var paramSchemas = map[string]map[string]any{
	"http_fetch":     {"url": "string", "operation": "string"},
	"review_notify":  {"to": "string", "subject": "string", "body": "string", "items": "array"},
	"metrics_rollup": {"report_type": "string", "format": "string", "output_path": "string"},
}

type runOptions struct {
	workerID       string
	strategyName   string
	pollInterval   time.Duration
	maxBackoff     time.Duration
	maxIterations  int
	dbPath         string
	coordinatorURL string
	configPath     string
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "hopper-worker",
		Short: "Content pipeline task worker",
		Long: `hopper-worker polls a task backend, claims work under a configurable
ordering strategy, and runs the registered handler for each claimed task.`,
	}
	root.AddCommand(runCommand())

	return root
}

func runCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Start the poll/claim/process loop",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if opts.configPath != "" {
				loaded, err := config.Load(opts.configPath)
				if err != nil {
					return err
				}
				cfg = loaded
				applyConfig(cmd, cfg, &opts)
			}

			return run(&opts, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.workerID, "worker-id", "", "worker id (default: generated)")
	flags.StringVar(&opts.strategyName, "strategy", string(strategy.Default),
		"claim strategy: "+strings.Join(strategy.Names(), ", "))
	flags.DurationVar(&opts.pollInterval, "poll-interval", worker.DefaultPollInterval,
		"base interval between empty polls")
	flags.DurationVar(&opts.maxBackoff, "max-backoff", worker.DefaultMaxBackoff,
		"cap on the idle backoff")
	flags.IntVar(&opts.maxIterations, "max-iterations", 0,
		"stop after this many loop iterations (0 = run until stopped)")
	flags.StringVar(&opts.dbPath, "db", "hopper.db", "path to the SQLite task database")
	flags.StringVar(&opts.coordinatorURL, "coordinator-url", "",
		"base URL of a remote coordination service (replaces --db)")
	flags.StringVar(&opts.configPath, "config", "", "path to a YAML config file")

	return cmd
}

// applyConfig fills opts from the config file for every flag not set on the
// command line. Explicit flags always win.
func applyConfig(cmd *cobra.Command, cfg *config.Config, opts *runOptions) {
	flags := cmd.Flags()

	if !flags.Changed("worker-id") && cfg.Worker.WorkerID != "" {
		opts.workerID = cfg.Worker.WorkerID
	}
	if !flags.Changed("strategy") && cfg.Worker.Strategy != "" {
		opts.strategyName = cfg.Worker.Strategy
	}
	if !flags.Changed("poll-interval") && cfg.Worker.PollInterval > 0 {
		opts.pollInterval = time.Duration(cfg.Worker.PollInterval)
	}
	if !flags.Changed("max-backoff") && cfg.Worker.MaxBackoff > 0 {
		opts.maxBackoff = time.Duration(cfg.Worker.MaxBackoff)
	}
	if !flags.Changed("max-iterations") && cfg.Worker.MaxIterations > 0 {
		opts.maxIterations = cfg.Worker.MaxIterations
	}
	if !flags.Changed("db") && cfg.Store.Driver == "sqlite" && cfg.Store.Path != "" {
		opts.dbPath = cfg.Store.Path
	}
}

func run(opts *runOptions, cfg *config.Config) error {
	strat, err := strategy.Parse(opts.strategyName)
	if err != nil {
		return err
	}

	if opts.workerID == "" {
		opts.workerID = "worker-" + uuid.NewString()[:8]
	}

	var (
		backend worker.Backend
		client  *coordinator.Client
		localDB *sql.DB
	)

	if opts.coordinatorURL != "" {
		client, err = coordinator.New(opts.coordinatorURL)
		if err != nil {
			return err
		}
		backend = client
		log.Printf("Using remote coordinator at %s", opts.coordinatorURL)
	} else {
		s, err := store.OpenSQLite(opts.dbPath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer func() {
			if err := s.Close(); err != nil {
				log.Printf("failed to close store: %v", err)
			}
		}()
		backend = s
		localDB = s.DB()
		log.Printf("Using SQLite store at %s", opts.dbPath)
	}

	tracker, closeTracker, err := buildTracker(cfg, localDB)
	if err != nil {
		return err
	}
	defer closeTracker()

	registry := worker.NewRegistry()
	if err := registerHandlers(registry, tracker, localDB); err != nil {
		return err
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		for _, name := range registry.Types() {
			if _, _, err := client.RegisterTaskType(ctx, name, 1, paramSchemas[name]); err != nil {
				return fmt.Errorf("failed to register task type %q: %w", name, err)
			}
		}
	}

	w, err := worker.New(backend, registry, worker.Config{
		WorkerID:      opts.workerID,
		Strategy:      strat,
		PollInterval:  opts.pollInterval,
		MaxBackoff:    opts.maxBackoff,
		MaxIterations: opts.maxIterations,
	})
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down worker...")
		w.Stop()
	}()

	w.Run(context.Background())

	stats := w.Stats()
	log.Printf("worker %s finished: %d processed, %d failed, %d deferred",
		stats.WorkerID, stats.TasksProcessed, stats.TasksFailed, stats.TasksDeferred)

	return nil
}

func registerHandlers(registry *worker.Registry, tracker *quota.Tracker, db *sql.DB) error {
	fetcher := handlers.NewFetcher(tracker)
	if err := registry.Register("http_fetch", fetcher.Handle); err != nil {
		return err
	}
	if err := registry.Register("review_notify", handlers.ReviewNotifyHandler); err != nil {
		return err
	}

	// The rollup reads the store's tables directly, so it only runs against
	// a local database.
	if db != nil {
		rollup := handlers.NewRollup(db)
		if err := registry.Register("metrics_rollup", rollup.Handle); err != nil {
			return err
		}
	}

	return nil
}

// buildTracker resolves quota persistence for this worker. By default usage
// rows share the local store's database file. Remote workers need the redis
// backend from --config to share a budget; without one they run unguarded,
// since a private usage file would give every worker its own budget.
func buildTracker(cfg *config.Config, localDB *sql.DB) (*quota.Tracker, func(), error) {
	noop := func() {}

	backendName := "sqlite"
	if cfg != nil {
		backendName = cfg.Quota.Backend
	}

	var tracker *quota.Tracker
	cleanup := noop

	switch backendName {
	case "off":
		return nil, noop, nil
	case "redis":
		usage, err := quota.NewRedisUsage(cfg.Quota.RedisAddr)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open redis quota backend: %w", err)
		}
		tracker = quota.NewTracker(usage)
		cleanup = func() {
			if err := usage.Close(); err != nil {
				log.Printf("failed to close redis quota backend: %v", err)
			}
		}
	default:
		if localDB == nil {
			log.Printf("Quota tracking disabled: remote backend with no shared usage store")
			return nil, noop, nil
		}
		usage, err := quota.NewSQLiteUsage(localDB)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open quota usage table: %w", err)
		}
		tracker = quota.NewTracker(usage)
	}

	if cfg != nil && cfg.Quota.DailyLimit > 0 {
		tracker.SetDailyLimit(cfg.Quota.DailyLimit)
	}

	return tracker, cleanup, nil
}
