package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/okatz/hopper/internal/api"
	"github.com/okatz/hopper/internal/config"
	"github.com/okatz/hopper/internal/middleware"
	"github.com/okatz/hopper/internal/quota"
	"github.com/okatz/hopper/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load(os.Getenv("HOPPER_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}

	s, storeDB, err := openStore(cfg)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := s.Close(); err != nil {
			log.Printf("failed to close store: %v", err)
		}
	}()

	tracker, closeTracker, err := buildTracker(cfg, storeDB)
	if err != nil {
		log.Fatal(err)
	}
	defer closeTracker()

	apiHandler := api.NewAPI(s, tracker)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", middleware.MetricsMiddleware(apiHandler))

	go startMetricsCollector(s, tracker)

	log.Printf("Server starting on :%s", cfg.Server.Port)
	if tracker != nil {
		log.Printf("Quota: %s backend, %d units/day", cfg.Quota.Backend, tracker.DailyLimit())
	}

	if err := http.ListenAndServe(":"+cfg.Server.Port, mux); err != nil {
		log.Fatal(err)
	}
}

func openStore(cfg *config.Config) (store.Store, *sql.DB, error) {
	if cfg.Store.Driver == "postgres" {
		p, err := store.NewPostgres(cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := p.InitSchema(context.Background()); err != nil {
			return nil, nil, err
		}

		log.Printf("Connected to PostgreSQL store")
		return p, p.DB(), nil
	}

	s, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}

	log.Printf("Using SQLite store at %s", cfg.Store.Path)
	return s, s.DB(), nil
}

// buildTracker resolves quota usage persistence: redis, a dedicated SQLite
// file, or a table inside the store's own database.
func buildTracker(cfg *config.Config, storeDB *sql.DB) (*quota.Tracker, func(), error) {
	noop := func() {}

	var tracker *quota.Tracker
	cleanup := noop

	switch cfg.Quota.Backend {
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
		db := storeDB
		if cfg.Quota.Path != "" {
			dedicated, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", cfg.Quota.Path))
			if err != nil {
				return nil, noop, fmt.Errorf("failed to open quota database: %w", err)
			}
			dedicated.SetMaxOpenConns(1)
			db = dedicated
			cleanup = func() {
				if err := dedicated.Close(); err != nil {
					log.Printf("failed to close quota database: %v", err)
				}
			}
		}

		usage, err := quota.NewSQLiteUsage(db)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to init quota usage table: %w", err)
		}
		tracker = quota.NewTracker(usage)
	}

	if cfg.Quota.DailyLimit > 0 {
		tracker.SetDailyLimit(cfg.Quota.DailyLimit)
	}

	return tracker, cleanup, nil
}
