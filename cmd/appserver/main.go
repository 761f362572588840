// Command appserver boots the xyn durable job runtime: the versioned HTTP
// API, one or more worker pool slots, and the metrics collector, wired
// through a lifecycle.Manager with graceful reverse-order shutdown.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xynlabs/xyn/internal/config"
	"github.com/xynlabs/xyn/internal/executor"
	"github.com/xynlabs/xyn/internal/httpapi"
	"github.com/xynlabs/xyn/internal/lifecycle"
	"github.com/xynlabs/xyn/internal/logging"
	"github.com/xynlabs/xyn/internal/metrics"
	"github.com/xynlabs/xyn/internal/platform/database"
	"github.com/xynlabs/xyn/internal/platform/migrations"
	"github.com/xynlabs/xyn/internal/queue"
	"github.com/xynlabs/xyn/internal/store"
	"github.com/xynlabs/xyn/internal/worker"
	"github.com/xynlabs/xyn/pkg/version"
)

func main() {
	workerSlots := flag.Int("worker-slots", 1, "number of concurrent run-execution slots hosted by this process")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx := context.Background()
	st, db := openStore(ctx, cfg, logger)
	if db != nil {
		defer db.Close()
	}

	registry := executor.NewRegistry()
	registry.Register(executor.DefaultBlueprint())
	registry.Register(executor.NewPackInstaller(st, db).Blueprint())

	queueOpts := queue.Options{
		LeaseDuration: time.Duration(cfg.Worker.LeaseDurationSeconds) * time.Second,
		IdlePoll:      time.Duration(cfg.Worker.IdlePollMS) * time.Millisecond,
	}
	queueEngine := queue.New(st, queueOpts)
	exec := executor.New(st, queueEngine, registry, logger)

	manager := lifecycle.NewManager(logger)

	httpSvc := &httpapi.Service{
		Addr:     determineAddr(cfg),
		Store:    st,
		Queue:    queueEngine,
		Registry: registry,
		Log:      logger,
		Version:  version.Version,
	}
	manager.Register(httpSvc)

	slots := *workerSlots
	if slots < 1 {
		slots = 1
	}
	for i := 0; i < slots; i++ {
		workerID := cfg.Worker.WorkerID
		if slots > 1 {
			workerID = fmt.Sprintf("%s-%d", workerID, i)
		}
		manager.Register(&worker.Pool{
			WorkerID:    workerID,
			Store:       st,
			Queue:       queueEngine,
			Executor:    exec,
			Log:         logger,
			ReclaimCron: cfg.Worker.ReclaimCron,
		})
	}

	manager.Register(&metrics.Collector{
		Store:    st,
		Interval: time.Duration(cfg.Metrics.CollectorIntervalSeconds) * time.Second,
		Log:      logger,
	})

	if err := manager.Start(ctx); err != nil {
		log.Fatalf("start services: %v", err)
	}
	logger.WithFields(map[string]any{"addr": httpSvc.Addr, "worker_slots": slots}).Info("xyn runtime started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.WithFields(map[string]any{"error": err}).Error("shutdown error")
	}
}

// openStore connects to PostgreSQL and runs the migration preflight when
// DATABASE_URL is set, otherwise falls back to the non-durable in-memory
// store for local development. The returned *sql.DB is nil in the
// in-memory case; pack installation (which needs raw DDL access) is
// unavailable then.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store.Store, *sql.DB) {
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set; running with the in-memory store (not durable)")
		return store.NewInMemoryStore(), nil
	}

	db, err := database.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	configurePool(db, cfg)

	if cfg.Schema.AutoCreate {
		if err := migrations.Apply(ctx, db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}
	if err := migrations.Preflight(ctx, db, cfg.Schema.AutoCreate, cfg.RequiredMigrationIDs()); err != nil {
		log.Fatalf("migration preflight: %v", err)
	}
	return store.NewPGStore(db), db
}

func determineAddr(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}
