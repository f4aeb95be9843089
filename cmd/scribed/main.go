// scribed is the transcription scheduling service: an HTTP ingress in front
// of a persistent, priority-driven job scheduler that runs speech
// recognition tasks against an external ASR engine.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"scribe/internal/asr"
	"scribe/internal/async"
	"scribe/internal/audio"
	"scribe/internal/auth"
	"scribe/internal/config"
	"scribe/internal/logging"
	"scribe/internal/schedule"
	"scribe/internal/schedule/processors"
	serverhttp "scribe/internal/server/http"
	"scribe/internal/storage/taskstore"
	"scribe/internal/task"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("scribed exited: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger := logging.NewComponentLogger("Main")
	logger.Info("starting scribed")

	if err := ensureDataDirs(cfg); err != nil {
		return err
	}

	store, err := taskstore.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()

	authService := auth.NewMemoryService()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := schedule.NewMetrics(registry)

	manager := schedule.NewManager(store, schedule.WithMetrics(metrics))

	engine := asr.NewRemoteEngine(cfg.EngineURL, 10*time.Minute)
	if err := manager.RegisterProcessor(processors.NewTranscribe(engine)); err != nil {
		return err
	}
	manager.RegisterFunctionCallback("log", func(t *task.Task, message string) error {
		logger.Info("task %s: %s", t.ID, message)
		return nil
	})

	scheduler := schedule.NewScheduler(manager, schedule.WithSweepInterval(cfg.SweepInterval))
	scheduler.SpawnWorkers(task.KindTranscribe, cfg.TranscribeWorkers)

	fetcher := audio.NewFetcher(cfg.AudioDir, 5*time.Minute)
	handler := serverhttp.NewRouter(serverhttp.RouterDeps{
		Auth:     authService,
		Manager:  manager,
		Fetcher:  fetcher,
		Gatherer: registry,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanupCron := cron.New()
	if _, err := cleanupCron.AddFunc("0 3 * * *", func() {
		stats, err := manager.Cleanup(ctx, cfg.RetentionDays)
		if err != nil {
			logger.Error("retention cleanup failed: %v", err)
			return
		}
		logger.Info("retention cleanup removed %d completed and %d failed tasks",
			stats.Completed, stats.Failed)
	}); err != nil {
		return err
	}
	cleanupCron.Start()
	defer cleanupCron.Stop()

	// Catch up on retention immediately; the cron entry keeps it current.
	async.Go(logger, "startup-cleanup", func() {
		if _, err := manager.Cleanup(ctx, cfg.RetentionDays); err != nil {
			logger.Error("startup retention cleanup failed: %v", err)
		}
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("http server listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ensureDataDirs creates the database and audio directories up front.
func ensureDataDirs(cfg config.Config) error {
	if dir := sqliteDir(cfg.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.MkdirAll(cfg.AudioDir, 0o755)
}

// sqliteDir extracts the directory of a file-backed sqlite locator.
func sqliteDir(dsn string) string {
	path := taskstore.ParseDSN(dsn)
	path = strings.TrimPrefix(path, "file:")
	if path == "" || strings.HasPrefix(path, ":memory:") {
		return ""
	}
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	return filepath.Dir(path)
}
