package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/syntrixbase/streamwatch/internal/config"
	"github.com/syntrixbase/streamwatch/internal/logging"
	"github.com/syntrixbase/streamwatch/internal/services"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code. Deferred cleanup, including flushing
// the log files, completes before it returns.
func run(args []string) int {
	fs := flag.NewFlagSet("streamwatch", flag.ContinueOnError)
	configDir := fs.String("config", "configs", "Configuration directory")
	dbName := fs.String("db", "", "Database to watch (overrides MONGODB_DBNAME)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// 1. Load Configuration
	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}

	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Printf("Failed to initialize logging: %v", err)
		return 1
	}
	defer func() {
		if err := logging.Shutdown(); err != nil {
			log.Printf("Failed to shutdown logging: %v", err)
		}
	}()

	runID := uuid.NewString()
	logger := slog.Default().With("run_id", runID)
	logger.Info("streamwatch starting", "collections", cfg.Watcher.Collections, "store", cfg.Store.Backend, "sink", cfg.Sink.Kind)

	// 2. Initialize
	mgr := services.NewManager(cfg, services.Options{
		DatabaseName: *dbName,
		RunID:        runID,
		Logger:       logger,
	})

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = mgr.Init(initCtx)
	initCancel()
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}

	// 3. Run until a signal arrives or every watcher has stopped
	bgCtx, bgCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer bgCancel()

	mgr.Start(bgCtx)

	select {
	case <-bgCtx.Done():
		logger.Info("received shutdown signal")
	case <-mgr.Done():
		logger.Warn("all watchers stopped")
	}
	bgCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)

	if err := mgr.Err(); err != nil {
		logger.Error("streamwatch stopped with errors", "error", err)
		return 1
	}
	logger.Info("streamwatch stopped")
	return 0
}
