package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halcyon-lab/ophistory/internal/config"
	"github.com/halcyon-lab/ophistory/internal/history"
	"github.com/halcyon-lab/ophistory/internal/history/sqlite"
	"github.com/halcyon-lab/ophistory/internal/ingestion"
	"github.com/halcyon-lab/ophistory/internal/projection"
	"github.com/halcyon-lab/ophistory/internal/server"
)

func main() {
	configPath := flag.String("config", "ophistory.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		slog.Error("Failed to create data directory", "dir", cfg.Storage.DataDir, "error", err)
		os.Exit(1)
	}

	// 2. Open the two durable stores
	shortStore, err := sqlite.Open(cfg.ShortWindowPath(), sqlite.Options{
		Label:                 "short_window",
		CreateAccessTimeIndex: true,
		AutoMigrate:           cfg.Storage.AutoMigrate,
	})
	if err != nil {
		slog.Error("Failed to open short-window store", "error", err)
		os.Exit(1)
	}
	defer shortStore.Close()

	longStore, err := sqlite.Open(cfg.LongWindowPath(), sqlite.Options{
		Label:       "long_window",
		AutoMigrate: cfg.Storage.AutoMigrate,
	})
	if err != nil {
		slog.Error("Failed to open long-window store", "error", err)
		os.Exit(1)
	}
	defer longStore.Close()

	// 3. Initialize the history engine
	registry := history.NewRegistry(shortStore, longStore, cfg.HistoryParams(), nil, nil)
	if err := registry.Ready(context.Background()); err != nil {
		slog.Error("Failed to initialize history engine", "error", err)
		os.Exit(1)
	}

	// 3.1. Runtime configuration refresh
	if err := config.Watch(*configPath, func(updated *config.Config) {
		registry.Refresh(updated.HistoryParams())
	}); err != nil {
		slog.Warn("Config watch unavailable, runtime refresh disabled", "error", err)
	}

	// 4. Initialize HTTP services
	ingestionSvc := ingestion.NewService(registry)
	projectionSvc := projection.NewService(registry)

	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), shortStore, longStore, cfg.Server.Mode)
	apiV1 := srv.Engine.Group("/v1")
	ingestionSvc.RegisterRoutes(apiV1)
	projectionSvc.RegisterRoutes(apiV1)

	// 5. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := registry.Start(ctx); err != nil {
			slog.Error("History schedulers stopped with error", "error", err)
		}
	}()

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	// 6. Stop the schedulers and flush whatever is still cached before the
	// deferred store closes run. Shutdown waits for the scheduler goroutine
	// so no in-flight write can land after the stores are gone.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	registry.Shutdown(shutdownCtx)

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
