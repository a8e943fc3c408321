package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oversightlabs/fieldsync/internal/api"
	"github.com/oversightlabs/fieldsync/internal/config"
	"github.com/oversightlabs/fieldsync/internal/connectivity"
	"github.com/oversightlabs/fieldsync/internal/filecache"
	"github.com/oversightlabs/fieldsync/internal/remote"
	"github.com/oversightlabs/fieldsync/internal/store"
	"github.com/oversightlabs/fieldsync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "FieldSync - offline-first record sync engine",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(cacheCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	logger := slog.New(newLogHandler(cfg.Log))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Remote record API client
	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.APIToken)

	// 6. Connectivity observer. The probe defaults to the remote API's
	// health endpoint when no dedicated probe URL is configured.
	probeURL := cfg.Connectivity.ProbeURL
	if probeURL == "" && cfg.Remote.BaseURL != "" {
		probeURL = strings.TrimRight(cfg.Remote.BaseURL, "/") + "/api/v1/health"
	}
	var probe connectivity.ProbeFunc
	if probeURL != "" {
		probe = connectivity.HTTPProbe(probeURL)
	}
	observer := connectivity.NewObserver(probe, time.Duration(cfg.Connectivity.ProbeInterval))

	// 7. Bounded file cache
	source, err := filecache.NewSource(cfg.Cache.S3)
	if err != nil {
		return err
	}
	cache, err := filecache.New(db.DB(), cfg.Cache.Dir, cfg.Cache.MaxSizeBytes, source)
	if err != nil {
		return err
	}
	slog.Info("file cache initialized", "dir", cfg.Cache.Dir, "max_bytes", cfg.Cache.MaxSizeBytes)

	// 8. Background workers
	coordinator := worker.NewSyncCoordinator(db, client, observer,
		time.Duration(cfg.Worker.SyncInterval), cfg.Worker.PassAttempts)
	sweeper := worker.NewCacheSweeper(cache,
		time.Duration(cfg.Worker.CacheSweepInterval), time.Duration(cfg.Worker.CacheMaxAge))

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "connectivity-observer", observer.Run)
	startWorker(ctx, &wg, "sync-coordinator", coordinator.Run)
	startWorker(ctx, &wg, "cache-sweeper", sweeper.Run)

	// 9. Local HTTP surface for the UI layer. Loopback only: nothing on
	// the network should reach this process directly.
	handler := api.NewHandler(db, cache, coordinator, observer,
		cfg.Remote.APIToken, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error on graceful Shutdown();
		// anything else is a real failure and should take the process down.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 10. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 11. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 11a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 11b. Wait for workers to complete
	wg.Wait()

	// 11c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogHandler(cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
