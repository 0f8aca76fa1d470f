package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tradebook/internal/config"
	"github.com/hyperengineering/tradebook/internal/gateway"
	"github.com/hyperengineering/tradebook/internal/identity"
	"github.com/hyperengineering/tradebook/internal/snapshot"
	"github.com/hyperengineering/tradebook/internal/store"
	"github.com/hyperengineering/tradebook/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "tradebook",
	Short:        "Tradebook - local-first trade business records with background sync",
	SilenceUsage: true,
	RunE:         runEngine,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(signinCmd)
	rootCmd.AddCommand(signoutCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(rebuildCmd)
}

// runEngine runs the local engine: the entity store plus the sync and
// snapshot coordinators, until a shutdown signal arrives.
func runEngine(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	initLogger(cfg)
	slog.Info("configuration loaded")

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	ident, err := identity.NewProvider(ctx, db)
	if err != nil {
		return err
	}
	slog.Info("identity loaded", "device_id", ident.DeviceID())

	gw := gateway.New(cfg.Sync)
	slog.Info("gateway initialized", "configured", gw.Configured())

	uploader, err := snapshot.NewUploader(cfg.Snapshot.Storage)
	if err != nil {
		return err
	}

	syncCoord := worker.NewSyncCoordinator(
		db, gw, ident,
		time.Duration(cfg.Sync.Interval),
		cfg.Sync.PushBatchSize,
		store.TieBreak(cfg.Sync.TieBreak),
	)
	snapCoord := worker.NewSnapshotCoordinator(
		db, ident,
		time.Duration(cfg.Snapshot.Interval),
		uploader,
	)

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "sync-coordinator", syncCoord.Run)
	startWorker(ctx, &wg, "snapshot-coordinator", snapCoord.Run)

	<-ctx.Done()
	slog.Info("shutdown initiated")

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// initLogger installs the default slog logger per configuration.
func initLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
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

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}

// openLocalStore is the shared setup used by the one-shot subcommands.
func openLocalStore() (*config.Config, *store.SQLiteStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	initLogger(cfg)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}
