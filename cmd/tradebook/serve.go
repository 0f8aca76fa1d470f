package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tradebook/internal/config"
	"github.com/hyperengineering/tradebook/internal/server"
	"github.com/hyperengineering/tradebook/internal/store"
)

// idempotencyCleanInterval is how often expired push idempotency entries
// are purged.
const idempotencyCleanInterval = 1 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference sync backend",
	Long:  "Run the HTTP backend that devices push change events to and pull them from. Uses its own database, separate from the local engine's.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	initLogger(cfg)

	if cfg.Server.APIKey == "" {
		return errors.New("TRADEBOOK_SERVER_API_KEY is required to serve")
	}

	db, err := store.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Server.DatabasePath)

	handler := server.NewHandler(db, cfg.Server.APIKey, Version)
	router := server.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "idempotency-cleaner", func(ctx context.Context) {
		cleanIdempotencyLoop(ctx, db)
	})

	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// cleanIdempotencyLoop purges expired push idempotency entries on a fixed
// interval until the context is cancelled.
func cleanIdempotencyLoop(ctx context.Context, db *store.SQLiteStore) {
	ticker := time.NewTicker(idempotencyCleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := db.CleanExpiredIdempotency(ctx)
			if err != nil {
				slog.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("idempotency entries purged", "count", removed)
			}
		}
	}
}
