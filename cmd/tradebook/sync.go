package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tradebook/internal/gateway"
	"github.com/hyperengineering/tradebook/internal/identity"
	"github.com/hyperengineering/tradebook/internal/store"
	"github.com/hyperengineering/tradebook/internal/worker"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync cycle and exit",
	RunE:  runSyncOnce,
}

func runSyncOnce(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ident, err := identity.NewProvider(ctx, db)
	if err != nil {
		return err
	}
	if _, ok := ident.Current(); !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "Not signed in; nothing to sync.")
		return nil
	}

	gw := gateway.New(cfg.Sync)
	coord := worker.NewSyncCoordinator(
		db, gw, ident,
		time.Duration(cfg.Sync.Interval),
		cfg.Sync.PushBatchSize,
		store.TieBreak(cfg.Sync.TieBreak),
	)

	if err := coord.SyncNow(ctx); err != nil {
		return fmt.Errorf("sync cycle: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Sync cycle completed.")
	return nil
}
