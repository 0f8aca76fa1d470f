package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/tradebook/internal/snapshot"
	"github.com/hyperengineering/tradebook/internal/store"
)

// Snapshotter represents a store that can generate database snapshots.
// Implemented by store.SQLiteStore; the interface allows testing with
// mock implementations.
type Snapshotter interface {
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
}

// WorkspaceSource supplies the workspace the snapshot belongs to, if the
// device is signed in.
type WorkspaceSource interface {
	CurrentWorkspaceID() (string, bool)
}

// SnapshotCoordinator periodically snapshots the local database and
// uploads the result when storage is configured. Snapshots are a restore
// optimization; change-log replay remains the canonical recovery path.
type SnapshotCoordinator struct {
	store     Snapshotter
	workspace WorkspaceSource
	uploader  snapshot.Uploader
	interval  time.Duration
}

// NewSnapshotCoordinator creates a coordinator for the local store.
// The uploader parameter is optional; if nil, no upload is attempted.
func NewSnapshotCoordinator(
	snapStore Snapshotter,
	workspace WorkspaceSource,
	interval time.Duration,
	uploader snapshot.Uploader,
) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		store:     snapStore,
		workspace: workspace,
		uploader:  uploader,
		interval:  interval,
	}
}

// Run starts the coordinator loop.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.generateSnapshot(ctx)
		}
	}
}

// generateSnapshot writes one snapshot and uploads it if configured.
func (c *SnapshotCoordinator) generateSnapshot(ctx context.Context) {
	if err := c.store.GenerateSnapshot(ctx); err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown, don't log as error
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"error", err,
		)
		return
	}

	if c.uploader != nil {
		c.uploadSnapshot(ctx)
	}
}

// uploadSnapshot uploads the generated snapshot.
// Upload failures are logged as warnings but are not fatal; the local
// snapshot remains valid.
func (c *SnapshotCoordinator) uploadSnapshot(ctx context.Context) {
	workspaceID, ok := c.workspace.CurrentWorkspaceID()
	if !ok {
		return
	}

	path, err := c.store.GetSnapshotPath(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("failed to get snapshot path for upload",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"error", err,
			)
		}
		return
	}

	if err := c.uploader.Upload(ctx, workspaceID, path); err != nil {
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"workspace_id", workspaceID,
			"error", err,
		)
		return
	}

	slog.Info("snapshot uploaded",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"workspace_id", workspaceID,
	)
}
