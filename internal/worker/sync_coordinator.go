package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/tradebook/internal/gateway"
	"github.com/hyperengineering/tradebook/internal/identity"
	"github.com/hyperengineering/tradebook/internal/store"
	tbsync "github.com/hyperengineering/tradebook/internal/sync"
)

// CycleState is the coordinator's position in the sync state machine.
type CycleState string

const (
	StateIdle        CycleState = "idle"
	StatePushing     CycleState = "pushing"
	StatePulling     CycleState = "pulling"
	StateReconciling CycleState = "reconciling"
)

// ErrCycleInFlight is returned when a trigger arrives while a cycle is
// already running. Overlapping triggers are dropped, not queued; the next
// periodic tick simply tries again.
var ErrCycleInFlight = errors.New("sync cycle already in flight")

// SyncStore defines the store operations the coordinator needs.
// Implemented by store.SQLiteStore.
type SyncStore interface {
	UnpushedEvents(ctx context.Context, workspaceID, deviceID string, limit int) ([]tbsync.ChangeEvent, error)
	MarkPushed(ctx context.Context, eventIDs []string) error
	ApplyRemoteEvent(ctx context.Context, ev tbsync.ChangeEvent, tie store.TieBreak) (bool, error)
	Checkpoint(ctx context.Context, workspaceID string) (time.Time, error)
	SetCheckpoint(ctx context.Context, workspaceID string, t time.Time) error
}

// IdentitySource gates sync on a valid signed-in identity and lets the
// coordinator halt itself when the backend rejects authentication.
type IdentitySource interface {
	Current() (identity.Context, bool)
	Clear(ctx context.Context) error
}

// SyncCoordinator owns the periodic sync cycle: push unpushed change
// events, pull remote ones, reconcile them into the store, and advance the
// checkpoint. At most one cycle is in flight per device.
type SyncCoordinator struct {
	store    SyncStore
	gateway  gateway.Gateway
	identity IdentitySource

	interval  time.Duration
	batchSize int
	tieBreak  store.TieBreak

	inFlight atomic.Bool
	trigger  chan struct{}

	mu         sync.RWMutex
	state      CycleState
	lastError  string
	lastSyncAt time.Time
}

// NewSyncCoordinator creates a coordinator. tieBreak selects the winner on
// exact-timestamp conflicts; the backend default is remote-wins.
func NewSyncCoordinator(
	syncStore SyncStore,
	gw gateway.Gateway,
	ident IdentitySource,
	interval time.Duration,
	batchSize int,
	tieBreak store.TieBreak,
) *SyncCoordinator {
	return &SyncCoordinator{
		store:     syncStore,
		gateway:   gw,
		identity:  ident,
		interval:  interval,
		batchSize: batchSize,
		tieBreak:  tieBreak,
		trigger:   make(chan struct{}, 1),
		state:     StateIdle,
	}
}

// Run starts the coordinator loop. Two sources feed the same cycle entry
// point: the fixed-interval ticker and Foreground(). It blocks until ctx
// is cancelled.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Sync immediately on start; the application just came to the
	// foreground by definition.
	c.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.cycle(ctx)
		case <-c.trigger:
			c.cycle(ctx)
		}
	}
}

// Foreground requests an immediate cycle, as on an application-foreground
// transition. Non-blocking; collapses into the in-flight or pending cycle.
func (c *SyncCoordinator) Foreground() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// cycle runs one sync attempt and logs instead of propagating failures.
func (c *SyncCoordinator) cycle(ctx context.Context) {
	err := c.SyncNow(ctx)
	if err == nil || errors.Is(err, ErrCycleInFlight) {
		return
	}
	slog.Warn("sync cycle failed",
		"component", "worker",
		"worker", "sync-coordinator",
		"error", err,
	)
}

// SyncNow runs one full cycle: guard, push, pull, reconcile, advance
// checkpoint. A failure in any step ends the cycle early but never
// corrupts state; events are idempotent to re-push and the checkpoint is
// idempotent to re-pull from.
func (c *SyncCoordinator) SyncNow(ctx context.Context) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrCycleInFlight
	}
	defer c.inFlight.Store(false)

	ident, ok := c.identity.Current()
	if !ok || !ident.SyncReady() {
		// Onboarding or signed out; not an error, just nothing to do.
		return nil
	}

	err := c.runCycle(ctx, ident)
	c.setState(StateIdle)
	if err != nil {
		c.recordFailure(err)
		if errors.Is(err, gateway.ErrAuthInvalid) {
			// Stop looping against a backend that will keep rejecting us.
			if clearErr := c.identity.Clear(ctx); clearErr != nil {
				slog.Error("failed to clear identity after auth rejection",
					"component", "worker",
					"worker", "sync-coordinator",
					"error", clearErr,
				)
			}
		}
		return err
	}

	c.recordSuccess()
	return nil
}

func (c *SyncCoordinator) runCycle(ctx context.Context, ident identity.Context) error {
	// Push before pull so freshly made local changes are visible remotely
	// before reconciliation runs.
	c.setState(StatePushing)
	pushed, err := c.push(ctx, ident)
	if err != nil {
		return err
	}

	c.setState(StatePulling)
	since, err := c.store.Checkpoint(ctx, ident.WorkspaceID)
	if err != nil {
		return err
	}
	resp, err := c.gateway.Pull(ctx, ident.WorkspaceID, since)
	if err != nil {
		return err
	}

	c.setState(StateReconciling)
	applied, skipped, err := c.reconcile(ctx, ident, resp.Changes)
	if err != nil {
		return err
	}

	// The checkpoint only moves after every pulled event has been handled.
	if err := c.store.SetCheckpoint(ctx, ident.WorkspaceID, resp.ServerTime); err != nil {
		return err
	}

	slog.Info("sync cycle completed",
		"component", "worker",
		"worker", "sync-coordinator",
		"workspace_id", ident.WorkspaceID,
		"pushed", pushed,
		"pulled", len(resp.Changes),
		"applied", applied,
		"skipped", skipped,
	)
	return nil
}

// push sends all unpushed events and marks them pushed on acknowledgement.
// On failure they stay unpushed; next cycle retries with no backoff.
func (c *SyncCoordinator) push(ctx context.Context, ident identity.Context) (int, error) {
	events, err := c.store.UnpushedEvents(ctx, ident.WorkspaceID, ident.DeviceID, c.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	if _, err := c.gateway.Push(ctx, ident.WorkspaceID, ident.DeviceID, events); err != nil {
		return 0, err
	}

	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	if err := c.store.MarkPushed(ctx, ids); err != nil {
		return 0, err
	}
	return len(events), nil
}

// reconcile applies pulled events that did not originate on this device.
// A malformed event is skipped and logged; the rest of the batch still
// applies.
func (c *SyncCoordinator) reconcile(ctx context.Context, ident identity.Context, changes []tbsync.ChangeEvent) (applied, skipped int, err error) {
	for _, ev := range changes {
		if ev.DeviceID == ident.DeviceID {
			continue
		}
		ok, err := c.store.ApplyRemoteEvent(ctx, ev, c.tieBreak)
		if errors.Is(err, store.ErrMalformedEvent) {
			skipped++
			slog.Warn("skipping malformed remote event",
				"component", "worker",
				"worker", "sync-coordinator",
				"event_id", ev.ID,
				"error", err,
			)
			continue
		}
		if err != nil {
			return applied, skipped, err
		}
		if ok {
			applied++
		}
	}
	return applied, skipped, nil
}

func (c *SyncCoordinator) setState(state CycleState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *SyncCoordinator) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = err.Error()
}

func (c *SyncCoordinator) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = ""
	c.lastSyncAt = time.Now().UTC()
}

// State returns the coordinator's current position in the cycle.
func (c *SyncCoordinator) State() CycleState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the latest cycle failure as a passive status string,
// empty after a successful cycle.
func (c *SyncCoordinator) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// LastSyncAt returns when the last successful cycle finished.
func (c *SyncCoordinator) LastSyncAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSyncAt
}
