package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tbsync "github.com/hyperengineering/tradebook/internal/sync"
)

const insertChangeLogSQL = `
	INSERT INTO change_log (event_id, workspace_id, device_id, entity_type, entity_id, operation, payload, occurred_at, pushed)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`

// insertChangeLogEntry appends a single event. The sequence column is
// assigned by SQLite and is the per-device ordering authority.
func insertChangeLogEntry(ctx context.Context, execer execContext, ev *tbsync.ChangeEvent) error {
	_, err := execer.ExecContext(ctx, insertChangeLogSQL,
		ev.ID, ev.WorkspaceID, ev.DeviceID, ev.EntityType, ev.EntityID,
		string(ev.Operation), nullablePayload(ev.Payload),
		ev.OccurredAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}

// UnpushedEvents returns events not yet acknowledged by the backend for
// the given workspace and device, in local sequence order.
func (s *SQLiteStore) UnpushedEvents(ctx context.Context, workspaceID, deviceID string, limit int) ([]tbsync.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event_id, workspace_id, device_id, entity_type, entity_id, operation, payload, occurred_at
		FROM change_log
		WHERE workspace_id = ? AND device_id = ? AND pushed = 0
		ORDER BY sequence ASC
		LIMIT ?
	`, workspaceID, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query unpushed events: %w", err)
	}
	defer rows.Close()
	return scanChangeEvents(rows)
}

// MarkPushed flags the given events as acknowledged by the backend.
func (s *SQLiteStore) MarkPushed(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(eventIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE change_log SET pushed = 1 WHERE event_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark pushed: %w", err)
	}
	return nil
}

// ChangeLogAfter returns entries with sequence > afterSeq, up to limit.
// Used by replay and by the reset/status tooling.
func (s *SQLiteStore) ChangeLogAfter(ctx context.Context, afterSeq int64, limit int) ([]tbsync.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event_id, workspace_id, device_id, entity_type, entity_id, operation, payload, occurred_at
		FROM change_log
		WHERE sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()
	return scanChangeEvents(rows)
}

// CountUnpushed returns the number of events awaiting push for a workspace.
func (s *SQLiteStore) CountUnpushed(ctx context.Context, workspaceID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM change_log WHERE workspace_id = ? AND pushed = 0`, workspaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unpushed: %w", err)
	}
	return n, nil
}

func scanChangeEvents(rows *sql.Rows) ([]tbsync.ChangeEvent, error) {
	events := make([]tbsync.ChangeEvent, 0)
	for rows.Next() {
		var ev tbsync.ChangeEvent
		var op string
		var payload sql.NullString
		var occurredAt string

		if err := rows.Scan(&ev.Sequence, &ev.ID, &ev.WorkspaceID, &ev.DeviceID,
			&ev.EntityType, &ev.EntityID, &op, &payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}

		ev.Operation = tbsync.Operation(op)
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		var parseErr error
		if ev.OccurredAt, parseErr = time.Parse(time.RFC3339Nano, occurredAt); parseErr != nil {
			slog.Warn("change_log: failed to parse occurred_at", "value", occurredAt, "error", parseErr)
		}

		events = append(events, ev)
	}
	return events, rows.Err()
}

// checkpointKey is the sync_meta key holding the pull watermark for a
// workspace.
func checkpointKey(workspaceID string) string {
	return "checkpoint:" + workspaceID
}

// Checkpoint returns the server-time watermark up to which all remote
// changes have been applied. The zero time means no pull has completed.
func (s *SQLiteStore) Checkpoint(ctx context.Context, workspaceID string) (time.Time, error) {
	value, err := s.GetSyncMeta(ctx, checkpointKey(workspaceID))
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse checkpoint: %w", err)
	}
	return t, nil
}

// SetCheckpoint advances the pull watermark for a workspace.
func (s *SQLiteStore) SetCheckpoint(ctx context.Context, workspaceID string, t time.Time) error {
	return s.SetSyncMeta(ctx, checkpointKey(workspaceID), t.UTC().Format(time.RFC3339Nano))
}

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}

// DeleteSyncMeta removes a sync metadata key. Missing keys are not an error.
func (s *SQLiteStore) DeleteSyncMeta(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_meta WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete sync meta: %w", err)
	}
	return nil
}

// nullablePayload converts a json.RawMessage to a sql-friendly value.
// Returns nil for empty/null payloads, string otherwise.
func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
