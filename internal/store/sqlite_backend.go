package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	tbsync "github.com/hyperengineering/tradebook/internal/sync"
)

// Backend-side operations used by the embedded reference backend
// (`tradebook serve`). A pushed batch lands in the per-workspace
// remote_events ledger ordered by server receive time; pulls read the
// ledger after the client's checkpoint.

// receivedAtLayout is fixed-width so that lexicographic comparison of
// stored received_at strings matches chronological order. RFC3339Nano
// trims trailing zeros and breaks that property.
const receivedAtLayout = "2006-01-02T15:04:05.000000000Z"

// RecordRemoteEvents appends pushed events to the workspace ledger.
// Events already present (by event id) are counted as duplicates and
// ignored, which makes replaying a batch after a crash harmless.
func (s *SQLiteStore) RecordRemoteEvents(ctx context.Context, workspaceID, deviceID string, events []tbsync.ChangeEvent) (accepted, duplicates int, err error) {
	receivedAt := time.Now().UTC().Format(receivedAtLayout)

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		for i := range events {
			ev := &events[i]
			result, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO remote_events
					(event_id, workspace_id, device_id, entity_type, entity_id, operation, payload, occurred_at, received_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				ev.ID, workspaceID, deviceID, ev.EntityType, ev.EntityID,
				string(ev.Operation), nullablePayload(ev.Payload),
				ev.OccurredAt.Format(time.RFC3339Nano), receivedAt,
			)
			if err != nil {
				return fmt.Errorf("record remote event %d: %w", i, err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if affected == 0 {
				duplicates++
			} else {
				accepted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return accepted, duplicates, nil
}

// ListRemoteEventsSince returns the workspace ledger entries received
// after the given watermark, in server order. A zero since means full
// history.
func (s *SQLiteStore) ListRemoteEventsSince(ctx context.Context, workspaceID string, since time.Time) ([]tbsync.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, workspace_id, device_id, entity_type, entity_id, operation, payload, occurred_at
		FROM remote_events
		WHERE workspace_id = ? AND received_at > ?
		ORDER BY server_seq ASC
	`, workspaceID, since.UTC().Format(receivedAtLayout))
	if err != nil {
		return nil, fmt.Errorf("query remote events: %w", err)
	}
	defer rows.Close()

	events := make([]tbsync.ChangeEvent, 0)
	for rows.Next() {
		var ev tbsync.ChangeEvent
		var op string
		var payload sql.NullString
		var occurredAt string

		if err := rows.Scan(&ev.ID, &ev.WorkspaceID, &ev.DeviceID,
			&ev.EntityType, &ev.EntityID, &op, &payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan remote event: %w", err)
		}
		ev.Operation = tbsync.Operation(op)
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		var parseErr error
		if ev.OccurredAt, parseErr = time.Parse(time.RFC3339Nano, occurredAt); parseErr != nil {
			slog.Warn("remote_events: failed to parse occurred_at", "value", occurredAt, "error", parseErr)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CheckPushIdempotency checks if a push_id has been processed.
// Returns the cached response and true if found, nil and false otherwise.
func (s *SQLiteStore) CheckPushIdempotency(ctx context.Context, pushID string) ([]byte, bool, error) {
	var response string
	var expiresAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT response, expires_at FROM push_idempotency WHERE push_id = ?
	`, pushID).Scan(&response, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency: %w", err)
	}

	expires, parseErr := time.Parse(time.RFC3339Nano, expiresAt)
	if parseErr != nil {
		slog.Warn("push_idempotency: failed to parse expires_at", "value", expiresAt, "error", parseErr)
	}
	if time.Now().After(expires) {
		return nil, false, nil
	}

	return []byte(response), true, nil
}

// RecordPushIdempotency records a processed push for idempotency.
func (s *SQLiteStore) RecordPushIdempotency(ctx context.Context, pushID, workspaceID string, response []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO push_idempotency (push_id, workspace_id, response, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, pushID, workspaceID, string(response),
		now.Format(time.RFC3339Nano), now.Add(ttl).Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record push idempotency: %w", err)
	}
	return nil
}

// CleanExpiredIdempotency removes expired idempotency entries.
// Returns the number of entries removed.
func (s *SQLiteStore) CleanExpiredIdempotency(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM push_idempotency WHERE expires_at < ?
	`, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("clean expired idempotency: %w", err)
	}
	return result.RowsAffected()
}

// CreateWorkspace creates a workspace with the given owner as its first
// member.
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, name, ownerID string) (*tbsync.Workspace, error) {
	ws := &tbsync.Workspace{
		ID:        ulid.Make().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspaces (id, name, created_at) VALUES (?, ?, ?)
		`, ws.ID, ws.Name, ws.CreatedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert workspace: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspace_members (workspace_id, user_id, role, joined_at) VALUES (?, ?, 'owner', ?)
		`, ws.ID, ownerID, ws.CreatedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert owner member: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// CreateInvite issues a single-use membership token for a workspace.
func (s *SQLiteStore) CreateInvite(ctx context.Context, workspaceID, role string) (*tbsync.Invite, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workspaces WHERE id = ?`, workspaceID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check workspace: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, ErrNotFound)
	}

	inv := &tbsync.Invite{
		Token:       ulid.Make().String(),
		WorkspaceID: workspaceID,
		Role:        role,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspace_invites (token, workspace_id, role, created_at) VALUES (?, ?, ?, ?)
	`, inv.Token, inv.WorkspaceID, inv.Role, inv.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert invite: %w", err)
	}
	return inv, nil
}

// AcceptInvite consumes an invite token and adds the user as a member.
// Returns ErrNotFound for unknown tokens, ErrInviteUsed for consumed ones.
func (s *SQLiteStore) AcceptInvite(ctx context.Context, token, userID string) (*tbsync.Member, error) {
	var workspaceID, role, acceptedBy string
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, role, accepted_by FROM workspace_invites WHERE token = ?
	`, token).Scan(&workspaceID, &role, &acceptedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invite %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get invite: %w", err)
	}
	if acceptedBy != "" {
		return nil, ErrInviteUsed
	}

	member := &tbsync.Member{
		WorkspaceID: workspaceID,
		UserID:      userID,
		Role:        role,
		JoinedAt:    time.Now().UTC(),
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE workspace_invites SET accepted_by = ?, accepted_at = ? WHERE token = ?
		`, userID, member.JoinedAt.Format(time.RFC3339Nano), token); err != nil {
			return fmt.Errorf("consume invite: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO workspace_members (workspace_id, user_id, role, joined_at)
			VALUES (?, ?, ?, ?)
		`, workspaceID, userID, role, member.JoinedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// ListMembers returns all members of a workspace.
func (s *SQLiteStore) ListMembers(ctx context.Context, workspaceID string) ([]tbsync.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, user_id, role, joined_at
		FROM workspace_members
		WHERE workspace_id = ?
		ORDER BY joined_at ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	members := make([]tbsync.Member, 0)
	for rows.Next() {
		var m tbsync.Member
		var joinedAt string
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		var parseErr error
		if m.JoinedAt, parseErr = time.Parse(time.RFC3339Nano, joinedAt); parseErr != nil {
			slog.Warn("workspace_members: failed to parse joined_at", "value", joinedAt, "error", parseErr)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
