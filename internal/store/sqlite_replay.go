package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	tbsync "github.com/hyperengineering/tradebook/internal/sync"
	"github.com/hyperengineering/tradebook/internal/types"
)

// ApplyRemoteEvent reconciles one pulled change event against local state
// under last-write-wins. It returns whether the event mutated the store.
//
// Rules:
//   - create on an existing id falls through to update
//   - update applies iff the remote updatedAt is newer than the local one,
//     or equal and the tie break favors remote
//   - delete removes the record unconditionally; dangling line-item
//     references are left in place and render as "item removed"
//
// Applying a remote event never emits a local change event, which is what
// stops changes from re-propagating forever between devices.
func (s *SQLiteStore) ApplyRemoteEvent(ctx context.Context, ev tbsync.ChangeEvent, tie TieBreak) (bool, error) {
	et, err := types.ParseEntityType(ev.EntityType)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.EntityID == "" {
		return false, fmt.Errorf("%w: missing entity id", ErrMalformedEvent)
	}
	if !ev.Operation.Valid() {
		return false, fmt.Errorf("%w: unknown operation %q", ErrMalformedEvent, ev.Operation)
	}

	if ev.Operation == tbsync.OpDelete {
		return s.applyRemoteDelete(ctx, et, ev.EntityID)
	}

	e, err := decodeEntity(et, ev.Payload)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.EntityID() != ev.EntityID {
		return false, fmt.Errorf("%w: payload id %q does not match event entity id %q",
			ErrMalformedEvent, e.EntityID(), ev.EntityID)
	}

	remoteUpdated := e.Metadata().UpdatedAt
	if remoteUpdated.IsZero() {
		remoteUpdated = ev.OccurredAt
	}

	localUpdated, exists, err := s.localUpdatedAt(ctx, et, ev.EntityID)
	if err != nil {
		return false, err
	}
	if exists && !remoteWins(remoteUpdated, localUpdated, tie) {
		return false, nil
	}

	doc := ev.Payload
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertEntityRow(ctx, tx, et, e, doc); err != nil {
			return err
		}
		return replaceLineItemRefs(ctx, tx, et, e)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// applyRemoteDelete removes the record if present. Sync-driven deletes
// cannot be rejected the way interactive deletes are, so no referential
// check runs here.
func (s *SQLiteStore) applyRemoteDelete(ctx context.Context, et types.EntityType, id string) (bool, error) {
	var deleted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM entities WHERE entity_type = ? AND id = ?`, string(et), id)
		if err != nil {
			return fmt.Errorf("delete %s: %w", et, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		deleted = affected > 0
		_, err = tx.ExecContext(ctx,
			`DELETE FROM line_item_refs WHERE parent_type = ? AND parent_id = ?`, string(et), id)
		if err != nil {
			return fmt.Errorf("delete %s refs: %w", et, err)
		}
		return nil
	})
	return deleted, err
}

// localUpdatedAt reads the stored updated_at column for LWW comparison.
func (s *SQLiteStore) localUpdatedAt(ctx context.Context, et types.EntityType, id string) (time.Time, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM entities WHERE entity_type = ? AND id = ?`, string(et), id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get local updated_at: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse local updated_at: %w", err)
	}
	return t, true, nil
}

// remoteWins is the last-write-wins comparison.
func remoteWins(remote, local time.Time, tie TieBreak) bool {
	if remote.After(local) {
		return true
	}
	return remote.Equal(local) && tie == TieBreakRemote
}

// RebuildFromChangeLog reconstructs the entity tables from an empty state
// by replaying the local change log in sequence order. The log is the
// durable record; this is the crash-recovery and reinstall-restore path.
func (s *SQLiteStore) RebuildFromChangeLog(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities`); err != nil {
			return fmt.Errorf("clear entities: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM line_item_refs`); err != nil {
			return fmt.Errorf("clear line item refs: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT entity_type, entity_id, operation, payload
			FROM change_log
			ORDER BY sequence ASC
		`)
		if err != nil {
			return fmt.Errorf("query change log: %w", err)
		}
		defer rows.Close()

		type step struct {
			entityType string
			entityID   string
			operation  string
			payload    sql.NullString
		}
		steps := make([]step, 0)
		for rows.Next() {
			var st step
			if err := rows.Scan(&st.entityType, &st.entityID, &st.operation, &st.payload); err != nil {
				return fmt.Errorf("scan change log: %w", err)
			}
			steps = append(steps, st)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, st := range steps {
			et, err := types.ParseEntityType(st.entityType)
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			switch tbsync.Operation(st.operation) {
			case tbsync.OpCreate, tbsync.OpUpdate:
				e, err := decodeEntity(et, []byte(st.payload.String))
				if err != nil {
					return fmt.Errorf("replay %s %s: %w", et, st.entityID, err)
				}
				if err := upsertEntityRow(ctx, tx, et, e, []byte(st.payload.String)); err != nil {
					return err
				}
				if err := replaceLineItemRefs(ctx, tx, et, e); err != nil {
					return err
				}
			case tbsync.OpDelete:
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM entities WHERE entity_type = ? AND id = ?`, st.entityType, st.entityID); err != nil {
					return fmt.Errorf("replay delete %s: %w", et, err)
				}
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM line_item_refs WHERE parent_type = ? AND parent_id = ?`, st.entityType, st.entityID); err != nil {
					return fmt.Errorf("replay delete %s refs: %w", et, err)
				}
			default:
				return fmt.Errorf("replay: unknown operation %q", st.operation)
			}
		}
		return nil
	})
}
