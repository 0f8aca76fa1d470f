package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	tbsync "github.com/hyperengineering/tradebook/internal/sync"
	"github.com/hyperengineering/tradebook/internal/types"
)

// Actor scopes a mutation to the workspace and device that performed it.
// The change event emitted for the mutation carries both.
type Actor struct {
	WorkspaceID string
	DeviceID    string
}

// execContext is satisfied by both *sql.DB and *sql.Tx.
type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Create inserts a new entity from the given fields, stamps id and
// timestamps, and emits exactly one create change event in the same
// transaction.
func (s *SQLiteStore) Create(ctx context.Context, actor Actor, et types.EntityType, fields json.RawMessage) (types.Entity, error) {
	e, err := types.New(et)
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, e); err != nil {
			return nil, fmt.Errorf("decode %s fields: %w", et, err)
		}
	}

	now := time.Now().UTC()
	meta := e.Metadata()
	meta.ID = ulid.Make().String()
	meta.WorkspaceID = actor.WorkspaceID
	meta.CreatedAt = now
	meta.UpdatedAt = now

	if err := s.prepareAndValidate(e, et); err != nil {
		return nil, err
	}

	doc, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", et, err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertEntityRow(ctx, tx, et, e, doc); err != nil {
			return err
		}
		if err := replaceLineItemRefs(ctx, tx, et, e); err != nil {
			return err
		}
		return appendChangeEvent(ctx, tx, actor, et, meta.ID, tbsync.OpCreate, doc, now)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Update applies a JSON patch over the stored record, restamps updatedAt,
// and emits exactly one update change event carrying the full resulting
// state. Identity fields (id, workspace, createdAt) cannot be patched.
func (s *SQLiteStore) Update(ctx context.Context, actor Actor, et types.EntityType, id string, patch json.RawMessage) (types.Entity, error) {
	e, err := s.Get(ctx, et, id)
	if err != nil {
		return nil, err
	}

	meta := *e.Metadata()
	if len(patch) > 0 {
		if err := json.Unmarshal(patch, e); err != nil {
			return nil, fmt.Errorf("decode %s patch: %w", et, err)
		}
	}

	now := time.Now().UTC()
	restored := e.Metadata()
	restored.ID = meta.ID
	restored.WorkspaceID = meta.WorkspaceID
	restored.CreatedAt = meta.CreatedAt
	restored.UpdatedAt = now

	if err := s.prepareAndValidate(e, et); err != nil {
		return nil, err
	}

	doc, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", et, err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertEntityRow(ctx, tx, et, e, doc); err != nil {
			return err
		}
		if err := replaceLineItemRefs(ctx, tx, et, e); err != nil {
			return err
		}
		return appendChangeEvent(ctx, tx, actor, et, id, tbsync.OpUpdate, doc, now)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Delete removes an entity and emits exactly one delete change event.
// Deleting a part or labor item still referenced by document line items is
// rejected with ReferentialIntegrityError and nothing is mutated.
func (s *SQLiteStore) Delete(ctx context.Context, actor Actor, et types.EntityType, id string) error {
	if et == types.TypePart || et == types.TypeLaborItem {
		refs, err := s.countItemReferences(ctx, id)
		if err != nil {
			return err
		}
		if refs > 0 {
			return &ReferentialIntegrityError{EntityType: et, EntityID: id, References: refs}
		}
	}

	if _, err := s.Get(ctx, et, id); err != nil {
		return err
	}

	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entities WHERE entity_type = ? AND id = ?`, string(et), id); err != nil {
			return fmt.Errorf("delete %s: %w", et, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM line_item_refs WHERE parent_type = ? AND parent_id = ?`, string(et), id); err != nil {
			return fmt.Errorf("delete %s refs: %w", et, err)
		}
		return appendChangeEvent(ctx, tx, actor, et, id, tbsync.OpDelete, nil, now)
	})
}

// Get returns the entity with the given id, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, et types.EntityType, id string) (types.Entity, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM entities WHERE entity_type = ? AND id = ?`, string(et), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", et, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", et, err)
	}
	return decodeEntity(et, []byte(doc))
}

// List returns all entities of a type in a workspace, oldest first.
func (s *SQLiteStore) List(ctx context.Context, workspaceID string, et types.EntityType) ([]types.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM entities
		WHERE workspace_id = ? AND entity_type = ?
		ORDER BY created_at ASC, id ASC
	`, workspaceID, string(et))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", et, err)
	}
	defer rows.Close()

	entities := make([]types.Entity, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan %s: %w", et, err)
		}
		e, err := decodeEntity(et, []byte(doc))
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// prepareAndValidate normalizes line-item totals for document types and
// runs struct validation.
func (s *SQLiteStore) prepareAndValidate(e types.Entity, et types.EntityType) error {
	if doc, ok := e.(types.Document); ok {
		items := doc.LineItems()
		doc.SetSubtotal(types.NormalizeTotals(items))
		doc.SetLineItems(items)
	}
	if err := s.validate.Struct(e); err != nil {
		return fmt.Errorf("validate %s: %w", et, err)
	}
	return nil
}

// countItemReferences counts distinct documents whose line items reference
// the given part or labor item.
func (s *SQLiteStore) countItemReferences(ctx context.Context, itemID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM line_item_refs WHERE item_id = ?
	`, itemID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count item references: %w", err)
	}
	return n, nil
}

// inTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// upsertEntityRow writes the entity row. INSERT OR REPLACE is safe here:
// entities has no child FK relationships, line_item_refs is rebuilt
// explicitly after every save.
func upsertEntityRow(ctx context.Context, execer execContext, et types.EntityType, e types.Entity, doc []byte) error {
	meta := e.Metadata()
	_, err := execer.ExecContext(ctx, `
		INSERT OR REPLACE INTO entities (entity_type, id, workspace_id, created_at, updated_at, doc)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		string(et), meta.ID, meta.WorkspaceID,
		meta.CreatedAt.Format(time.RFC3339Nano),
		meta.UpdatedAt.Format(time.RFC3339Nano),
		string(doc),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", et, err)
	}
	return nil
}

// replaceLineItemRefs rebuilds the reference rows for a document entity.
// Non-document types are a no-op.
func replaceLineItemRefs(ctx context.Context, execer execContext, et types.EntityType, e types.Entity) error {
	doc, ok := e.(types.Document)
	if !ok {
		return nil
	}
	id := e.EntityID()
	if _, err := execer.ExecContext(ctx,
		`DELETE FROM line_item_refs WHERE parent_type = ? AND parent_id = ?`, string(et), id); err != nil {
		return fmt.Errorf("clear %s refs: %w", et, err)
	}
	for _, item := range doc.LineItems() {
		if item.ItemID == "" {
			continue
		}
		if _, err := execer.ExecContext(ctx, `
			INSERT OR IGNORE INTO line_item_refs (parent_type, parent_id, item_id)
			VALUES (?, ?, ?)
		`, string(et), id, item.ItemID); err != nil {
			return fmt.Errorf("insert %s ref: %w", et, err)
		}
	}
	return nil
}

// appendChangeEvent records the mutation in the change log within the same
// transaction as the entity write, so the log and the store can never
// diverge.
func appendChangeEvent(ctx context.Context, execer execContext, actor Actor, et types.EntityType, entityID string, op tbsync.Operation, payload json.RawMessage, occurredAt time.Time) error {
	ev := tbsync.ChangeEvent{
		ID:          ulid.Make().String(),
		WorkspaceID: actor.WorkspaceID,
		DeviceID:    actor.DeviceID,
		EntityType:  string(et),
		EntityID:    entityID,
		Operation:   op,
		Payload:     payload,
		OccurredAt:  occurredAt,
	}
	return insertChangeLogEntry(ctx, execer, &ev)
}

// decodeEntity unmarshals a stored document into its typed struct.
func decodeEntity(et types.EntityType, doc []byte) (types.Entity, error) {
	e, err := types.New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(doc, e); err != nil {
		return nil, fmt.Errorf("decode stored %s: %w", et, err)
	}
	return e, nil
}
