package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	tbsync "github.com/hyperengineering/tradebook/internal/sync"
	"github.com/hyperengineering/tradebook/internal/types"
)

func TestChangeLog_EventPerMutation(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	e := mustCreate(t, db, types.TypeCustomer, `{"name":"Ada"}`)
	if _, err := db.Update(ctx, testActor, types.TypeCustomer, e.EntityID(), json.RawMessage(`{"name":"Ada Lovelace"}`)); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete(ctx, testActor, types.TypeCustomer, e.EntityID()); err != nil {
		t.Fatal(err)
	}

	events, err := db.UnpushedEvents(ctx, "ws-1", "device-1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}

	ops := []tbsync.Operation{tbsync.OpCreate, tbsync.OpUpdate, tbsync.OpDelete}
	for i, ev := range events {
		if ev.Operation != ops[i] {
			t.Errorf("Event %d: expected %s, got %s", i, ops[i], ev.Operation)
		}
		if ev.EntityID != e.EntityID() {
			t.Errorf("Event %d: expected entity id %s, got %s", i, e.EntityID(), ev.EntityID)
		}
		if ev.ID == "" {
			t.Errorf("Event %d: expected event id", i)
		}
		if ev.WorkspaceID != "ws-1" || ev.DeviceID != "device-1" {
			t.Errorf("Event %d: expected actor scope, got ws=%s device=%s", i, ev.WorkspaceID, ev.DeviceID)
		}
		if i > 0 && events[i].Sequence <= events[i-1].Sequence {
			t.Errorf("Expected strictly increasing sequence, got %d then %d",
				events[i-1].Sequence, events[i].Sequence)
		}
	}
}

func TestChangeLog_PayloadCarriesFullState(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	e := mustCreate(t, db, types.TypeCustomer, `{"name":"Ada"}`)

	events, err := db.UnpushedEvents(ctx, "ws-1", "device-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}

	var cust types.Customer
	if err := json.Unmarshal(events[0].Payload, &cust); err != nil {
		t.Fatal(err)
	}
	if cust.ID != e.EntityID() || cust.Name != "Ada" {
		t.Errorf("Expected payload to carry full record, got %+v", cust)
	}
}

func TestChangeLog_DeletePayloadEmpty(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	e := mustCreate(t, db, types.TypeCustomer, `{"name":"Ada"}`)
	if err := db.Delete(ctx, testActor, types.TypeCustomer, e.EntityID()); err != nil {
		t.Fatal(err)
	}

	events, err := db.UnpushedEvents(ctx, "ws-1", "device-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if len(events[1].Payload) != 0 {
		t.Errorf("Expected empty delete payload, got %s", events[1].Payload)
	}
}

func TestChangeLog_MarkPushed(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, db, types.TypeCustomer, `{"name":"Ada"}`)
	mustCreate(t, db, types.TypeCustomer, `{"name":"Grace"}`)

	events, err := db.UnpushedEvents(ctx, "ws-1", "device-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 unpushed events, got %d", len(events))
	}

	if err := db.MarkPushed(ctx, []string{events[0].ID}); err != nil {
		t.Fatal(err)
	}

	remaining, err := db.UnpushedEvents(ctx, "ws-1", "device-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].ID != events[1].ID {
		t.Errorf("Expected only the second event unpushed, got %+v", remaining)
	}

	count, err := db.CountUnpushed(ctx, "ws-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Expected unpushed count 1, got %d", count)
	}

	// Pushed events stay in the log; the flag is the only thing that moves.
	all, err := db.ChangeLogAfter(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("Expected full log to retain 2 events, got %d", len(all))
	}
}

func TestChangeLog_MarkPushedEmpty(t *testing.T) {
	db := newTestStore(t)
	if err := db.MarkPushed(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
}

func TestChangeLog_UnpushedScopedToDevice(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, db, types.TypeCustomer, `{"name":"Ada"}`)

	events, err := db.UnpushedEvents(ctx, "ws-1", "other-device", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events for another device, got %d", len(events))
	}
}

func TestChangeLog_Checkpoint(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	cp, err := db.Checkpoint(ctx, "ws-1")
	if err != nil {
		t.Fatal(err)
	}
	if !cp.IsZero() {
		t.Errorf("Expected zero checkpoint before first pull, got %s", cp)
	}

	want := mustParseTime(t, "2026-03-04T05:06:07.123456789Z")
	if err := db.SetCheckpoint(ctx, "ws-1", want); err != nil {
		t.Fatal(err)
	}

	cp, err = db.Checkpoint(ctx, "ws-1")
	if err != nil {
		t.Fatal(err)
	}
	if !cp.Equal(want) {
		t.Errorf("Expected checkpoint %s, got %s", want, cp)
	}

	// Checkpoints are per workspace.
	other, err := db.Checkpoint(ctx, "ws-2")
	if err != nil {
		t.Fatal(err)
	}
	if !other.IsZero() {
		t.Errorf("Expected zero checkpoint for ws-2, got %s", other)
	}
}

func TestSyncMeta(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	if _, err := db.GetSyncMeta(ctx, "missing"); err == nil {
		t.Fatal("Expected error for missing key")
	}

	if err := db.SetSyncMeta(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSyncMeta(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}

	value, err := db.GetSyncMeta(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if value != "v2" {
		t.Errorf("Expected v2, got %q", value)
	}

	if err := db.DeleteSyncMeta(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetSyncMeta(ctx, "k"); err == nil {
		t.Fatal("Expected error after delete")
	}

	// Deleting a missing key is not an error.
	if err := db.DeleteSyncMeta(ctx, "k"); err != nil {
		t.Fatal(err)
	}
}

func TestChangeLog_OccurredAtRoundTrip(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Second)
	mustCreate(t, db, types.TypeCustomer, `{"name":"Ada"}`)
	after := time.Now().UTC().Add(time.Second)

	events, err := db.UnpushedEvents(ctx, "ws-1", "device-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if events[0].OccurredAt.Before(before) || events[0].OccurredAt.After(after) {
		t.Errorf("Expected occurredAt near now, got %s", events[0].OccurredAt)
	}
}
