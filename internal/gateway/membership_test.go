package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	tbsync "github.com/hyperengineering/tradebook/internal/sync"
)

func TestHTTPGateway_CreateWorkspace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/workspaces" || r.Method != http.MethodPost {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "Lovelace Plumbing" || body["ownerId"] != "user-1" {
			t.Errorf("Unexpected body %+v", body)
		}
		json.NewEncoder(w).Encode(tbsync.Workspace{ID: "ws-1", Name: body["name"], CreatedAt: time.Now().UTC()})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "secret")
	ws, err := gw.CreateWorkspace(context.Background(), "Lovelace Plumbing", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if ws.ID != "ws-1" {
		t.Errorf("Unexpected workspace %+v", ws)
	}
}

func TestHTTPGateway_InviteFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/workspaces/ws-1/invites":
			json.NewEncoder(w).Encode(tbsync.Invite{Token: "tok-1", WorkspaceID: "ws-1", Role: "member"})
		case "/api/v1/invites/tok-1/accept":
			json.NewEncoder(w).Encode(tbsync.Member{WorkspaceID: "ws-1", UserID: "user-2", Role: "member"})
		case "/api/v1/workspaces/ws-1/members":
			json.NewEncoder(w).Encode([]tbsync.Member{{UserID: "user-1"}, {UserID: "user-2"}})
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "secret")
	ctx := context.Background()

	inv, err := gw.CreateInvite(ctx, "ws-1", "member")
	if err != nil {
		t.Fatal(err)
	}
	if inv.Token != "tok-1" {
		t.Errorf("Unexpected invite %+v", inv)
	}

	member, err := gw.AcceptInvite(ctx, "tok-1", "user-2")
	if err != nil {
		t.Fatal(err)
	}
	if member.UserID != "user-2" {
		t.Errorf("Unexpected member %+v", member)
	}

	members, err := gw.ListMembers(ctx, "ws-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Errorf("Expected 2 members, got %d", len(members))
	}
}

func TestHTTPGateway_MembershipRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(tbsync.Workspace{ID: "ws-1"})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "secret")
	ws, err := gw.CreateWorkspace(context.Background(), "w", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if ws.ID != "ws-1" {
		t.Errorf("Unexpected workspace %+v", ws)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestHTTPGateway_MembershipAuthIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "secret")
	_, err := gw.ListMembers(context.Background(), "ws-1")
	if !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("Expected ErrAuthInvalid, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected no retries on auth failure, got %d attempts", calls.Load())
	}
}
