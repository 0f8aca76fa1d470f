package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/tradebook/internal/store"
	tbsync "github.com/hyperengineering/tradebook/internal/sync"
)

const (
	// IdempotencyTTL is the duration to cache push responses.
	IdempotencyTTL = 24 * time.Hour

	// MaxPushEntries is the maximum events per push request.
	MaxPushEntries = 1000
)

// Handler holds the dependencies for the reference backend's endpoints.
type Handler struct {
	store   *store.SQLiteStore
	apiKey  string
	version string
}

// NewHandler creates a handler backed by the given store.
func NewHandler(s *store.SQLiteStore, apiKey, version string) *Handler {
	return &Handler{store: s, apiKey: apiKey, version: version}
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    h.version,
		"serverTime": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// SyncPush handles POST /api/v1/sync/push. Replaying the same batch never
// duplicates server-side effects: the push id replays the cached response
// and individual events are deduplicated by event id.
func (h *Handler) SyncPush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req tbsync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	if err := validatePushRequest(req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if req.PushID != "" {
		cachedResp, found, err := h.store.CheckPushIdempotency(ctx, req.PushID)
		if err != nil {
			slog.Error("idempotency check failed", "workspace_id", req.WorkspaceID, "error", err)
			WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
			return
		}
		if found {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.Write(cachedResp)
			slog.Info("push idempotent replay",
				"component", "server",
				"action", "sync_push_replay",
				"workspace_id", req.WorkspaceID,
				"push_id", req.PushID,
			)
			return
		}
	}

	accepted, duplicates, err := h.store.RecordRemoteEvents(ctx, req.WorkspaceID, req.DeviceID, req.Changes)
	if err != nil {
		slog.Error("record push failed", "workspace_id", req.WorkspaceID, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}

	resp := tbsync.PushResponse{Accepted: accepted, Duplicates: duplicates}
	respBody, err := json.Marshal(resp)
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}

	if req.PushID != "" {
		if err := h.store.RecordPushIdempotency(ctx, req.PushID, req.WorkspaceID, respBody, IdempotencyTTL); err != nil {
			slog.Warn("failed to record push idempotency", "push_id", req.PushID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(respBody)
}

// validatePushRequest checks request structure before touching storage.
func validatePushRequest(req tbsync.PushRequest) error {
	if req.WorkspaceID == "" {
		return errors.New("workspaceId is required")
	}
	if req.DeviceID == "" {
		return errors.New("deviceId is required")
	}
	if len(req.Changes) > MaxPushEntries {
		return fmt.Errorf("batch exceeds maximum of %d events", MaxPushEntries)
	}
	for i, ev := range req.Changes {
		if ev.ID == "" {
			return fmt.Errorf("change %d: id is required", i)
		}
		if ev.EntityID == "" {
			return fmt.Errorf("change %d: entityId is required", i)
		}
		if !ev.Operation.Valid() {
			return fmt.Errorf("change %d: unknown operation %q", i, ev.Operation)
		}
	}
	return nil
}

// SyncPull handles GET /api/v1/sync/pull?workspaceId=&since=.
// An omitted since means full history.
func (h *Handler) SyncPull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	workspaceID := r.URL.Query().Get("workspaceId")
	if workspaceID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "workspaceId is required")
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("invalid since timestamp: %s", err))
			return
		}
		since = parsed
	}

	// Stamp the watermark before reading so nothing received afterwards is
	// silently skipped by the next pull.
	serverTime := time.Now().UTC()

	events, err := h.store.ListRemoteEventsSince(ctx, workspaceID, since)
	if err != nil {
		slog.Error("pull failed", "workspace_id", workspaceID, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}

	writeJSON(w, http.StatusOK, tbsync.PullResponse{Changes: events, ServerTime: serverTime})
}

// CreateWorkspace handles POST /api/v1/workspaces
func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		OwnerID string `json:"ownerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.Name == "" || req.OwnerID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "name and ownerId are required")
		return
	}

	ws, err := h.store.CreateWorkspace(r.Context(), req.Name, req.OwnerID)
	if err != nil {
		slog.Error("create workspace failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

// CreateInvite handles POST /api/v1/workspaces/{workspaceID}/invites
func (h *Handler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.Role == "" {
		req.Role = "member"
	}

	inv, err := h.store.CreateInvite(r.Context(), workspaceID, req.Role)
	if errors.Is(err, store.ErrNotFound) {
		WriteProblem(w, r, http.StatusNotFound, "Workspace not found")
		return
	}
	if err != nil {
		slog.Error("create invite failed", "workspace_id", workspaceID, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// AcceptInvite handles POST /api/v1/invites/{token}/accept
func (h *Handler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.UserID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "userId is required")
		return
	}

	member, err := h.store.AcceptInvite(r.Context(), token, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		WriteProblem(w, r, http.StatusNotFound, "Invite not found")
		return
	}
	if errors.Is(err, store.ErrInviteUsed) {
		WriteProblem(w, r, http.StatusConflict, "Invite already accepted")
		return
	}
	if err != nil {
		slog.Error("accept invite failed", "token", token, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, member)
}

// ListMembers handles GET /api/v1/workspaces/{workspaceID}/members
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	members, err := h.store.ListMembers(r.Context(), workspaceID)
	if err != nil {
		slog.Error("list members failed", "workspace_id", workspaceID, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, members)
}
