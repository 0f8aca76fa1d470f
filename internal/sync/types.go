// Package sync defines the change-event model and the push/pull wire
// contract shared by the local engine and the reference backend.
package sync

import (
	"encoding/json"
	"time"
)

// Operation identifies what a change event did to its entity.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is one of the three known kinds.
func (o Operation) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// ChangeEvent is the atomic unit of synchronization: one entity mutation,
// immutable once created. Payload carries the full resulting record state
// for create/update and is empty for delete.
type ChangeEvent struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId"`
	DeviceID    string          `json:"deviceId"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`

	// Local bookkeeping, never sent over the wire. Sequence is the
	// per-device monotonic ordering authority.
	Sequence int64 `json:"-"`
	Pushed   bool  `json:"-"`
}

// PushRequest is the body of POST /api/v1/sync/push. PushID lets the
// backend replay the cached response when a batch is re-sent after a crash
// between acknowledgement and recording.
type PushRequest struct {
	WorkspaceID string        `json:"workspaceId"`
	DeviceID    string        `json:"deviceId"`
	PushID      string        `json:"pushId,omitempty"`
	Changes     []ChangeEvent `json:"changes"`
}

// PushResponse reports how the backend disposed of a pushed batch.
type PushResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

// PullResponse returns the remote changes received after the client's
// checkpoint, plus the server-time watermark the client stores as its new
// checkpoint once every change has been applied.
type PullResponse struct {
	Changes    []ChangeEvent `json:"changes"`
	ServerTime time.Time     `json:"serverTime"`
}

// Workspace is a tenant created through the membership endpoints.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Member is one user's membership in a workspace.
type Member struct {
	WorkspaceID string    `json:"workspaceId"`
	UserID      string    `json:"userId"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Invite is a single-use token granting workspace membership.
type Invite struct {
	Token       string    `json:"token"`
	WorkspaceID string    `json:"workspaceId"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MarshalJSON ensures a nil Changes slice marshals as [] not null.
func (p PullResponse) MarshalJSON() ([]byte, error) {
	if p.Changes == nil {
		p.Changes = []ChangeEvent{}
	}
	type Alias PullResponse
	return json.Marshal(Alias(p))
}
