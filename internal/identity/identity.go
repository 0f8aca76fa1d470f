// Package identity supplies the authenticated user, workspace, and device
// context that gates whether syncing is permitted at all.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hyperengineering/tradebook/internal/store"
)

// Role is a member's role within a workspace.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// Context is the identity under which the engine operates. WorkspaceID
// absence means the device is still onboarding and sync stays disabled.
type Context struct {
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
	DeviceID    string `json:"deviceId"`
	Role        Role   `json:"role"`
}

// SyncReady reports whether a sync cycle is permitted under this identity.
func (c Context) SyncReady() bool {
	return c.UserID != "" && c.WorkspaceID != "" && c.DeviceID != ""
}

// MetaStore is the persistence seam the provider needs. Implemented by
// store.SQLiteStore.
type MetaStore interface {
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
	DeleteSyncMeta(ctx context.Context, key string) error
}

const (
	metaKeyIdentity = "identity"
	metaKeyDeviceID = "device_id"
)

// Provider holds the current identity, persists it across restarts, and
// owns the stable per-install device id.
type Provider struct {
	store MetaStore

	mu       sync.RWMutex
	current  *Context
	deviceID string
}

// NewProvider loads the persisted identity (if any) and ensures the device
// id exists. The device id is generated once per install and survives
// sign-out and data reset.
func NewProvider(ctx context.Context, metaStore MetaStore) (*Provider, error) {
	p := &Provider{store: metaStore}

	deviceID, err := metaStore.GetSyncMeta(ctx, metaKeyDeviceID)
	if errors.Is(err, store.ErrNotFound) {
		deviceID = uuid.NewString()
		if err := metaStore.SetSyncMeta(ctx, metaKeyDeviceID, deviceID); err != nil {
			return nil, fmt.Errorf("persist device id: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load device id: %w", err)
	}
	p.deviceID = deviceID

	raw, err := metaStore.GetSyncMeta(ctx, metaKeyIdentity)
	if errors.Is(err, store.ErrNotFound) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	var ident Context
	if err := json.Unmarshal([]byte(raw), &ident); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	ident.DeviceID = deviceID
	p.current = &ident
	return p, nil
}

// DeviceID returns the stable per-install device identifier.
func (p *Provider) DeviceID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.deviceID
}

// Current returns the active identity, if signed in.
func (p *Provider) Current() (Context, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return Context{}, false
	}
	return *p.current, true
}

// CurrentWorkspaceID returns the linked workspace, if signed in to one.
func (p *Provider) CurrentWorkspaceID() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil || p.current.WorkspaceID == "" {
		return "", false
	}
	return p.current.WorkspaceID, true
}

// SignIn stores and persists the identity. The provider's device id always
// wins over whatever the caller supplies.
func (p *Provider) SignIn(ctx context.Context, ident Context) error {
	if ident.UserID == "" {
		return errors.New("sign in requires a user id")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ident.DeviceID = p.deviceID
	raw, err := json.Marshal(ident)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := p.store.SetSyncMeta(ctx, metaKeyIdentity, string(raw)); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	p.current = &ident
	return nil
}

// SignOut destroys the identity. Further sync cycles halt until the next
// sign-in.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.DeleteSyncMeta(ctx, metaKeyIdentity); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	p.current = nil
	return nil
}

// Clear drops the identity after an authentication failure observed
// elsewhere. Identical to SignOut, kept separate so the call sites read as
// what they are: the coordinator halting itself rather than a user action.
func (p *Provider) Clear(ctx context.Context) error {
	return p.SignOut(ctx)
}
