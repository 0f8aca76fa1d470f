package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	tbsync "github.com/hyperengineering/tradebook/internal/sync"
)

// Workspace/membership endpoints share the gateway's base URL and API key
// but are consumed by the identity provider during onboarding, not by the
// sync coordinator. Onboarding calls retry with fibonacci backoff; sync
// cycles never do, since their retry is simply the next cycle.

const membershipRetryLimit = 4

// CreateWorkspace creates a workspace owned by the given user.
func (g *HTTPGateway) CreateWorkspace(ctx context.Context, name, ownerID string) (*tbsync.Workspace, error) {
	body := map[string]string{"name": name, "ownerId": ownerID}
	var ws tbsync.Workspace
	if err := g.membershipCall(ctx, http.MethodPost, "/api/v1/workspaces", body, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// CreateInvite issues an invite token for a workspace.
func (g *HTTPGateway) CreateInvite(ctx context.Context, workspaceID, role string) (*tbsync.Invite, error) {
	body := map[string]string{"role": role}
	var inv tbsync.Invite
	path := "/api/v1/workspaces/" + workspaceID + "/invites"
	if err := g.membershipCall(ctx, http.MethodPost, path, body, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// AcceptInvite consumes an invite token on behalf of a user.
func (g *HTTPGateway) AcceptInvite(ctx context.Context, token, userID string) (*tbsync.Member, error) {
	body := map[string]string{"userId": userID}
	var member tbsync.Member
	path := "/api/v1/invites/" + token + "/accept"
	if err := g.membershipCall(ctx, http.MethodPost, path, body, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// ListMembers returns the members of a workspace.
func (g *HTTPGateway) ListMembers(ctx context.Context, workspaceID string) ([]tbsync.Member, error) {
	var members []tbsync.Member
	path := "/api/v1/workspaces/" + workspaceID + "/members"
	if err := g.membershipCall(ctx, http.MethodGet, path, nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// membershipCall performs one endpoint call with backoff on transient
// failures. Auth and client errors are terminal.
func (g *HTTPGateway) membershipCall(ctx context.Context, method, path string, body, out interface{}) error {
	backoff := retry.WithMaxRetries(membershipRetryLimit, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := g.sendRequest(ctx, method, path, body)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if err := checkStatus(resp); err != nil {
			if errors.Is(err, ErrRemoteUnavailable) && resp.StatusCode >= 500 {
				return retry.RetryableError(err)
			}
			return err
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	})
}
