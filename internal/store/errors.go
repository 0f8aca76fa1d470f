package store

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/tradebook/internal/types"
)

var (
	// ErrNotFound is returned when an entity or metadata key does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrMalformedEvent is returned when a remote change event fails to
	// parse or validate. Callers skip the single event and keep going.
	ErrMalformedEvent = errors.New("malformed change event")

	// ErrInviteUsed is returned when an invite token was already accepted.
	ErrInviteUsed = errors.New("invite already accepted")
)

// ReferentialIntegrityError rejects an interactive delete of a part or
// labor item that is still referenced by document line items.
type ReferentialIntegrityError struct {
	EntityType types.EntityType
	EntityID   string
	References int
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("%s %s is referenced by %d document(s) and cannot be deleted",
		e.EntityType, e.EntityID, e.References)
}

// TieBreak selects the winner when a remote update carries exactly the same
// timestamp as the local record. The backend has already achieved
// cross-device ordering, so remote-wins is the default.
type TieBreak string

const (
	TieBreakRemote TieBreak = "remote"
	TieBreakLocal  TieBreak = "local"
)
