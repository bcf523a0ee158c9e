package workflow

import (
	"errors"
	"fmt"

	"github.com/c360studio/ticketd/store"
)

// Guard failures. These are reported only to the acting user, never
// broadcast into the room.
var (
	// ErrAlreadyOpen rejects opening a second ticket for the same panel.
	ErrAlreadyOpen = errors.New("requester already has an open ticket for this panel")
	// ErrPanelNotConfigured rejects actions against a missing or
	// deactivated panel.
	ErrPanelNotConfigured = errors.New("panel not configured")
	// ErrCategoryUnavailable rejects opening when the panel's category no
	// longer resolves.
	ErrCategoryUnavailable = errors.New("category unavailable")
	// ErrNotRequester rejects submit by anyone but the ticket's requester.
	ErrNotRequester = errors.New("only the requester may submit")
	// ErrAlreadySubmitted rejects a repeated submit.
	ErrAlreadySubmitted = errors.New("ticket already submitted")
	// ErrNotSubmitted rejects approval of a ticket that has not been
	// submitted yet.
	ErrNotSubmitted = errors.New("ticket not submitted yet")
	// ErrAlreadyApproved rejects a repeated approval.
	ErrAlreadyApproved = errors.New("ticket already approved")
	// ErrAlreadyClosed rejects closing a closed ticket.
	ErrAlreadyClosed = errors.New("ticket already closed")
	// ErrNotClosed rejects reopening a ticket that is not closed.
	ErrNotClosed = errors.New("ticket is not closed")
	// ErrTicketGone rejects any action on a deleted ticket.
	ErrTicketGone = errors.New("ticket no longer exists")
	// ErrExportFailed marks an archival that could not deliver a
	// transcript. It does not block deletion.
	ErrExportFailed = errors.New("transcript export failed")
	// ErrRoomDeleteForbidden marks a deletion that degraded to the
	// rename-based soft delete because the platform refused the remove.
	ErrRoomDeleteForbidden = errors.New("room deletion forbidden, soft-deleted instead")
)

// AlreadyClaimedError reports a lost claim race, naming the winner.
type AlreadyClaimedError struct {
	Claimer string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("ticket already claimed by %s", e.Claimer)
}

// NotAuthorizedError reports a missing panel-scoped capability.
type NotAuthorizedError struct {
	Capability store.Cap
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("missing %s capability for this panel", e.Capability)
}

// IsGuardFailure reports whether err is an ordinary guard rejection (as
// opposed to an infrastructure failure). Duplicate callback deliveries
// resolve to guard failures and must never escalate.
func IsGuardFailure(err error) bool {
	var claimed *AlreadyClaimedError
	var unauthorized *NotAuthorizedError
	switch {
	case errors.As(err, &claimed), errors.As(err, &unauthorized):
		return true
	}
	for _, guard := range []error{
		ErrAlreadyOpen, ErrPanelNotConfigured, ErrCategoryUnavailable,
		ErrNotRequester, ErrAlreadySubmitted, ErrNotSubmitted,
		ErrAlreadyApproved, ErrAlreadyClosed, ErrNotClosed, ErrTicketGone,
	} {
		if errors.Is(err, guard) {
			return true
		}
	}
	return false
}
