// Package store owns the durable records of the ticket system: the
// per-tenant configuration document (panels, counters, handler roles) and
// the per-room ticket side-records.
package store

import (
	"time"

	"github.com/c360studio/ticketd/platform"
)

// Status is the workflow stage of a ticket. The workflow axis only advances
// along Open -> Submitted -> Approved -> Closed -> Deleted; Closed can also
// fall back to the stage it interrupted, and Deleted is terminal.
type Status string

const (
	StatusOpen      Status = "open"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusClosed    Status = "closed"
	StatusDeleted   Status = "deleted"
)

// CanTransitionTo reports whether the workflow axis allows moving from s
// to target. The claim axis is independent and not covered here.
func (s Status) CanTransitionTo(target Status) bool {
	if s == StatusDeleted {
		return false
	}
	if target == StatusDeleted || target == StatusClosed {
		return true
	}
	switch s {
	case StatusOpen:
		return target == StatusSubmitted
	case StatusSubmitted:
		return target == StatusApproved
	case StatusClosed:
		// Reopen restores the interrupted stage.
		return target == StatusOpen || target == StatusSubmitted || target == StatusApproved
	}
	return false
}

// Cap is a panel-scoped handler capability.
type Cap string

const (
	CapClaim   Cap = "claim"
	CapClose   Cap = "close"
	CapApprove Cap = "approve"
	CapDelete  Cap = "delete"
)

// HandlerRole binds a platform role to the capabilities it grants for one
// panel. Capabilities are panel-scoped, never global.
type HandlerRole struct {
	RoleID     string `json:"role_id"`
	CanClaim   bool   `json:"can_claim"`
	CanClose   bool   `json:"can_close"`
	CanApprove bool   `json:"can_approve"`
	CanDelete  bool   `json:"can_delete"`
}

// Can reports whether the role grants the capability.
func (r HandlerRole) Can(c Cap) bool {
	switch c {
	case CapClaim:
		return r.CanClaim
	case CapClose:
		return r.CanClose
	case CapApprove:
		return r.CanApprove
	case CapDelete:
		return r.CanDelete
	}
	return false
}

// Panel is a configured entry point from which a requester can open a
// ticket. Panel ids are sequential per tenant and never reused, even after
// deactivation.
type Panel struct {
	TenantID     string        `json:"tenant_id"`
	PanelID      int64         `json:"panel_id"`
	CategoryRef  string        `json:"category_ref"`
	OpeningText  string        `json:"opening_text"`
	HandlerRoles []HandlerRole `json:"handler_roles"`
	Active       bool          `json:"active"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Allows reports whether any of the actor's roles grants the capability on
// this panel.
func (p *Panel) Allows(roleIDs []string, c Cap) bool {
	for _, hr := range p.HandlerRoles {
		if !hr.Can(c) {
			continue
		}
		for _, id := range roleIDs {
			if id == hr.RoleID {
				return true
			}
		}
	}
	return false
}

// TranscriptRecord is produced once per archival. Re-export returns the
// cached record instead of generating a second transcript.
type TranscriptRecord struct {
	TicketID       int64     `json:"ticket_id"`
	GeneratedAt    time.Time `json:"generated_at"`
	DeliveryTarget string    `json:"delivery_target"`
	RemoteURL      string    `json:"remote_url,omitempty"`
}

// Ticket is one requester's request, bound to one private room. RoomRef is
// valid until Status becomes Deleted; ClaimerID, once set, never changes.
type Ticket struct {
	TenantID        string              `json:"tenant_id"`
	PanelID         int64               `json:"panel_id"`
	TicketID        int64               `json:"ticket_id"`
	RequesterID     string              `json:"requester_id"`
	ClaimerID       string              `json:"claimer_id,omitempty"`
	Status          Status              `json:"status"`
	PriorStatus     Status              `json:"prior_status,omitempty"`
	RoomRef         platform.RoomRef    `json:"room_ref"`
	SubmittedMsgRef platform.MessageRef `json:"submitted_msg_ref,omitempty"`
	RosterEntry     int64               `json:"roster_entry,omitempty"`
	Transcript      *TranscriptRecord   `json:"transcript,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

// TenantRecord is the per-tenant durable document. It is rewritten in full
// on every mutation; construction defaults are applied on first access.
type TenantRecord struct {
	TenantID        string           `json:"tenant_id"`
	Panels          []Panel          `json:"panels"`
	NextPanelID     int64            `json:"next_panel_id"`
	TicketCounters  map[string]int64 `json:"ticket_counters"`
	NextRosterEntry int64            `json:"next_roster_entry"`
	RosterRoom      platform.RoomRef `json:"roster_room,omitempty"`
	ArchiveRoom     platform.RoomRef `json:"archive_room,omitempty"`
	ObjectStore     bool             `json:"object_store,omitempty"`
}

// Panel returns the panel with the given id, or nil.
func (t *TenantRecord) Panel(panelID int64) *Panel {
	for i := range t.Panels {
		if t.Panels[i].PanelID == panelID {
			return &t.Panels[i]
		}
	}
	return nil
}
