package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360studio/ticketd/platform"
)

// Action names the lifecycle operation a control triggers.
type Action string

const (
	ActionOpen    Action = "open"
	ActionClaim   Action = "claim"
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionClose   Action = "close"
	ActionReopen  Action = "reopen"
	ActionDelete  Action = "delete"
)

// EncodeControlID builds a control identifier that carries everything
// needed to route the callback after a process restart: tenant, panel,
// action, and (for in-room controls) the room reference. No in-memory
// closure is ever required to interpret it.
// Format: tkt1:<tenant>:<panel>:<action>[:<room>]
func EncodeControlID(action Action, tenant string, panelID int64, room platform.RoomRef) string {
	id := fmt.Sprintf("%s:%s:%d:%s", metaPrefix, tenant, panelID, action)
	if room != "" {
		id += ":" + string(room)
	}
	return id
}

// ParseControlID decodes a control identifier. Returns an error for ids
// that do not belong to this system.
func ParseControlID(id string) (action Action, tenant string, panelID int64, room platform.RoomRef, err error) {
	parts := strings.SplitN(id, ":", 5)
	if len(parts) < 4 || parts[0] != metaPrefix {
		return "", "", 0, "", fmt.Errorf("foreign control id: %q", id)
	}
	panelID, perr := strconv.ParseInt(parts[2], 10, 64)
	if perr != nil {
		return "", "", 0, "", fmt.Errorf("bad panel id in control %q: %w", id, perr)
	}
	action = Action(parts[3])
	switch action {
	case ActionOpen, ActionClaim, ActionSubmit, ActionApprove, ActionClose, ActionReopen, ActionDelete:
	default:
		return "", "", 0, "", fmt.Errorf("unknown action in control %q", id)
	}
	if len(parts) == 5 {
		room = platform.RoomRef(parts[4])
	}
	return action, parts[1], panelID, room, nil
}

// TicketControls returns the control surface posted into a ticket room.
func TicketControls(tenant string, panelID int64, room platform.RoomRef) []platform.Control {
	return []platform.Control{
		{ID: EncodeControlID(ActionClaim, tenant, panelID, room), Label: "Claim"},
		{ID: EncodeControlID(ActionSubmit, tenant, panelID, room), Label: "Submit", Style: "primary"},
		{ID: EncodeControlID(ActionApprove, tenant, panelID, room), Label: "Approve", Style: "success"},
		{ID: EncodeControlID(ActionClose, tenant, panelID, room), Label: "Close", Style: "danger"},
		{ID: EncodeControlID(ActionReopen, tenant, panelID, room), Label: "Reopen", Style: "success"},
		{ID: EncodeControlID(ActionDelete, tenant, panelID, room), Label: "Delete", Style: "danger"},
	}
}
