package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/ticketd/platform"
	"github.com/c360studio/ticketd/store"
)

// metaPrefix namespaces ticket metadata so it coexists with metadata
// written by unrelated features sharing the room. The digit is the
// encoding version.
const metaPrefix = "tkt1"

// EncodeTicket serializes the ticket's durable fields into the bounded
// room-metadata string. Field values must not contain '|' or '='; room and
// user references from the platform never do. Timestamps are carried at
// second precision.
func EncodeTicket(t *store.Ticket) (string, error) {
	pairs := []string{
		metaPrefix,
		"tenant=" + t.TenantID,
		"panel=" + strconv.FormatInt(t.PanelID, 10),
		"ticket=" + strconv.FormatInt(t.TicketID, 10),
		"requester=" + t.RequesterID,
		"status=" + string(t.Status),
		"room=" + string(t.RoomRef),
		"created=" + strconv.FormatInt(t.CreatedAt.Unix(), 10),
	}
	if t.ClaimerID != "" {
		pairs = append(pairs, "claimer="+t.ClaimerID)
	}
	if t.PriorStatus != "" {
		pairs = append(pairs, "prior="+string(t.PriorStatus))
	}
	if t.SubmittedMsgRef != "" {
		pairs = append(pairs, "smsg="+string(t.SubmittedMsgRef))
	}
	if t.RosterEntry != 0 {
		pairs = append(pairs, "entry="+strconv.FormatInt(t.RosterEntry, 10))
	}
	encoded := strings.Join(pairs, "|")
	if len(encoded) > platform.MaxMetadataLen {
		return "", fmt.Errorf("encoded ticket state is %d bytes, metadata limit is %d", len(encoded), platform.MaxMetadataLen)
	}
	return encoded, nil
}

// DecodeTicket parses a room-metadata string back into ticket fields. It
// never fails: foreign or corrupt input yields (nil, false), meaning "no
// ticket state", and unknown keys or unparsable values are ignored field by
// field. DecodeTicket(EncodeTicket(t)) reproduces t for every ticket whose
// transient fields (transcript) are unset.
func DecodeTicket(raw string) (*store.Ticket, bool) {
	if raw != metaPrefix && !strings.HasPrefix(raw, metaPrefix+"|") {
		return nil, false
	}
	t := &store.Ticket{}
	for _, pair := range strings.Split(raw, "|")[1:] {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		switch k {
		case "tenant":
			t.TenantID = v
		case "panel":
			t.PanelID, _ = strconv.ParseInt(v, 10, 64)
		case "ticket":
			t.TicketID, _ = strconv.ParseInt(v, 10, 64)
		case "requester":
			t.RequesterID = v
		case "claimer":
			t.ClaimerID = v
		case "status":
			t.Status = store.Status(v)
		case "prior":
			t.PriorStatus = store.Status(v)
		case "room":
			t.RoomRef = platform.RoomRef(v)
		case "smsg":
			t.SubmittedMsgRef = platform.MessageRef(v)
		case "entry":
			t.RosterEntry, _ = strconv.ParseInt(v, 10, 64)
		case "created":
			if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
				t.CreatedAt = time.Unix(sec, 0).UTC()
			}
		}
	}
	return t, true
}
