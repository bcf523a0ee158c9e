// Package workflow implements the ticket lifecycle engine: the state
// machine governing a ticket from creation to archival, its durable
// metadata encoding, and the concurrency-safe transition guards.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/ticketd/metrics"
	"github.com/c360studio/ticketd/platform"
	"github.com/c360studio/ticketd/store"
)

// casAttempts bounds the compare-and-swap retry loop. Guards are
// re-evaluated against the freshly read record on every attempt, so a
// transition never commits on stale authorization.
const casAttempts = 4

// Actor is the user performing a transition, with the platform roles the
// callback arrived with.
type Actor struct {
	ID    string
	Roles []string
}

// Exporter renders and delivers a ticket transcript. Satisfied by
// export.Exporter.
type Exporter interface {
	Export(ctx context.Context, t *store.Ticket) (*store.TranscriptRecord, error)
}

// Engine orchestrates ticket transitions. All methods are safe for
// concurrent use; serialization is per ticket, never global.
type Engine struct {
	gw       platform.Gateway
	tenants  *store.TenantStore
	tickets  store.TicketStore
	exporter Exporter
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[platform.RoomRef]*sync.Mutex
}

// NewEngine wires the engine to its collaborators.
func NewEngine(gw platform.Gateway, tenants *store.TenantStore, tickets store.TicketStore, exporter Exporter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		gw:       gw,
		tenants:  tenants,
		tickets:  tickets,
		exporter: exporter,
		logger:   logger,
		locks:    make(map[platform.RoomRef]*sync.Mutex),
	}
}

// Open creates a ticket for the requester on the panel: creates the room,
// writes initial metadata, and posts the opening prompt with its control
// surface. Guard: the requester holds no non-deleted ticket for the panel.
func (e *Engine) Open(ctx context.Context, tenant string, panelID int64, requester Actor) (t *store.Ticket, err error) {
	defer func() { observe("open", err) }()

	rec, err := e.tenants.Get(tenant)
	if err != nil {
		return nil, err
	}
	panel := rec.Panel(panelID)
	if panel == nil || !panel.Active {
		return nil, ErrPanelNotConfigured
	}
	if taken, err := e.tickets.HasOpen(ctx, tenant, panelID, requester.ID); err != nil {
		return nil, err
	} else if taken {
		return nil, ErrAlreadyOpen
	}
	if err := e.gw.ResolveCategory(ctx, tenant, panel.CategoryRef); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCategoryUnavailable, err)
	}

	ticketID, err := e.tenants.NextTicketID(tenant, panelID)
	if err != nil {
		return nil, err
	}

	overrides := []platform.Override{
		{User: platform.UserRef(requester.ID), Grant: []platform.Capability{platform.CapView, platform.CapSend}},
	}
	for _, hr := range panel.HandlerRoles {
		overrides = append(overrides, platform.Override{
			Role:  hr.RoleID,
			Grant: []platform.Capability{platform.CapView, platform.CapSend},
		})
	}

	name := fmt.Sprintf("%03d-%s", ticketID, slugify(requester.ID))
	room, err := e.gw.CreateRoom(ctx, tenant, panel.CategoryRef, name, overrides)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}

	t = &store.Ticket{
		TenantID:    tenant,
		PanelID:     panelID,
		TicketID:    ticketID,
		RequesterID: requester.ID,
		Status:      store.StatusOpen,
		RoomRef:     room,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := e.tickets.Create(ctx, t); err != nil {
		// Lost a concurrent open for the same slot; the freshly created
		// room is orphaned, remove it.
		_ = e.gw.DeleteRoom(ctx, room)
		if errors.Is(err, store.ErrSlotTaken) {
			return nil, ErrAlreadyOpen
		}
		return nil, err
	}

	e.mirror(ctx, t)
	opening := panel.OpeningText
	if opening == "" {
		opening = "A new ticket has been opened. Staff will be with you shortly."
	}
	if _, err := e.gw.PostPrompt(ctx, room, platform.Message{Body: opening}, TicketControls(tenant, panelID, room)); err != nil {
		e.logger.Warn("post opening prompt", "room", room, "error", err)
	}
	return t, nil
}

// Claim assigns the actor as the ticket's handler. The claim is settable
// exactly once: the compare-and-swap against the revision read with the
// record guarantees a single winner under concurrency; losers receive
// AlreadyClaimedError naming the winner.
func (e *Engine) Claim(ctx context.Context, room platform.RoomRef, actor Actor) (t *store.Ticket, err error) {
	defer func() { observe("claim", err) }()

	for attempt := 0; attempt < casAttempts; attempt++ {
		var rev uint64
		t, rev, err = e.load(ctx, room)
		if err != nil {
			return nil, err
		}
		panel, err := e.panel(t)
		if err != nil {
			return nil, err
		}
		if !panel.Allows(actor.Roles, store.CapClaim) || actor.ID == t.RequesterID {
			return nil, &NotAuthorizedError{Capability: store.CapClaim}
		}
		if t.ClaimerID != "" {
			return nil, &AlreadyClaimedError{Claimer: t.ClaimerID}
		}

		t.ClaimerID = actor.ID
		switch err := e.tickets.Update(ctx, t, rev); {
		case errors.Is(err, store.ErrRevisionConflict):
			metrics.ClaimRaces.Inc()
			continue
		case err != nil:
			return nil, err
		}

		// Cosmetic effects after the committing write.
		newName := fmt.Sprintf("%03d-%s-%s", t.TicketID, slugify(t.RequesterID), slugify(actor.ID))
		if err := e.gw.RenameRoom(ctx, room, newName); err != nil {
			e.logger.Debug("rename on claim", "room", room, "error", err)
		}
		e.post(ctx, room, fmt.Sprintf("Ticket claimed by %s.", actor.ID))
		e.mirror(ctx, t)
		return t, nil
	}
	return nil, store.ErrRevisionConflict
}

// Submit marks the ticket as submitted for review, capturing a reference
// to the requester's most recent room message. Requester-only, Open-only.
func (e *Engine) Submit(ctx context.Context, room platform.RoomRef, actor Actor) (t *store.Ticket, err error) {
	defer func() { observe("submit", err) }()

	for attempt := 0; attempt < casAttempts; attempt++ {
		var rev uint64
		t, rev, err = e.load(ctx, room)
		if err != nil {
			return nil, err
		}
		if actor.ID != t.RequesterID {
			return nil, ErrNotRequester
		}
		switch t.Status {
		case store.StatusOpen:
		case store.StatusSubmitted, store.StatusApproved:
			return nil, ErrAlreadySubmitted
		default:
			return nil, ErrAlreadyClosed
		}

		history, err := e.gw.RoomHistory(ctx, room)
		if err != nil {
			return nil, fmt.Errorf("read room history: %w", err)
		}
		for i := len(history) - 1; i >= 0; i-- {
			if string(history[i].Author) == t.RequesterID {
				t.SubmittedMsgRef = history[i].Ref
				break
			}
		}

		t.Status = store.StatusSubmitted
		switch err := e.tickets.Update(ctx, t, rev); {
		case errors.Is(err, store.ErrRevisionConflict):
			continue
		case err != nil:
			return nil, err
		}
		e.post(ctx, room, "Ticket submitted for review.")
		e.mirror(ctx, t)
		return t, nil
	}
	return nil, store.ErrRevisionConflict
}

// Approve accepts a submitted ticket: grants the requester the approved
// capability in the room, publishes the submitted content to the tenant's
// roster room under a strictly increasing roster entry id, and advances
// the status. A repeated approval is rejected with ErrAlreadyApproved,
// never silently ignored.
//
// The transition is serialized per room. The roster publish runs before
// the committing write, so a concurrent approver must be held at the lock
// until the first commit lands; it then re-reads Approved and fails the
// guard before producing a second post or consuming a second entry id.
func (e *Engine) Approve(ctx context.Context, room platform.RoomRef, actor Actor) (t *store.Ticket, err error) {
	defer func() { observe("approve", err) }()

	lock := e.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	effectsDone := false
	var entry int64
	for attempt := 0; attempt < casAttempts; attempt++ {
		var rev uint64
		t, rev, err = e.load(ctx, room)
		if err != nil {
			return nil, err
		}
		panel, err := e.panel(t)
		if err != nil {
			return nil, err
		}
		if !panel.Allows(actor.Roles, store.CapApprove) {
			return nil, &NotAuthorizedError{Capability: store.CapApprove}
		}
		switch t.Status {
		case store.StatusSubmitted:
		case store.StatusApproved:
			return nil, ErrAlreadyApproved
		default:
			return nil, ErrNotSubmitted
		}

		if !effectsDone {
			entry, err = e.tenants.NextRosterEntry(t.TenantID)
			if err != nil {
				return nil, err
			}
			if err := e.publishRosterEntry(ctx, t, entry); err != nil {
				return nil, err
			}
			if err := e.gw.GrantCapability(ctx, room, platform.UserRef(t.RequesterID), platform.CapApproved); err != nil {
				return nil, fmt.Errorf("grant approved capability: %w", err)
			}
			effectsDone = true
		}

		t.Status = store.StatusApproved
		t.RosterEntry = entry
		switch err := e.tickets.Update(ctx, t, rev); {
		case errors.Is(err, store.ErrRevisionConflict):
			continue
		case err != nil:
			return nil, err
		}
		e.post(ctx, room, fmt.Sprintf("Approved. Roster entry #%d.", entry))
		e.mirror(ctx, t)
		return t, nil
	}
	return nil, store.ErrRevisionConflict
}

// Close locks the ticket: the requester loses the send capability in the
// room. Allowed for the requester, the claimer, or any holder of the
// panel's close capability.
func (e *Engine) Close(ctx context.Context, room platform.RoomRef, actor Actor) (t *store.Ticket, err error) {
	defer func() { observe("close", err) }()

	for attempt := 0; attempt < casAttempts; attempt++ {
		var rev uint64
		t, rev, err = e.load(ctx, room)
		if err != nil {
			return nil, err
		}
		if err := e.authorizeClose(t, actor); err != nil {
			return nil, err
		}
		if t.Status == store.StatusClosed {
			return nil, ErrAlreadyClosed
		}

		if err := e.gw.RevokeCapability(ctx, room, platform.UserRef(t.RequesterID), platform.CapSend); err != nil {
			return nil, fmt.Errorf("revoke send capability: %w", err)
		}
		t.PriorStatus = t.Status
		t.Status = store.StatusClosed
		switch err := e.tickets.Update(ctx, t, rev); {
		case errors.Is(err, store.ErrRevisionConflict):
			continue
		case err != nil:
			return nil, err
		}
		e.post(ctx, room, "Ticket closed.")
		e.mirror(ctx, t)
		return t, nil
	}
	return nil, store.ErrRevisionConflict
}

// Reopen unlocks a closed ticket, restoring the requester's send
// capability and the workflow stage the close interrupted.
func (e *Engine) Reopen(ctx context.Context, room platform.RoomRef, actor Actor) (t *store.Ticket, err error) {
	defer func() { observe("reopen", err) }()

	for attempt := 0; attempt < casAttempts; attempt++ {
		var rev uint64
		t, rev, err = e.load(ctx, room)
		if err != nil {
			return nil, err
		}
		if err := e.authorizeClose(t, actor); err != nil {
			return nil, err
		}
		if t.Status != store.StatusClosed {
			return nil, ErrNotClosed
		}

		if err := e.gw.GrantCapability(ctx, room, platform.UserRef(t.RequesterID), platform.CapSend); err != nil {
			return nil, fmt.Errorf("restore send capability: %w", err)
		}
		t.Status = t.PriorStatus
		if t.Status == "" {
			t.Status = store.StatusOpen
		}
		t.PriorStatus = ""
		switch err := e.tickets.Update(ctx, t, rev); {
		case errors.Is(err, store.ErrRevisionConflict):
			continue
		case err != nil:
			return nil, err
		}
		e.post(ctx, room, "Ticket reopened.")
		e.mirror(ctx, t)
		return t, nil
	}
	return nil, store.ErrRevisionConflict
}

// DeleteAndArchive exports the transcript, removes the room, and marks the
// ticket Deleted (terminal). The transition is serialized per room so the
// transcript is produced at most once; a second call observes the terminal
// state and fails with ErrTicketGone.
//
// A failed export is surfaced as ErrExportFailed but never blocks
// deletion. A permission-refused room delete degrades to a rename-based
// soft delete, reported as ErrRoomDeleteForbidden; the ticket is still
// marked Deleted so it cannot get stuck mid-transition.
func (e *Engine) DeleteAndArchive(ctx context.Context, room platform.RoomRef, actor Actor) (rec *store.TranscriptRecord, err error) {
	defer func() { observe("delete", err) }()

	lock := e.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	t, rev, err := e.load(ctx, room)
	if err != nil {
		return nil, err
	}
	panel, err := e.panel(t)
	if err != nil {
		return nil, err
	}
	if !panel.Allows(actor.Roles, store.CapDelete) {
		return nil, &NotAuthorizedError{Capability: store.CapDelete}
	}

	rec, exportErr := e.exporter.Export(ctx, t)
	if exportErr != nil {
		e.logger.Warn("transcript export failed", "room", room, "ticket", t.TicketID, "error", exportErr)
	} else {
		t.Transcript = rec
	}

	softDeleted := false
	switch delErr := e.gw.DeleteRoom(ctx, room); {
	case delErr == nil, errors.Is(delErr, platform.ErrRoomNotFound):
	case errors.Is(delErr, platform.ErrForbidden):
		softDeleted = true
		marker := fmt.Sprintf("closed-%03d-%s", t.TicketID, slugify(t.RequesterID))
		if err := e.gw.RenameRoom(ctx, room, marker); err != nil {
			e.logger.Warn("soft-delete rename failed", "room", room, "error", err)
		}
	default:
		return nil, fmt.Errorf("delete room: %w", delErr)
	}

	t.Status = store.StatusDeleted
	for {
		err := e.tickets.Update(ctx, t, rev)
		if !errors.Is(err, store.ErrRevisionConflict) {
			if err != nil {
				return nil, err
			}
			break
		}
		// A concurrent transition slipped in between our read and the
		// room removal; carry its fields forward and re-commit.
		latest, latestRev, err := e.tickets.Get(ctx, room)
		if err != nil {
			return nil, err
		}
		latest.Status = store.StatusDeleted
		latest.Transcript = t.Transcript
		t, rev = latest, latestRev
	}

	switch {
	case exportErr != nil:
		return nil, fmt.Errorf("%w: %v", ErrExportFailed, exportErr)
	case softDeleted:
		return rec, ErrRoomDeleteForbidden
	}
	return rec, nil
}

func (e *Engine) authorizeClose(t *store.Ticket, actor Actor) error {
	if actor.ID == t.RequesterID || (t.ClaimerID != "" && actor.ID == t.ClaimerID) {
		return nil
	}
	panel, err := e.panel(t)
	if err != nil {
		return err
	}
	if !panel.Allows(actor.Roles, store.CapClose) {
		return &NotAuthorizedError{Capability: store.CapClose}
	}
	return nil
}

// publishRosterEntry posts the submitted content to the tenant's roster
// room, if one is configured. Allocated entry ids stay strictly increasing
// even when no roster room exists.
func (e *Engine) publishRosterEntry(ctx context.Context, t *store.Ticket, entry int64) error {
	rec, err := e.tenants.Get(t.TenantID)
	if err != nil {
		return err
	}
	if rec.RosterRoom == "" {
		return nil
	}
	content := ""
	if t.SubmittedMsgRef != "" {
		history, err := e.gw.RoomHistory(ctx, t.RoomRef)
		if err != nil {
			return fmt.Errorf("read submitted content: %w", err)
		}
		for _, msg := range history {
			if msg.Ref == t.SubmittedMsgRef {
				content = msg.Body
				break
			}
		}
	}
	body := fmt.Sprintf("Roster entry #%d by %s", entry, t.RequesterID)
	if content != "" {
		body += "\n" + content
	}
	if _, err := e.gw.PostMessage(ctx, rec.RosterRoom, platform.Message{Body: body}); err != nil {
		return fmt.Errorf("publish roster entry: %w", err)
	}
	return nil
}

// load fetches the ticket for a room, translating missing records and the
// terminal state to ErrTicketGone.
func (e *Engine) load(ctx context.Context, room platform.RoomRef) (*store.Ticket, uint64, error) {
	t, rev, err := e.tickets.Get(ctx, room)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			return nil, 0, ErrTicketGone
		}
		return nil, 0, err
	}
	if t.Status == store.StatusDeleted {
		return nil, 0, ErrTicketGone
	}
	return t, rev, nil
}

func (e *Engine) panel(t *store.Ticket) (*store.Panel, error) {
	rec, err := e.tenants.Get(t.TenantID)
	if err != nil {
		return nil, err
	}
	// A deactivated panel blocks new tickets only; existing tickets keep
	// their full lifecycle.
	panel := rec.Panel(t.PanelID)
	if panel == nil {
		return nil, ErrPanelNotConfigured
	}
	return panel, nil
}

// mirror writes the human-readable metadata mirror. The store record is
// authoritative; mirror failures are logged and ignored.
func (e *Engine) mirror(ctx context.Context, t *store.Ticket) {
	encoded, err := EncodeTicket(t)
	if err != nil {
		e.logger.Warn("encode ticket metadata", "room", t.RoomRef, "error", err)
		return
	}
	if err := e.gw.SetRoomMetadata(ctx, t.RoomRef, encoded); err != nil {
		e.logger.Debug("set room metadata", "room", t.RoomRef, "error", err)
	}
}

func (e *Engine) post(ctx context.Context, room platform.RoomRef, body string) {
	if _, err := e.gw.PostMessage(ctx, room, platform.Message{Body: body}); err != nil {
		e.logger.Debug("post transition notice", "room", room, "error", err)
	}
}

func (e *Engine) roomLock(room platform.RoomRef) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[room]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[room] = lock
	}
	return lock
}

func observe(op string, err error) {
	switch {
	case err == nil:
		metrics.Transitions.WithLabelValues(op, metrics.OutcomeOK).Inc()
	case IsGuardFailure(err):
		metrics.Transitions.WithLabelValues(op, metrics.OutcomeRejected).Inc()
	default:
		metrics.Transitions.WithLabelValues(op, metrics.OutcomeError).Inc()
	}
}

// slugify reduces a user reference to the lowercase alphanumeric form used
// in room names.
func slugify(name string) string {
	name = strings.ToLower(name)
	var b strings.Builder
	lastSep := false
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '_', ch == '-':
			b.WriteRune(ch)
			lastSep = false
		default:
			if !lastSep {
				b.WriteRune('-')
			}
			lastSep = true
		}
	}
	slug := strings.Trim(b.String(), "-_")
	if len(slug) > 32 {
		slug = strings.TrimRight(slug[:32], "-_")
	}
	if slug == "" {
		return "user"
	}
	return slug
}
