package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/ticketd/platform"
	"github.com/c360studio/ticketd/store"
)

const (
	testTenant   = "guild-1"
	testCategory = "cat-requests"
	roleStaff    = "role-staff"
	roleReviewer = "role-reviewer"
)

var (
	requester = Actor{ID: "user-42"}
	staff     = Actor{ID: "staff-7", Roles: []string{roleStaff}}
	staff2    = Actor{ID: "staff-8", Roles: []string{roleStaff}}
	reviewer  = Actor{ID: "reviewer-1", Roles: []string{roleReviewer}}
	stranger  = Actor{ID: "lurker-9"}
)

type stubExporter struct {
	mu    sync.Mutex
	calls int
	rec   *store.TranscriptRecord
	err   error
}

func (s *stubExporter) Export(_ context.Context, t *store.Ticket) (*store.TranscriptRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.rec != nil {
		return s.rec, nil
	}
	return &store.TranscriptRecord{
		TicketID:       t.TicketID,
		GeneratedAt:    time.Now().UTC(),
		DeliveryTarget: "inline",
	}, nil
}

type fixture struct {
	gw       *platform.Fake
	tenants  *store.TenantStore
	tickets  *store.MemTicketStore
	exporter *stubExporter
	engine   *Engine
	roster   platform.RoomRef
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := platform.NewFake()
	gw.AddCategory(testTenant, testCategory)

	tenants, err := store.NewTenantStore(t.TempDir(), nil)
	require.NoError(t, err)

	roster, err := gw.CreateRoom(context.Background(), testTenant, testCategory, "roster", nil)
	require.NoError(t, err)

	require.NoError(t, tenants.Mutate(testTenant, func(rec *store.TenantRecord) error {
		rec.RosterRoom = roster
		rec.Panels = append(rec.Panels, store.Panel{
			TenantID:    testTenant,
			PanelID:     rec.NextPanelID,
			CategoryRef: testCategory,
			OpeningText: "Welcome, describe your request.",
			HandlerRoles: []store.HandlerRole{
				{RoleID: roleStaff, CanClaim: true, CanClose: true, CanDelete: true},
				{RoleID: roleReviewer, CanApprove: true},
			},
			Active:    true,
			CreatedAt: time.Now().UTC(),
		})
		rec.NextPanelID++
		return nil
	}))

	exporter := &stubExporter{}
	tickets := store.NewMemTicketStore()
	return &fixture{
		gw:       gw,
		tenants:  tenants,
		tickets:  tickets,
		exporter: exporter,
		engine:   NewEngine(gw, tenants, tickets, exporter, nil),
		roster:   roster,
	}
}

func (f *fixture) open(t *testing.T) *store.Ticket {
	t.Helper()
	tk, err := f.engine.Open(context.Background(), testTenant, 1, requester)
	require.NoError(t, err)
	return tk
}

func TestEngine_Open(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk := f.open(t)
	assert.EqualValues(t, 1, tk.TicketID)
	assert.Equal(t, store.StatusOpen, tk.Status)

	room := f.gw.Room(tk.RoomRef)
	require.NotNil(t, room)
	assert.Equal(t, "001-user-42", room.Name)
	assert.True(t, room.HasCapability("user-42", platform.CapView))
	assert.True(t, room.HasCapability("user-42", platform.CapSend))

	// The opening prompt carries the full control surface.
	require.Len(t, room.History, 1)
	assert.Equal(t, "Welcome, describe your request.", room.History[0].Body)
	controls := room.Controls[room.History[0].Ref]
	assert.Len(t, controls, 6)

	// Metadata mirror round-trips the durable state.
	mirrored, ok := DecodeTicket(room.Metadata)
	require.True(t, ok)
	assert.Equal(t, tk.RoomRef, mirrored.RoomRef)
	assert.Equal(t, tk.RequesterID, mirrored.RequesterID)
	assert.Equal(t, store.StatusOpen, mirrored.Status)

	// One open slot per (panel, requester).
	_, err := f.engine.Open(ctx, testTenant, 1, requester)
	assert.ErrorIs(t, err, ErrAlreadyOpen)
	assert.Equal(t, 2, f.gw.Rooms()) // roster + the one ticket room
}

func TestEngine_OpenGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Open(ctx, testTenant, 99, requester)
	assert.ErrorIs(t, err, ErrPanelNotConfigured)

	require.NoError(t, f.tenants.Mutate(testTenant, func(rec *store.TenantRecord) error {
		rec.Panel(1).Active = false
		return nil
	}))
	_, err = f.engine.Open(ctx, testTenant, 1, requester)
	assert.ErrorIs(t, err, ErrPanelNotConfigured)

	require.NoError(t, f.tenants.Mutate(testTenant, func(rec *store.TenantRecord) error {
		rec.Panel(1).Active = true
		rec.Panel(1).CategoryRef = "cat-gone"
		return nil
	}))
	_, err = f.engine.Open(ctx, testTenant, 1, requester)
	assert.ErrorIs(t, err, ErrCategoryUnavailable)
}

func TestEngine_PerPanelNumbering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tenants.Mutate(testTenant, func(rec *store.TenantRecord) error {
		second := *rec.Panel(1)
		second.PanelID = rec.NextPanelID
		rec.NextPanelID++
		rec.Panels = append(rec.Panels, second)
		return nil
	}))

	first, err := f.engine.Open(ctx, testTenant, 1, requester)
	require.NoError(t, err)
	second, err := f.engine.Open(ctx, testTenant, 2, requester)
	require.NoError(t, err)

	// Counters are independent per panel; both tickets are #1.
	assert.EqualValues(t, 1, first.TicketID)
	assert.EqualValues(t, 1, second.TicketID)
}

func TestEngine_Claim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.open(t)

	_, err := f.engine.Claim(ctx, tk.RoomRef, stranger)
	var unauthorized *NotAuthorizedError
	assert.ErrorAs(t, err, &unauthorized)

	// The requester never claims their own ticket, staff role or not.
	self := Actor{ID: requester.ID, Roles: []string{roleStaff}}
	_, err = f.engine.Claim(ctx, tk.RoomRef, self)
	assert.ErrorAs(t, err, &unauthorized)

	claimed, err := f.engine.Claim(ctx, tk.RoomRef, staff)
	require.NoError(t, err)
	assert.Equal(t, staff.ID, claimed.ClaimerID)
	assert.Equal(t, "001-user-42-staff-7", f.gw.Room(tk.RoomRef).Name)

	// The claim is settable exactly once.
	_, err = f.engine.Claim(ctx, tk.RoomRef, staff2)
	var already *AlreadyClaimedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, staff.ID, already.Claimer)
}

func TestEngine_ClaimConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.open(t)

	const contenders = 8
	winners := make(chan string, contenders)
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		actor := Actor{ID: fmt.Sprintf("staff-c%d", i), Roles: []string{roleStaff}}
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := f.engine.Claim(ctx, tk.RoomRef, actor)
			if err == nil {
				winners <- claimed.ClaimerID
				return
			}
			var already *AlreadyClaimedError
			assert.ErrorAs(t, err, &already)
		}()
	}
	wg.Wait()
	close(winners)

	require.Len(t, winners, 1)
	winner := <-winners
	stored, _, err := f.tickets.Get(ctx, tk.RoomRef)
	require.NoError(t, err)
	assert.Equal(t, winner, stored.ClaimerID)
}

func TestEngine_Submit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.open(t)

	_, err := f.engine.Submit(ctx, tk.RoomRef, staff)
	assert.ErrorIs(t, err, ErrNotRequester)

	f.gw.AddHistory(tk.RoomRef, platform.UserRef(requester.ID), "first draft")
	want := f.gw.AddHistory(tk.RoomRef, platform.UserRef(requester.ID), "final draft")
	f.gw.AddHistory(tk.RoomRef, platform.UserRef(staff.ID), "looks good")

	submitted, err := f.engine.Submit(ctx, tk.RoomRef, requester)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSubmitted, submitted.Status)
	assert.Equal(t, want, submitted.SubmittedMsgRef)

	_, err = f.engine.Submit(ctx, tk.RoomRef, requester)
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestEngine_Approve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.open(t)

	_, err := f.engine.Approve(ctx, tk.RoomRef, reviewer)
	assert.ErrorIs(t, err, ErrNotSubmitted)

	f.gw.AddHistory(tk.RoomRef, platform.UserRef(requester.ID), "my application")
	_, err = f.engine.Submit(ctx, tk.RoomRef, requester)
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, tk.RoomRef, staff)
	var unauthorized *NotAuthorizedError
	assert.ErrorAs(t, err, &unauthorized)

	approved, err := f.engine.Approve(ctx, tk.RoomRef, reviewer)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, approved.Status)
	assert.EqualValues(t, 1, approved.RosterEntry)
	assert.True(t, f.gw.Room(tk.RoomRef).HasCapability(platform.UserRef(requester.ID), platform.CapApproved))

	// The submitted content reaches the roster room.
	rosterHistory, err := f.gw.RoomHistory(ctx, f.roster)
	require.NoError(t, err)
	require.Len(t, rosterHistory, 1)
	assert.Contains(t, rosterHistory[0].Body, "Roster entry #1")
	assert.Contains(t, rosterHistory[0].Body, "my application")

	// Approval is rejected on repeat, never silently ignored.
	_, err = f.engine.Approve(ctx, tk.RoomRef, reviewer)
	assert.ErrorIs(t, err, ErrAlreadyApproved)
}

// slowRosterGateway delays the first roster post, widening the window
// between the roster publish and the committing write so a concurrent
// approver has time to run.
type slowRosterGateway struct {
	*platform.Fake
	roster platform.RoomRef
	delay  time.Duration
	once   sync.Once
}

func (g *slowRosterGateway) PostMessage(ctx context.Context, room platform.RoomRef, msg platform.Message) (platform.MessageRef, error) {
	if room == g.roster {
		g.once.Do(func() { time.Sleep(g.delay) })
	}
	return g.Fake.PostMessage(ctx, room, msg)
}

func TestEngine_ApproveConcurrentPublishesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	slow := &slowRosterGateway{Fake: f.gw, roster: f.roster, delay: 100 * time.Millisecond}
	engine := NewEngine(slow, f.tenants, f.tickets, f.exporter, nil)

	tk, err := engine.Open(ctx, testTenant, 1, requester)
	require.NoError(t, err)
	f.gw.AddHistory(tk.RoomRef, platform.UserRef(requester.ID), "my application")
	_, err = engine.Submit(ctx, tk.RoomRef, requester)
	require.NoError(t, err)

	reviewer2 := Actor{ID: "reviewer-2", Roles: []string{roleReviewer}}
	errs := make(chan error, 2)
	for _, actor := range []Actor{reviewer, reviewer2} {
		actor := actor
		go func() {
			_, err := engine.Approve(ctx, tk.RoomRef, actor)
			errs <- err
		}()
	}

	var failures []error
	successes := 0
	for i := 0; i < 2; i++ {
		if err := <-errs; err == nil {
			successes++
		} else {
			failures = append(failures, err)
		}
	}
	require.Equal(t, 1, successes)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrAlreadyApproved)

	// Exactly one roster post and one consumed entry id.
	history, err := f.gw.RoomHistory(ctx, f.roster)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Body, "Roster entry #1")

	stored, _, err := f.tickets.Get(ctx, tk.RoomRef)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.RosterEntry)
	next, err := f.tenants.NextRosterEntry(testTenant)
	require.NoError(t, err)
	assert.EqualValues(t, 2, next)
}

func TestEngine_RosterEntriesStrictlyIncreasing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var entries []int64
	for _, who := range []Actor{{ID: "alice"}, {ID: "bob"}} {
		tk, err := f.engine.Open(ctx, testTenant, 1, who)
		require.NoError(t, err)
		f.gw.AddHistory(tk.RoomRef, platform.UserRef(who.ID), "application")
		_, err = f.engine.Submit(ctx, tk.RoomRef, who)
		require.NoError(t, err)
		approved, err := f.engine.Approve(ctx, tk.RoomRef, reviewer)
		require.NoError(t, err)
		entries = append(entries, approved.RosterEntry)
	}
	assert.Equal(t, []int64{1, 2}, entries)
}

func TestEngine_CloseReopen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.open(t)

	_, err := f.engine.Reopen(ctx, tk.RoomRef, requester)
	assert.ErrorIs(t, err, ErrNotClosed)

	_, err = f.engine.Close(ctx, tk.RoomRef, stranger)
	var unauthorized *NotAuthorizedError
	assert.ErrorAs(t, err, &unauthorized)

	f.gw.AddHistory(tk.RoomRef, platform.UserRef(requester.ID), "request text")
	_, err = f.engine.Submit(ctx, tk.RoomRef, requester)
	require.NoError(t, err)

	closed, err := f.engine.Close(ctx, tk.RoomRef, requester)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, closed.Status)
	assert.False(t, f.gw.Room(tk.RoomRef).HasCapability(platform.UserRef(requester.ID), platform.CapSend))

	_, err = f.engine.Close(ctx, tk.RoomRef, requester)
	assert.ErrorIs(t, err, ErrAlreadyClosed)

	// Reopen restores the interrupted workflow stage.
	reopened, err := f.engine.Reopen(ctx, tk.RoomRef, requester)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSubmitted, reopened.Status)
	assert.Empty(t, reopened.PriorStatus)
	assert.True(t, f.gw.Room(tk.RoomRef).HasCapability(platform.UserRef(requester.ID), platform.CapSend))
}

func TestEngine_CloseByClaimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.open(t)

	_, err := f.engine.Claim(ctx, tk.RoomRef, staff)
	require.NoError(t, err)
	_, err = f.engine.Close(ctx, tk.RoomRef, staff)
	require.NoError(t, err)
}

func TestEngine_DeleteAndArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.open(t)

	_, err := f.engine.DeleteAndArchive(ctx, tk.RoomRef, reviewer)
	var unauthorized *NotAuthorizedError
	assert.ErrorAs(t, err, &unauthorized)

	rec, err := f.engine.DeleteAndArchive(ctx, tk.RoomRef, staff)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, f.exporter.calls)

	room := f.gw.Room(tk.RoomRef)
	assert.True(t, room.Deleted)

	// The side-record survives in the terminal state with the transcript.
	stored, _, err := f.tickets.Get(ctx, tk.RoomRef)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDeleted, stored.Status)
	require.NotNil(t, stored.Transcript)

	// Later callbacks on the dead room resolve to a guard failure.
	_, err = f.engine.DeleteAndArchive(ctx, tk.RoomRef, staff)
	assert.ErrorIs(t, err, ErrTicketGone)
	assert.Equal(t, 1, f.exporter.calls)
	_, err = f.engine.Claim(ctx, tk.RoomRef, staff)
	assert.ErrorIs(t, err, ErrTicketGone)

	// Deletion releases the requester's open slot.
	next, err := f.engine.Open(ctx, testTenant, 1, requester)
	require.NoError(t, err)
	assert.EqualValues(t, 2, next.TicketID)
}

func TestEngine_DeleteExportFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.open(t)

	f.exporter.err = errors.New("history unavailable")
	_, err := f.engine.DeleteAndArchive(ctx, tk.RoomRef, staff)
	require.ErrorIs(t, err, ErrExportFailed)

	assert.True(t, f.gw.Room(tk.RoomRef).Deleted)
	stored, _, err := f.tickets.Get(ctx, tk.RoomRef)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDeleted, stored.Status)
	assert.Nil(t, stored.Transcript)
}

func TestEngine_DeleteForbiddenSoftDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.open(t)

	f.gw.DeleteErr = platform.ErrForbidden
	rec, err := f.engine.DeleteAndArchive(ctx, tk.RoomRef, staff)
	require.ErrorIs(t, err, ErrRoomDeleteForbidden)
	require.NotNil(t, rec)

	room := f.gw.Room(tk.RoomRef)
	assert.False(t, room.Deleted)
	assert.True(t, strings.HasPrefix(room.Name, "closed-001-"))

	stored, _, err := f.tickets.Get(ctx, tk.RoomRef)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDeleted, stored.Status)
}

func TestEngine_DeactivatedPanelKeepsExistingTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.open(t)

	require.NoError(t, f.tenants.Mutate(testTenant, func(rec *store.TenantRecord) error {
		rec.Panel(1).Active = false
		return nil
	}))

	_, err := f.engine.Claim(ctx, tk.RoomRef, staff)
	require.NoError(t, err)
	_, err = f.engine.Open(ctx, testTenant, 1, Actor{ID: "someone-else"})
	assert.ErrorIs(t, err, ErrPanelNotConfigured)
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"User 42", "user-42"},
		{"émile!!", "mile"},
		{"___", "user"},
		{"", "user"},
		{"ALL_CAPS-name", "all_caps-name"},
		{strings.Repeat("a", 40), strings.Repeat("a", 32)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, slugify(tt.in), "slugify(%q)", tt.in)
	}
}
