package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/ticketd/platform"
	"github.com/c360studio/ticketd/store"
)

const (
	testTenant   = "guild-1"
	testCategory = "cat-1"
)

type stubUploader struct {
	calls int
	err   error
}

func (u *stubUploader) Upload(_ context.Context, key string, _ []byte) (string, error) {
	u.calls++
	if u.err != nil {
		return "", u.err
	}
	return "s3://transcripts/" + key, nil
}

type exportFixture struct {
	gw      *platform.Fake
	tenants *store.TenantStore
	room    platform.RoomRef
	archive platform.RoomRef
	ticket  *store.Ticket
}

func newExportFixture(t *testing.T) *exportFixture {
	t.Helper()
	gw := platform.NewFake()
	gw.AddCategory(testTenant, testCategory)
	ctx := context.Background()

	room, err := gw.CreateRoom(ctx, testTenant, testCategory, "001-user-1", nil)
	require.NoError(t, err)
	archive, err := gw.CreateRoom(ctx, testTenant, testCategory, "archive", nil)
	require.NoError(t, err)

	tenants, err := store.NewTenantStore(t.TempDir(), nil)
	require.NoError(t, err)

	gw.AddHistory(room, "user-1", "please review my request")
	gw.AddHistory(room, "staff-1", "on it")
	gw.AddHistory(room, "user-1", "thanks")

	return &exportFixture{
		gw:      gw,
		tenants: tenants,
		room:    room,
		archive: archive,
		ticket: &store.Ticket{
			TenantID:    testTenant,
			PanelID:     1,
			TicketID:    1,
			RequesterID: "user-1",
			ClaimerID:   "staff-1",
			Status:      store.StatusClosed,
			RoomRef:     room,
			CreatedAt:   time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		},
	}
}

func TestExporter_ObjectStoreFirst(t *testing.T) {
	f := newExportFixture(t)
	require.NoError(t, f.tenants.Mutate(testTenant, func(rec *store.TenantRecord) error {
		rec.ObjectStore = true
		rec.ArchiveRoom = f.archive
		return nil
	}))

	up := &stubUploader{}
	rec, err := New(f.gw, f.tenants, up, nil).Export(context.Background(), f.ticket)
	require.NoError(t, err)
	assert.Equal(t, TargetObjectStore, rec.DeliveryTarget)
	assert.Equal(t, "s3://transcripts/guild-1/transcript-guild-1-001.txt", rec.RemoteURL)
	assert.Equal(t, 1, up.calls)

	// Nothing lands in the archive room when the upload succeeds.
	history, err := f.gw.RoomHistory(context.Background(), f.archive)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestExporter_PlatformFileStorageWithoutUploader(t *testing.T) {
	f := newExportFixture(t)
	require.NoError(t, f.tenants.Mutate(testTenant, func(rec *store.TenantRecord) error {
		rec.ObjectStore = true
		return nil
	}))

	// No uploader configured: the platform's own file storage serves the
	// object-store slot of the chain.
	rec, err := New(f.gw, f.tenants, nil, nil).Export(context.Background(), f.ticket)
	require.NoError(t, err)
	assert.Equal(t, TargetObjectStore, rec.DeliveryTarget)
	assert.Equal(t, "fake://guild-1/transcript-guild-1-001.txt", rec.RemoteURL)
}

func TestExporter_UnsupportedFileStorageFallsThrough(t *testing.T) {
	f := newExportFixture(t)
	require.NoError(t, f.tenants.Mutate(testTenant, func(rec *store.TenantRecord) error {
		rec.ObjectStore = true
		rec.ArchiveRoom = f.archive
		return nil
	}))
	f.gw.UploadErr = platform.ErrUnsupported

	rec, err := New(f.gw, f.tenants, nil, nil).Export(context.Background(), f.ticket)
	require.NoError(t, err)
	assert.Equal(t, TargetArchiveRoom, rec.DeliveryTarget)
}

func TestExporter_FallsBackToArchiveRoom(t *testing.T) {
	f := newExportFixture(t)
	require.NoError(t, f.tenants.Mutate(testTenant, func(rec *store.TenantRecord) error {
		rec.ObjectStore = true
		rec.ArchiveRoom = f.archive
		return nil
	}))

	up := &stubUploader{err: errors.New("bucket unavailable")}
	rec, err := New(f.gw, f.tenants, up, nil).Export(context.Background(), f.ticket)
	require.NoError(t, err)
	assert.Equal(t, TargetArchiveRoom, rec.DeliveryTarget)
	assert.Empty(t, rec.RemoteURL)

	history, err := f.gw.RoomHistory(context.Background(), f.archive)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Body, "Transcript for ticket #001")
	assert.Contains(t, history[0].Body, "please review my request")
}

func TestExporter_InlineLastResort(t *testing.T) {
	f := newExportFixture(t)

	before, err := f.gw.RoomHistory(context.Background(), f.room)
	require.NoError(t, err)

	rec, err := New(f.gw, f.tenants, nil, nil).Export(context.Background(), f.ticket)
	require.NoError(t, err)
	assert.Equal(t, TargetInline, rec.DeliveryTarget)

	after, err := f.gw.RoomHistory(context.Background(), f.room)
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	assert.Contains(t, after[len(after)-1].Body, "Transcript for ticket #001")
}

func TestExporter_OversizeBodyBecomesAttachment(t *testing.T) {
	f := newExportFixture(t)
	require.NoError(t, f.tenants.Mutate(testTenant, func(rec *store.TenantRecord) error {
		rec.ArchiveRoom = f.archive
		return nil
	}))

	// Pad the conversation past the inline posting limit.
	for i := 0; i < 3; i++ {
		f.gw.AddHistory(f.room, "user-1", strings.Repeat("x", 900))
	}

	rec, err := New(f.gw, f.tenants, nil, nil).Export(context.Background(), f.ticket)
	require.NoError(t, err)
	assert.Equal(t, TargetArchiveRoom, rec.DeliveryTarget)

	history, err := f.gw.RoomHistory(context.Background(), f.archive)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Transcript attached.", history[0].Body)
}

func TestExporter_ReExportReturnsCachedRecord(t *testing.T) {
	f := newExportFixture(t)
	cached := &store.TranscriptRecord{
		TicketID:       1,
		GeneratedAt:    time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC),
		DeliveryTarget: TargetObjectStore,
		RemoteURL:      "s3://transcripts/guild-1/old.txt",
	}
	f.ticket.Transcript = cached

	up := &stubUploader{}
	rec, err := New(f.gw, f.tenants, up, nil).Export(context.Background(), f.ticket)
	require.NoError(t, err)
	assert.Equal(t, cached, rec)
	assert.NotSame(t, cached, rec)
	assert.Zero(t, up.calls)
}

func TestRender(t *testing.T) {
	f := newExportFixture(t)
	history, err := f.gw.RoomHistory(context.Background(), f.room)
	require.NoError(t, err)

	body := render(f.ticket, history, time.Date(2026, 2, 3, 8, 0, 0, 0, time.UTC))

	assert.Contains(t, body, "Transcript for ticket #001 (tenant guild-1, panel 1)")
	assert.Contains(t, body, "Opened by user-1 at 2026-02-01T10:00:00Z")
	assert.Contains(t, body, "Claimed by staff-1")
	assert.Contains(t, body, "2 messages by user-1")
	assert.Contains(t, body, "1 messages by staff-1")

	// Conversation is rendered oldest-first.
	first := strings.Index(body, "please review my request")
	last := strings.Index(body, "thanks")
	assert.Greater(t, last, first)
}
