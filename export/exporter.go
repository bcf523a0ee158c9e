// Package export renders room transcripts and delivers them through a
// fallback chain: object storage, the tenant's archive room, then an
// inline post in the room itself. A transcript is never silently dropped.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/ticketd/metrics"
	"github.com/c360studio/ticketd/platform"
	"github.com/c360studio/ticketd/store"
)

// Delivery targets recorded on a TranscriptRecord.
const (
	TargetObjectStore = "object-store"
	TargetArchiveRoom = "archive-room"
	TargetInline      = "inline"
)

// Uploader stores a transcript in remote object storage and returns its
// permanent URL. Satisfied by S3Uploader.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) (string, error)
}

// Exporter produces one TranscriptRecord per ticket. Re-export of an
// already archived ticket returns the cached record.
type Exporter struct {
	gw       platform.Gateway
	tenants  *store.TenantStore
	uploader Uploader
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Exporter. uploader may be nil when no object storage is
// configured; the fallback chain then starts at the archive room.
func New(gw platform.Gateway, tenants *store.TenantStore, uploader Uploader, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{gw: gw, tenants: tenants, uploader: uploader, logger: logger, now: time.Now}
}

// Export renders the room's full history oldest-first and delivers the
// transcript through the first available destination.
func (e *Exporter) Export(ctx context.Context, t *store.Ticket) (*store.TranscriptRecord, error) {
	if t.Transcript != nil {
		cached := *t.Transcript
		return &cached, nil
	}

	history, err := e.gw.RoomHistory(ctx, t.RoomRef)
	if err != nil {
		return nil, fmt.Errorf("read room history: %w", err)
	}
	body := render(t, history, e.now().UTC())
	filename := fmt.Sprintf("transcript-%s-%03d.txt", t.TenantID, t.TicketID)

	rec := &store.TranscriptRecord{
		TicketID:    t.TicketID,
		GeneratedAt: e.now().UTC(),
	}

	tenant, err := e.tenants.Get(t.TenantID)
	if err != nil {
		return nil, err
	}

	if tenant.ObjectStore {
		url, err := e.upload(ctx, t.TenantID, filename, []byte(body))
		if err == nil {
			rec.DeliveryTarget = TargetObjectStore
			rec.RemoteURL = url
			metrics.ExportDeliveries.WithLabelValues(TargetObjectStore).Inc()
			return rec, nil
		}
		e.logger.Warn("object store upload failed, falling back", "ticket", t.TicketID, "error", err)
	}

	if tenant.ArchiveRoom != "" {
		if err := e.deliver(ctx, tenant.ArchiveRoom, body, filename); err == nil {
			rec.DeliveryTarget = TargetArchiveRoom
			metrics.ExportDeliveries.WithLabelValues(TargetArchiveRoom).Inc()
			return rec, nil
		} else {
			e.logger.Warn("archive room delivery failed, falling back", "ticket", t.TicketID, "error", err)
		}
	}

	// Last resort: post into the room itself, immediately before the
	// engine deletes it.
	if err := e.deliver(ctx, t.RoomRef, body, filename); err != nil {
		return nil, fmt.Errorf("all transcript destinations failed: %w", err)
	}
	rec.DeliveryTarget = TargetInline
	metrics.ExportDeliveries.WithLabelValues(TargetInline).Inc()
	return rec, nil
}

// upload stores the transcript remotely: through the configured uploader
// when one exists, otherwise through the platform's own durable file
// storage if it offers any.
func (e *Exporter) upload(ctx context.Context, tenant, filename string, data []byte) (string, error) {
	if e.uploader != nil {
		key := fmt.Sprintf("%s/%s", tenant, filename)
		return e.uploader.Upload(ctx, key, data)
	}
	return e.gw.UploadFile(ctx, tenant, filename, data)
}

// deliver posts the transcript to a room, switching to a file attachment
// when the body exceeds the platform's inline limit.
func (e *Exporter) deliver(ctx context.Context, room platform.RoomRef, body, filename string) error {
	msg := platform.Message{Body: body}
	if len(body) > platform.MaxInlineLen {
		msg = platform.Message{
			Body:     "Transcript attached.",
			FileName: filename,
			FileData: []byte(body),
		}
	}
	_, err := e.gw.PostMessage(ctx, room, msg)
	return err
}

// render builds the plain-text transcript: a header with attribution and
// timestamps, per-participant message counts, then the full conversation
// oldest-first.
func render(t *store.Ticket, history []platform.HistoryMessage, generatedAt time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transcript for ticket #%03d (tenant %s, panel %d)\n", t.TicketID, t.TenantID, t.PanelID)
	fmt.Fprintf(&b, "Opened by %s at %s\n", t.RequesterID, t.CreatedAt.Format(time.RFC3339))
	if t.ClaimerID != "" {
		fmt.Fprintf(&b, "Claimed by %s\n", t.ClaimerID)
	}
	fmt.Fprintf(&b, "Exported at %s\n", generatedAt.Format(time.RFC3339))

	counts := make(map[platform.UserRef]int)
	for _, msg := range history {
		if msg.Bot {
			continue
		}
		counts[msg.Author]++
	}
	if len(counts) > 0 {
		b.WriteString("\nParticipants:\n")
		authors := make([]platform.UserRef, 0, len(counts))
		for author := range counts {
			authors = append(authors, author)
		}
		sort.Slice(authors, func(i, j int) bool {
			if counts[authors[i]] != counts[authors[j]] {
				return counts[authors[i]] > counts[authors[j]]
			}
			return authors[i] < authors[j]
		})
		for _, author := range authors {
			fmt.Fprintf(&b, "  %d messages by %s\n", counts[author], author)
		}
	}

	b.WriteString("\n")
	for _, msg := range history {
		author := string(msg.Author)
		if msg.Bot && author == "" {
			author = "system"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", msg.SentAt.UTC().Format("2006-01-02 15:04:05"), author, msg.Body)
	}
	return b.String()
}
