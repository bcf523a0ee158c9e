package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/ticketd/platform"
)

// BucketTickets is the default KV bucket holding ticket side-records.
const BucketTickets = "TICKETD_TICKETS"

// TicketStore holds the versioned side-record for each ticket, keyed by
// room reference. Updates are compare-and-swap against the revision read
// with the record, which gives transitions their per-ticket critical
// section without any global lock.
type TicketStore interface {
	// Create stores a new ticket record and takes the requester's open
	// slot for the panel. Returns ErrSlotTaken when the requester already
	// holds a non-deleted ticket for the panel.
	Create(ctx context.Context, t *Ticket) error

	// Get returns the ticket record for a room together with the revision
	// to pass to Update. Returns ErrTicketNotFound when no record exists.
	Get(ctx context.Context, room platform.RoomRef) (*Ticket, uint64, error)

	// Update persists the record if it is still at the given revision,
	// returning ErrRevisionConflict otherwise. When the ticket reaches
	// StatusDeleted its open slot is released; the record itself is kept
	// so later callbacks resolve to the terminal state and the cached
	// transcript survives.
	Update(ctx context.Context, t *Ticket, revision uint64) error

	// HasOpen reports whether the requester holds a non-deleted ticket
	// for the panel.
	HasOpen(ctx context.Context, tenant string, panelID int64, requester string) (bool, error)

	// ListByTenant returns all ticket records for a tenant.
	ListByTenant(ctx context.Context, tenant string) ([]*Ticket, error)
}

// KVTicketStore is a TicketStore backed by a NATS JetStream KV bucket. KV
// revisions supply the compare-and-swap.
type KVTicketStore struct {
	kv jetstream.KeyValue
}

// NewKVTicketStore opens (or creates) the ticket bucket. An empty bucket
// name selects BucketTickets.
func NewKVTicketStore(ctx context.Context, js jetstream.JetStream, bucket string) (*KVTicketStore, error) {
	if bucket == "" {
		bucket = BucketTickets
	}
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "Ticketd ticket side-records",
			History:     5,
		})
		if err != nil {
			return nil, fmt.Errorf("create ticket bucket: %w", err)
		}
	}
	return &KVTicketStore{kv: kv}, nil
}

func roomKey(room platform.RoomRef) string {
	return "room." + string(room)
}

func slotKey(tenant string, panelID int64, requester string) string {
	return fmt.Sprintf("slot.%s.%d.%s", tenant, panelID, requester)
}

func (s *KVTicketStore) Create(ctx context.Context, t *Ticket) error {
	slot := slotKey(t.TenantID, t.PanelID, t.RequesterID)
	if _, err := s.kv.Create(ctx, slot, []byte(t.RoomRef)); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrSlotTaken
		}
		return fmt.Errorf("take open slot: %w", err)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	if _, err := s.kv.Create(ctx, roomKey(t.RoomRef), data); err != nil {
		// Release the slot so the requester is not locked out by a
		// half-finished create.
		_ = s.kv.Delete(ctx, slot)
		return fmt.Errorf("store ticket: %w", err)
	}
	return nil
}

func (s *KVTicketStore) Get(ctx context.Context, room platform.RoomRef) (*Ticket, uint64, error) {
	entry, err := s.kv.Get(ctx, roomKey(room))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, ErrTicketNotFound
		}
		return nil, 0, fmt.Errorf("get ticket: %w", err)
	}
	var t Ticket
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, 0, fmt.Errorf("unmarshal ticket: %w", err)
	}
	return &t, entry.Revision(), nil
}

func (s *KVTicketStore) Update(ctx context.Context, t *Ticket, revision uint64) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	if _, err := s.kv.Update(ctx, roomKey(t.RoomRef), data, revision); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || strings.Contains(err.Error(), "wrong last sequence") {
			return ErrRevisionConflict
		}
		return fmt.Errorf("update ticket: %w", err)
	}
	if t.Status == StatusDeleted {
		_ = s.kv.Delete(ctx, slotKey(t.TenantID, t.PanelID, t.RequesterID))
	}
	return nil
}

func (s *KVTicketStore) HasOpen(ctx context.Context, tenant string, panelID int64, requester string) (bool, error) {
	_, err := s.kv.Get(ctx, slotKey(tenant, panelID, requester))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check open slot: %w", err)
	}
	return true, nil
}

func (s *KVTicketStore) ListByTenant(ctx context.Context, tenant string) ([]*Ticket, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list ticket keys: %w", err)
	}
	var tickets []*Ticket
	for _, key := range keys {
		if !strings.HasPrefix(key, "room.") {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var t Ticket
		if err := json.Unmarshal(entry.Value(), &t); err != nil {
			continue
		}
		if t.TenantID == tenant {
			tickets = append(tickets, &t)
		}
	}
	return tickets, nil
}
