package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/c360studio/ticketd/platform"
)

// MemTicketStore is an in-memory TicketStore with the same revision
// semantics as the KV-backed store. It serves unit tests and single-node
// runs without a JetStream server.
type MemTicketStore struct {
	mu      sync.Mutex
	records map[platform.RoomRef]memEntry
	slots   map[string]platform.RoomRef
}

type memEntry struct {
	data     []byte
	revision uint64
}

// NewMemTicketStore returns an empty in-memory store.
func NewMemTicketStore() *MemTicketStore {
	return &MemTicketStore{
		records: make(map[platform.RoomRef]memEntry),
		slots:   make(map[string]platform.RoomRef),
	}
}

func (s *MemTicketStore) Create(_ context.Context, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := slotKey(t.TenantID, t.PanelID, t.RequesterID)
	if _, taken := s.slots[slot]; taken {
		return ErrSlotTaken
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	s.slots[slot] = t.RoomRef
	s.records[t.RoomRef] = memEntry{data: data, revision: 1}
	return nil
}

func (s *MemTicketStore) Get(_ context.Context, room platform.RoomRef) (*Ticket, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[room]
	if !ok {
		return nil, 0, ErrTicketNotFound
	}
	var t Ticket
	if err := json.Unmarshal(entry.data, &t); err != nil {
		return nil, 0, err
	}
	return &t, entry.revision, nil
}

func (s *MemTicketStore) Update(_ context.Context, t *Ticket, revision uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[t.RoomRef]
	if !ok {
		return ErrTicketNotFound
	}
	if entry.revision != revision {
		return ErrRevisionConflict
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	s.records[t.RoomRef] = memEntry{data: data, revision: revision + 1}
	if t.Status == StatusDeleted {
		delete(s.slots, slotKey(t.TenantID, t.PanelID, t.RequesterID))
	}
	return nil
}

func (s *MemTicketStore) HasOpen(_ context.Context, tenant string, panelID int64, requester string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, taken := s.slots[slotKey(tenant, panelID, requester)]
	return taken, nil
}

func (s *MemTicketStore) ListByTenant(_ context.Context, tenant string) ([]*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tickets []*Ticket
	for _, entry := range s.records {
		var t Ticket
		if err := json.Unmarshal(entry.data, &t); err != nil {
			continue
		}
		if t.TenantID == tenant {
			tickets = append(tickets, &t)
		}
	}
	return tickets, nil
}
