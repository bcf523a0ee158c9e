package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeRoom is the in-memory state of one room held by a Fake gateway.
type FakeRoom struct {
	Tenant   string
	Category string
	Name     string
	Metadata string
	History  []HistoryMessage
	Controls map[MessageRef][]Control
	Caps     map[UserRef]map[Capability]bool
	Deleted  bool
}

// HasCapability reports whether the user holds the capability in this room.
func (r *FakeRoom) HasCapability(user UserRef, cap Capability) bool {
	return r.Caps[user][cap]
}

// Fake is an in-memory Gateway for tests and single-node development.
// Failure knobs let tests exercise the engine's degradation paths.
type Fake struct {
	mu         sync.Mutex
	categories map[string]map[string]bool
	rooms      map[RoomRef]*FakeRoom
	uploads    map[string][]byte
	now        func() time.Time

	// DeleteErr, when set, is returned by DeleteRoom.
	DeleteErr error
	// UploadErr, when set, is returned by UploadFile. Defaults to nil;
	// set to ErrUnsupported to model a platform without file storage.
	UploadErr error
}

// NewFake returns an empty fake gateway.
func NewFake() *Fake {
	return &Fake{
		categories: make(map[string]map[string]bool),
		rooms:      make(map[RoomRef]*FakeRoom),
		uploads:    make(map[string][]byte),
		now:        time.Now,
	}
}

// AddCategory registers a category so ResolveCategory succeeds for it.
func (f *Fake) AddCategory(tenant, category string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.categories[tenant] == nil {
		f.categories[tenant] = make(map[string]bool)
	}
	f.categories[tenant][category] = true
}

// Room returns the state of a room, or nil if it never existed.
func (f *Fake) Room(room RoomRef) *FakeRoom {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[room]
}

// Rooms returns the number of non-deleted rooms.
func (f *Fake) Rooms() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.rooms {
		if !r.Deleted {
			n++
		}
	}
	return n
}

// AddHistory appends a message to a room's history without going through
// PostMessage, for seeding test conversations. Returns an empty ref when
// the room does not exist or was deleted.
func (f *Fake) AddHistory(room RoomRef, author UserRef, body string) MessageRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.live(room)
	if err != nil {
		return ""
	}
	ref := MessageRef(uuid.New().String())
	r.History = append(r.History, HistoryMessage{Ref: ref, Author: author, Body: body, SentAt: f.now()})
	return ref
}

func (f *Fake) ResolveCategory(_ context.Context, tenant, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.categories[tenant][category] {
		return fmt.Errorf("%w: %s", ErrCategoryNotFound, category)
	}
	return nil
}

func (f *Fake) CreateRoom(_ context.Context, tenant, category, name string, overrides []Override) (RoomRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.categories[tenant][category] {
		return "", fmt.Errorf("%w: %s", ErrCategoryNotFound, category)
	}
	ref := RoomRef(uuid.New().String())
	room := &FakeRoom{
		Tenant:   tenant,
		Category: category,
		Name:     name,
		Controls: make(map[MessageRef][]Control),
		Caps:     make(map[UserRef]map[Capability]bool),
	}
	for _, o := range overrides {
		if o.User == "" {
			continue
		}
		if room.Caps[o.User] == nil {
			room.Caps[o.User] = make(map[Capability]bool)
		}
		for _, c := range o.Grant {
			room.Caps[o.User][c] = true
		}
	}
	f.rooms[ref] = room
	return ref, nil
}

func (f *Fake) RenameRoom(_ context.Context, room RoomRef, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.live(room)
	if err != nil {
		return err
	}
	r.Name = name
	return nil
}

func (f *Fake) DeleteRoom(_ context.Context, room RoomRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.live(room)
	if err != nil {
		return err
	}
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	r.Deleted = true
	return nil
}

func (f *Fake) SetRoomMetadata(_ context.Context, room RoomRef, metadata string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(metadata) > MaxMetadataLen {
		return ErrMetadataTooLong
	}
	r, err := f.live(room)
	if err != nil {
		return err
	}
	r.Metadata = metadata
	return nil
}

func (f *Fake) PostMessage(_ context.Context, room RoomRef, msg Message) (MessageRef, error) {
	return f.post(room, msg, nil)
}

func (f *Fake) PostPrompt(_ context.Context, room RoomRef, msg Message, controls []Control) (MessageRef, error) {
	return f.post(room, msg, controls)
}

func (f *Fake) post(room RoomRef, msg Message, controls []Control) (MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.live(room)
	if err != nil {
		return "", err
	}
	if msg.FileName == "" && len(msg.Body) > MaxInlineLen {
		return "", fmt.Errorf("message body of %d bytes exceeds inline limit", len(msg.Body))
	}
	ref := MessageRef(uuid.New().String())
	r.History = append(r.History, HistoryMessage{Ref: ref, Author: "", Body: msg.Body, Bot: true, SentAt: f.now()})
	if controls != nil {
		r.Controls[ref] = controls
	}
	return ref, nil
}

func (f *Fake) RoomHistory(_ context.Context, room RoomRef) ([]HistoryMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.live(room)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryMessage, len(r.History))
	copy(out, r.History)
	return out, nil
}

func (f *Fake) GrantCapability(_ context.Context, room RoomRef, user UserRef, cap Capability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.live(room)
	if err != nil {
		return err
	}
	if r.Caps[user] == nil {
		r.Caps[user] = make(map[Capability]bool)
	}
	r.Caps[user][cap] = true
	return nil
}

func (f *Fake) RevokeCapability(_ context.Context, room RoomRef, user UserRef, cap Capability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.live(room)
	if err != nil {
		return err
	}
	if r.Caps[user] != nil {
		delete(r.Caps[user], cap)
	}
	return nil
}

func (f *Fake) UploadFile(_ context.Context, tenant, filename string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	key := tenant + "/" + filename
	f.uploads[key] = data
	return "fake://" + key, nil
}

func (f *Fake) live(room RoomRef) (*FakeRoom, error) {
	r, ok := f.rooms[room]
	if !ok || r.Deleted {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, room)
	}
	return r, nil
}
