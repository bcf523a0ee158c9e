// Package platform defines the boundary to the external chat platform.
// The engine consumes this interface and never assumes it can read back
// state the platform has not round-tripped through SetRoomMetadata.
package platform

import (
	"context"
	"errors"
	"time"
)

// Limits imposed by the platform on writes the engine performs.
const (
	// MaxMetadataLen bounds the metadata string attached to a room.
	MaxMetadataLen = 1024
	// MaxInlineLen bounds the body of a single posted message. Longer
	// content must be attached as a file.
	MaxInlineLen = 2000
)

// Common gateway errors.
var (
	// ErrRoomNotFound is returned when a room reference no longer resolves.
	ErrRoomNotFound = errors.New("room not found")
	// ErrCategoryNotFound is returned when a category reference does not
	// resolve to a usable container.
	ErrCategoryNotFound = errors.New("category not found")
	// ErrForbidden is returned when the platform rejects an operation for
	// a permission reason.
	ErrForbidden = errors.New("forbidden")
	// ErrUnsupported is returned by optional operations the backing
	// platform does not provide (e.g. UploadFile).
	ErrUnsupported = errors.New("operation not supported")
	// ErrMetadataTooLong is returned when a metadata write exceeds
	// MaxMetadataLen.
	ErrMetadataTooLong = errors.New("metadata exceeds platform limit")
)

// RoomRef identifies a private room owned by the platform.
type RoomRef string

// MessageRef identifies a message within a room.
type MessageRef string

// UserRef identifies a platform user.
type UserRef string

// Capability is a per-user permission within a room.
type Capability string

const (
	CapView     Capability = "view"
	CapSend     Capability = "send"
	CapApproved Capability = "approved"
)

// Override grants capabilities to a user or role when a room is created.
// Exactly one of User or Role is set.
type Override struct {
	User  UserRef      `json:"user,omitempty"`
	Role  string       `json:"role,omitempty"`
	Grant []Capability `json:"grant"`
}

// Control is an interactive element attached to a prompt. Its ID carries
// all routing information; no in-memory state is associated with it.
type Control struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Style string `json:"style,omitempty"`
}

// Message is content posted to a room. When FileName is set the payload is
// delivered as an attachment instead of inline text.
type Message struct {
	Body     string `json:"body"`
	FileName string `json:"file_name,omitempty"`
	FileData []byte `json:"file_data,omitempty"`
}

// HistoryMessage is one entry of a room's history, oldest-first.
type HistoryMessage struct {
	Ref    MessageRef `json:"ref"`
	Author UserRef    `json:"author"`
	Body   string     `json:"body"`
	Bot    bool       `json:"bot,omitempty"`
	SentAt time.Time  `json:"sent_at"`
}

// Gateway abstracts the chat platform. Implementations must be safe for
// concurrent use; every call is bounded by the supplied context.
type Gateway interface {
	// ResolveCategory verifies that a category reference resolves to a
	// container rooms can be created in.
	ResolveCategory(ctx context.Context, tenant, category string) error

	// CreateRoom creates a private room under the category with the given
	// participant overrides and returns its reference.
	CreateRoom(ctx context.Context, tenant, category, name string, overrides []Override) (RoomRef, error)

	// RenameRoom changes a room's display name.
	RenameRoom(ctx context.Context, room RoomRef, name string) error

	// DeleteRoom removes a room permanently.
	DeleteRoom(ctx context.Context, room RoomRef) error

	// SetRoomMetadata attaches a metadata string to a room, bounded by
	// MaxMetadataLen.
	SetRoomMetadata(ctx context.Context, room RoomRef, metadata string) error

	// PostMessage posts content to a room.
	PostMessage(ctx context.Context, room RoomRef, msg Message) (MessageRef, error)

	// PostPrompt posts content together with interactive controls.
	PostPrompt(ctx context.Context, room RoomRef, msg Message, controls []Control) (MessageRef, error)

	// RoomHistory returns the room's full history, oldest first.
	RoomHistory(ctx context.Context, room RoomRef) ([]HistoryMessage, error)

	// GrantCapability grants a capability to a user in a room.
	GrantCapability(ctx context.Context, room RoomRef, user UserRef, cap Capability) error

	// RevokeCapability revokes a capability from a user in a room.
	RevokeCapability(ctx context.Context, room RoomRef, user UserRef, cap Capability) error

	// UploadFile stores a file outside any room and returns a permanent
	// URL. Returns ErrUnsupported when the platform offers no durable
	// file storage.
	UploadFile(ctx context.Context, tenant, filename string, data []byte) (string, error)
}
