package store

import "errors"

// Common store errors.
var (
	// ErrTicketNotFound is returned when no ticket record exists for a
	// room reference.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrSlotTaken is returned by Create when the requester already holds
	// a non-deleted ticket for the panel.
	ErrSlotTaken = errors.New("open slot already taken")
	// ErrRevisionConflict is returned when a compare-and-swap update lost
	// the race: the record changed since it was read.
	ErrRevisionConflict = errors.New("revision conflict")
	// ErrPanelNotFound is returned when a panel id does not exist in the
	// tenant record.
	ErrPanelNotFound = errors.New("panel not found")
)
