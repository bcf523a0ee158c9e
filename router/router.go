// Package router dispatches platform interactive-control callbacks to the
// lifecycle engine. Control ids embed tenant, panel, and room, so routing
// is re-derived from persisted state after a restart; no in-memory
// closures are involved.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/ticketd/platform"
	"github.com/c360studio/ticketd/store"
	"github.com/c360studio/ticketd/workflow"
)

// Callback is one interactive-control activation delivered by the
// platform. Room is where the control was activated; controls embedding
// their own room reference take precedence.
type Callback struct {
	ControlID string
	Room      platform.RoomRef
	Actor     workflow.Actor
}

// FromEvent converts a wire callback event into a dispatchable Callback.
func FromEvent(ev platform.CallbackEvent) Callback {
	return Callback{
		ControlID: ev.ControlID,
		Room:      ev.Room,
		Actor:     workflow.Actor{ID: string(ev.Actor), Roles: ev.Roles},
	}
}

// Router resolves callbacks to engine transitions.
type Router struct {
	engine  *workflow.Engine
	tenants *store.TenantStore
	logger  *slog.Logger

	mu        sync.Mutex
	listeners map[string]bool
}

// New creates a Router.
func New(engine *workflow.Engine, tenants *store.TenantStore, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		engine:    engine,
		tenants:   tenants,
		logger:    logger,
		listeners: make(map[string]bool),
	}
}

// Dispatch routes one callback. The returned reply is shown only to the
// acting user; guard failures (including duplicate deliveries retried by
// the platform) become ordinary replies, never errors.
func (r *Router) Dispatch(ctx context.Context, cb Callback) (string, error) {
	action, tenant, panelID, room, err := workflow.ParseControlID(cb.ControlID)
	if err != nil {
		return "", fmt.Errorf("unroutable callback: %w", err)
	}
	if room == "" {
		room = cb.Room
	}

	var reply string
	switch action {
	case workflow.ActionOpen:
		var t *store.Ticket
		t, err = r.engine.Open(ctx, tenant, panelID, cb.Actor)
		if err == nil {
			reply = fmt.Sprintf("Ticket #%03d created.", t.TicketID)
		}
	case workflow.ActionClaim:
		var t *store.Ticket
		t, err = r.engine.Claim(ctx, room, cb.Actor)
		if err == nil {
			reply = fmt.Sprintf("You claimed ticket #%03d.", t.TicketID)
		}
	case workflow.ActionSubmit:
		_, err = r.engine.Submit(ctx, room, cb.Actor)
		if err == nil {
			reply = "Submitted for review."
		}
	case workflow.ActionApprove:
		var t *store.Ticket
		t, err = r.engine.Approve(ctx, room, cb.Actor)
		if err == nil {
			reply = fmt.Sprintf("Approved as roster entry #%d.", t.RosterEntry)
		}
	case workflow.ActionClose:
		_, err = r.engine.Close(ctx, room, cb.Actor)
		if err == nil {
			reply = "Ticket closed."
		}
	case workflow.ActionReopen:
		_, err = r.engine.Reopen(ctx, room, cb.Actor)
		if err == nil {
			reply = "Ticket reopened."
		}
	case workflow.ActionDelete:
		_, err = r.engine.DeleteAndArchive(ctx, room, cb.Actor)
		switch {
		case err == nil:
			reply = "Ticket archived and deleted."
		case errors.Is(err, workflow.ErrRoomDeleteForbidden):
			reply = "Ticket archived; the room could not be removed and was marked closed instead."
			err = nil
		case errors.Is(err, workflow.ErrExportFailed):
			reply = "Ticket deleted, but the transcript export failed. Retry the export manually."
			err = nil
		}
	}

	if err != nil {
		if workflow.IsGuardFailure(err) {
			r.logger.Debug("guard rejected callback",
				"action", action, "tenant", tenant, "actor", cb.Actor.ID, "reason", err)
			return err.Error(), nil
		}
		return "", err
	}
	return reply, nil
}

// Rehydrate re-registers one listener per active (tenant, panel) recorded
// in the tenant store, so panels created before a restart keep functioning
// without being re-posted.
func (r *Router) Rehydrate(_ context.Context) error {
	tenants, err := r.tenants.List()
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	for _, tenant := range tenants {
		rec, err := r.tenants.Get(tenant)
		if err != nil {
			r.logger.Warn("skip tenant during rehydration", "tenant", tenant, "error", err)
			continue
		}
		for _, panel := range rec.Panels {
			if !panel.Active {
				continue
			}
			r.RegisterPanel(tenant, panel.PanelID)
		}
	}
	r.logger.Info("panel listeners rehydrated", "count", r.ListenerCount())
	return nil
}

// RegisterPanel records a listener for a panel's open control.
func (r *Router) RegisterPanel(tenant string, panelID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[listenerKey(tenant, panelID)] = true
}

// HasListener reports whether a panel listener is registered.
func (r *Router) HasListener(tenant string, panelID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners[listenerKey(tenant, panelID)]
}

// ListenerCount returns the number of registered panel listeners.
func (r *Router) ListenerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// OpenControl returns the control posted on a panel message.
func OpenControl(tenant string, panelID int64) platform.Control {
	return platform.Control{
		ID:    workflow.EncodeControlID(workflow.ActionOpen, tenant, panelID, ""),
		Label: "Open Ticket",
		Style: "success",
	}
}

func listenerKey(tenant string, panelID int64) string {
	return fmt.Sprintf("%s/%d", tenant, panelID)
}
