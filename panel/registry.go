// Package panel manages request panels: the configured entry points from
// which requesters open tickets.
package panel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/ticketd/platform"
	"github.com/c360studio/ticketd/store"
)

// Registry provides panel CRUD over the tenant store. Panel ids are
// allocated from the tenant's monotonic counter and never reused.
type Registry struct {
	gw      platform.Gateway
	tenants *store.TenantStore
	logger  *slog.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(gw platform.Gateway, tenants *store.TenantStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{gw: gw, tenants: tenants, logger: logger}
}

// Create validates the category against the platform, allocates the next
// panel id, and persists the panel. Returns the new panel id.
func (r *Registry) Create(ctx context.Context, tenant, categoryRef, openingText string, roles []store.HandlerRole) (int64, error) {
	if err := r.gw.ResolveCategory(ctx, tenant, categoryRef); err != nil {
		return 0, fmt.Errorf("category unavailable: %w", err)
	}
	var panelID int64
	err := r.tenants.Mutate(tenant, func(rec *store.TenantRecord) error {
		panelID = rec.NextPanelID
		rec.NextPanelID++
		rec.Panels = append(rec.Panels, store.Panel{
			TenantID:     tenant,
			PanelID:      panelID,
			CategoryRef:  categoryRef,
			OpeningText:  openingText,
			HandlerRoles: append([]store.HandlerRole(nil), roles...),
			Active:       true,
			CreatedAt:    time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info("panel created", "tenant", tenant, "panel", panelID, "category", categoryRef)
	return panelID, nil
}

// Get returns the panel, or store.ErrPanelNotFound.
func (r *Registry) Get(_ context.Context, tenant string, panelID int64) (*store.Panel, error) {
	rec, err := r.tenants.Get(tenant)
	if err != nil {
		return nil, err
	}
	panel := rec.Panel(panelID)
	if panel == nil {
		return nil, store.ErrPanelNotFound
	}
	return panel, nil
}

// List returns all panels for a tenant, active and inactive.
func (r *Registry) List(_ context.Context, tenant string) ([]store.Panel, error) {
	rec, err := r.tenants.Get(tenant)
	if err != nil {
		return nil, err
	}
	return rec.Panels, nil
}

// UpdateRoles atomically replaces the panel's handler-role set.
func (r *Registry) UpdateRoles(_ context.Context, tenant string, panelID int64, roles []store.HandlerRole) error {
	return r.tenants.Mutate(tenant, func(rec *store.TenantRecord) error {
		panel := rec.Panel(panelID)
		if panel == nil {
			return store.ErrPanelNotFound
		}
		panel.HandlerRoles = append([]store.HandlerRole(nil), roles...)
		return nil
	})
}

// Deactivate blocks new tickets on the panel. Existing tickets are not
// affected and the panel id is never reused.
func (r *Registry) Deactivate(_ context.Context, tenant string, panelID int64) error {
	return r.tenants.Mutate(tenant, func(rec *store.TenantRecord) error {
		panel := rec.Panel(panelID)
		if panel == nil {
			return store.ErrPanelNotFound
		}
		panel.Active = false
		return nil
	})
}
