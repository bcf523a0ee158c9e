// Package httpapi exposes the admin HTTP API: panel management, ticket
// inspection, health, and metrics. Requester-facing actions never go
// through HTTP; they arrive as platform callbacks.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/ticketd/panel"
	"github.com/c360studio/ticketd/store"
)

// Server wires the admin routes onto a chi router.
type Server struct {
	panels  *panel.Registry
	tenants *store.TenantStore
	tickets store.TicketStore
	logger  *slog.Logger
	http    *http.Server
}

// New creates a Server listening on addr.
func New(addr string, panels *panel.Registry, tenants *store.TenantStore, tickets store.TicketStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{panels: panels, tenants: tenants, tickets: tickets, logger: logger}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Route("/{tenant}", func(r chi.Router) {
			r.Get("/panels", s.handleListPanels)
			r.Post("/panels", s.handleCreatePanel)
			r.Put("/panels/{panel}/roles", s.handleUpdateRoles)
			r.Delete("/panels/{panel}", s.handleDeactivatePanel)
			r.Get("/tickets", s.handleListTickets)
		})
	})
	return r
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("admin api listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTenants(w http.ResponseWriter, _ *http.Request) {
	tenants, err := s.tenants.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *Server) handleListPanels(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	panels, err := s.panels.List(r.Context(), tenant)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"panels": panels})
}

type createPanelRequest struct {
	CategoryRef  string              `json:"category_ref"`
	OpeningText  string              `json:"opening_text"`
	HandlerRoles []store.HandlerRole `json:"handler_roles"`
}

func (s *Server) handleCreatePanel(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	var req createPanelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.CategoryRef == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("category_ref is required"))
		return
	}
	panelID, err := s.panels.Create(r.Context(), tenant, req.CategoryRef, req.OpeningText, req.HandlerRoles)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"panel_id": panelID})
}

type updateRolesRequest struct {
	HandlerRoles []store.HandlerRole `json:"handler_roles"`
}

func (s *Server) handleUpdateRoles(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	panelID, err := strconv.ParseInt(chi.URLParam(r, "panel"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req updateRolesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.panels.UpdateRoles(r.Context(), tenant, panelID, req.HandlerRoles); err != nil {
		if errors.Is(err, store.ErrPanelNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeactivatePanel(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	panelID, err := strconv.ParseInt(chi.URLParam(r, "panel"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.panels.Deactivate(r.Context(), tenant, panelID); err != nil {
		if errors.Is(err, store.ErrPanelNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	tickets, err := s.tickets.ListByTenant(r.Context(), tenant)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets})
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	if code >= 500 {
		s.logger.Error("admin api error", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
