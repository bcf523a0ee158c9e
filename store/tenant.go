package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// TenantStore persists one TenantRecord per tenant as a JSON file under
// dir. Every mutation rewrites the whole file via write-to-temp + rename so
// a crash mid-write never corrupts the record.
type TenantStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*TenantRecord
}

// NewTenantStore creates the store, ensuring dir exists.
func NewTenantStore(dir string, logger *slog.Logger) (*TenantStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tenant dir: %w", err)
	}
	return &TenantStore{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*TenantRecord),
	}, nil
}

// Get returns the tenant's record, creating a defaulted one on first
// access. The returned record is a copy; mutate through Mutate.
func (s *TenantStore) Get(tenant string) (*TenantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.loadLocked(tenant)
	if err != nil {
		return nil, err
	}
	return copyRecord(rec), nil
}

// Mutate loads the tenant record, applies fn, and persists the result
// atomically. Mutations across all tenants are serialized by the store.
func (s *TenantStore) Mutate(tenant string, fn func(*TenantRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.loadLocked(tenant)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	return s.saveLocked(rec)
}

// NextTicketID allocates the next ticket id for the panel. Counters are
// independent per panel within a tenant, each starting at 1.
func (s *TenantStore) NextTicketID(tenant string, panelID int64) (int64, error) {
	var id int64
	err := s.Mutate(tenant, func(rec *TenantRecord) error {
		key := strconv.FormatInt(panelID, 10)
		id = rec.TicketCounters[key] + 1
		rec.TicketCounters[key] = id
		return nil
	})
	return id, err
}

// NextPanelID allocates the next panel id for the tenant. Ids are never
// reused, even after deactivation.
func (s *TenantStore) NextPanelID(tenant string) (int64, error) {
	var id int64
	err := s.Mutate(tenant, func(rec *TenantRecord) error {
		id = rec.NextPanelID
		rec.NextPanelID++
		return nil
	})
	return id, err
}

// NextRosterEntry allocates the next roster entry id, strictly increasing
// per tenant and independent of ticket counters.
func (s *TenantStore) NextRosterEntry(tenant string) (int64, error) {
	var id int64
	err := s.Mutate(tenant, func(rec *TenantRecord) error {
		id = rec.NextRosterEntry
		rec.NextRosterEntry++
		return nil
	})
	return id, err
}

// List returns the ids of all tenants with a persisted record.
func (s *TenantStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read tenant dir: %w", err)
	}
	var tenants []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		tenants = append(tenants, strings.TrimSuffix(name, ".json"))
	}
	return tenants, nil
}

// Invalidate drops the cached record for a tenant so the next access
// re-reads the file. Used by the directory watcher.
func (s *TenantStore) Invalidate(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, tenant)
}

// Dir returns the directory holding tenant record files.
func (s *TenantStore) Dir() string {
	return s.dir
}

func (s *TenantStore) path(tenant string) string {
	return filepath.Join(s.dir, tenant+".json")
}

func (s *TenantStore) loadLocked(tenant string) (*TenantRecord, error) {
	if rec, ok := s.cache[tenant]; ok {
		return rec, nil
	}
	rec := defaultRecord(tenant)
	data, err := os.ReadFile(s.path(tenant))
	switch {
	case os.IsNotExist(err):
		// Init-on-first-access: the defaulted record is used as-is.
	case err != nil:
		return nil, fmt.Errorf("read tenant record: %w", err)
	default:
		if err := json.Unmarshal(data, rec); err != nil {
			return nil, fmt.Errorf("parse tenant record %s: %w", tenant, err)
		}
		applyDefaults(rec, tenant)
	}
	s.cache[tenant] = rec
	return rec, nil
}

func (s *TenantStore) saveLocked(rec *TenantRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tenant record: %w", err)
	}
	final := s.path(rec.TenantID)
	tmp, err := os.CreateTemp(s.dir, rec.TenantID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename tenant record: %w", err)
	}
	s.cache[rec.TenantID] = rec
	return nil
}

func defaultRecord(tenant string) *TenantRecord {
	return &TenantRecord{
		TenantID:        tenant,
		NextPanelID:     1,
		TicketCounters:  make(map[string]int64),
		NextRosterEntry: 1,
	}
}

// applyDefaults repairs records written by older versions or edited by
// hand, keeping counter invariants intact.
func applyDefaults(rec *TenantRecord, tenant string) {
	if rec.TenantID == "" {
		rec.TenantID = tenant
	}
	if rec.TicketCounters == nil {
		rec.TicketCounters = make(map[string]int64)
	}
	if rec.NextPanelID < 1 {
		rec.NextPanelID = 1
	}
	if rec.NextRosterEntry < 1 {
		rec.NextRosterEntry = 1
	}
}

func copyRecord(rec *TenantRecord) *TenantRecord {
	out := *rec
	out.Panels = make([]Panel, len(rec.Panels))
	copy(out.Panels, rec.Panels)
	for i := range out.Panels {
		roles := make([]HandlerRole, len(out.Panels[i].HandlerRoles))
		copy(roles, out.Panels[i].HandlerRoles)
		out.Panels[i].HandlerRoles = roles
	}
	out.TicketCounters = make(map[string]int64, len(rec.TicketCounters))
	for k, v := range rec.TicketCounters {
		out.TicketCounters[k] = v
	}
	return &out
}
