// Package runspace orchestrates the lifecycle of runspaces: it validates
// and serializes operations, drives the backends and the PTY bridge, and
// reconciles the durable registry (declared state) with the backends' live
// process tables (actual state).
package runspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p-arndt/runspace/internal/backend"
	"github.com/p-arndt/runspace/internal/config"
	"github.com/p-arndt/runspace/internal/events"
	"github.com/p-arndt/runspace/internal/registry"
)

type Manager struct {
	cfg      *config.Config
	store    RegistryStore
	backends map[registry.BackendType]backend.Backend
	bridge   SessionBridge
	bus      EventSink
	logger   *slog.Logger

	// mu guards the snapshot (records, active pointer) and every Save.
	mu   sync.Mutex
	snap *registry.Snapshot

	// Per-runspace mutexes serialize conflicting lifecycle operations;
	// operations on distinct ids proceed concurrently.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

func NewManager(cfg *config.Config, store RegistryStore, backends map[registry.BackendType]backend.Backend, bridge SessionBridge, bus EventSink, logger *slog.Logger) (*Manager, error) {
	snap, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		backends: backends,
		bridge:   bridge,
		bus:      bus,
		logger:   logger,
		snap:     snap,
		locks:    make(map[string]*sync.Mutex),
	}
	bridge.SetExitFunc(m.handleSessionExit)
	return m, nil
}

func (m *Manager) runspaceLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	return mu
}

func (m *Manager) removeRunspaceLock(id string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, id)
}

// find returns the live record for id. Callers hold m.mu.
func (m *Manager) find(id string) *registry.Runspace {
	for _, rs := range m.snap.Runspaces {
		if rs.ID == id {
			return rs
		}
	}
	return nil
}

func (m *Manager) findByName(name string) *registry.Runspace {
	for _, rs := range m.snap.Runspaces {
		if rs.Name == name {
			return rs
		}
	}
	return nil
}

// snapshot returns a clone of the record for use outside m.mu.
func (m *Manager) snapshot(id string) (*registry.Runspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.find(id)
	if rs == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rs.Clone(), nil
}

// save persists the snapshot. Callers hold m.mu. Every mutating operation
// goes through here synchronously: losing a transition on crash costs more
// than the write latency.
func (m *Manager) save() error {
	return m.store.Save(m.snap)
}

func (m *Manager) backendFor(rs *registry.Runspace) (backend.Backend, error) {
	be, ok := m.backends[rs.BackendType]
	if !ok {
		return nil, fmt.Errorf("%w: no %s backend configured", backend.ErrUnavailable, rs.BackendType)
	}
	return be, nil
}

// backendCtx bounds a backend call so a wedged environment cannot hang an
// operation forever.
func (m *Manager) backendCtx(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	if seconds <= 0 {
		seconds = 30
	}
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}

// mapBackendErr attaches the runspace id and turns deadline expiry into the
// stable timeout kind. Status is left as it was before the attempt.
func mapBackendErr(err error, id string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: runspace %s", ErrBackendTimeout, id)
	}
	return fmt.Errorf("runspace %s: %w", id, err)
}

func (m *Manager) emit(typ events.Type, rs *registry.Runspace, detail string) {
	m.bus.Publish(events.Event{
		Type:       typ,
		RunspaceID: rs.ID,
		Name:       rs.Name,
		Detail:     detail,
		At:         time.Now().UTC(),
	})
}

// handleSessionExit clears a runspace's session binding when its shell
// dies, whether cleanly or not. Wired into the bridge's exit callback.
func (m *Manager) handleSessionExit(runspaceID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := m.find(runspaceID)
	if rs == nil || rs.SessionID != sessionID {
		return
	}
	rs.SessionID = ""
	if err := m.save(); err != nil {
		m.logger.Error("persist session exit", "runspace_id", runspaceID, "error", err)
	}
}

// Reconcile aligns declared state with actual state at startup: a record
// claiming active whose backend handle is dead is rewritten to stopped, so
// the registry never advertises an environment that does not exist.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, rs := range m.snap.Runspaces {
		if rs.Status != registry.StatusActive {
			continue
		}
		be, err := m.backendFor(rs)
		if err != nil {
			m.logger.Warn("reconcile: backend missing, marking stopped",
				"runspace_id", rs.ID, "backend", rs.BackendType)
			m.markStoppedLocked(rs)
			changed = true
			continue
		}
		h, err := be.Health(ctx, rs)
		if err != nil || h.Status == backend.Unhealthy {
			m.logger.Warn("reconcile: environment not running, marking stopped",
				"runspace_id", rs.ID)
			m.markStoppedLocked(rs)
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return m.save()
}

// markStoppedLocked rewrites a record to stopped. Callers hold m.mu.
func (m *Manager) markStoppedLocked(rs *registry.Runspace) {
	rs.Status = registry.StatusStopped
	rs.ClearHandle()
	if m.snap.ActiveRunspaceID == rs.ID {
		m.snap.ActiveRunspaceID = ""
	}
}

// applyHandle copies the backend handle into the record. Callers hold m.mu.
func applyHandle(rs *registry.Runspace, h backend.Handle) {
	rs.PID = h.PID
	rs.ContainerID = h.ContainerID
	rs.VMID = h.VMID
}

// Get returns a copy of the runspace record.
func (m *Manager) Get(ctx context.Context, id string) (*registry.Runspace, error) {
	return m.snapshot(id)
}

// GetByName returns a copy of the runspace with the given name.
func (m *Manager) GetByName(ctx context.Context, name string) (*registry.Runspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.findByName(name)
	if rs == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return rs.Clone(), nil
}

// List returns copies of all runspace records.
func (m *Manager) List(ctx context.Context) ([]*registry.Runspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*registry.Runspace, len(m.snap.Runspaces))
	for i, rs := range m.snap.Runspaces {
		out[i] = rs.Clone()
	}
	return out, nil
}

// ActiveRunspaceID returns the process-wide active pointer, if set.
func (m *Manager) ActiveRunspaceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.ActiveRunspaceID
}

// Health proxies the backend's health probe for a runspace.
func (m *Manager) Health(ctx context.Context, id string) (backend.Health, error) {
	rs, err := m.snapshot(id)
	if err != nil {
		return backend.Health{}, err
	}
	be, err := m.backendFor(rs)
	if err != nil {
		return backend.StoppedHealth(), nil
	}
	return be.Health(ctx, rs)
}
