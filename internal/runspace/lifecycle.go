package runspace

import (
	"context"
	"fmt"
	"time"

	"github.com/p-arndt/runspace/internal/backend"
	"github.com/p-arndt/runspace/internal/events"
	"github.com/p-arndt/runspace/internal/registry"
)

// Start brings a runspace's execution environment up. Starting an already
// active runspace is a no-op. Suspended runspaces are resumed in place.
func (m *Manager) Start(ctx context.Context, id string) (*registry.Runspace, error) {
	lk := m.runspaceLock(id)
	lk.Lock()
	defer lk.Unlock()
	return m.startLocked(ctx, id)
}

// startLocked does the actual start. Callers hold the per-runspace lock.
func (m *Manager) startLocked(ctx context.Context, id string) (*registry.Runspace, error) {
	rs, err := m.snapshot(id)
	if err != nil {
		return nil, err
	}
	if rs.Status == registry.StatusActive {
		return rs, nil
	}

	be, err := m.backendFor(rs)
	if err != nil {
		return nil, mapBackendErr(err, id)
	}

	callCtx, cancel := m.backendCtx(ctx, m.cfg.Defaults.StartTimeoutSeconds)
	defer cancel()

	var h backend.Handle
	if rs.Status == registry.StatusSuspended {
		h, err = be.Resume(callCtx, rs)
	} else {
		h, err = be.Start(callCtx, rs)
	}
	if err != nil {
		return nil, mapBackendErr(err, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.find(id)
	if live == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	live.Status = registry.StatusActive
	applyHandle(live, h)
	live.LastActiveAt = time.Now().UTC()
	if err := m.save(); err != nil {
		return nil, fmt.Errorf("runspace %s: persist: %w", id, err)
	}

	m.emit(events.TypeActivated, live, "")
	m.logger.Info("runspace started", "runspace_id", id, "backend", live.BackendType)
	return live.Clone(), nil
}

// Stop tears the execution environment down. The PTY session, when one is
// attached, is closed and awaited first so no client writes race the
// teardown. Stopping a stopped runspace is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	lk := m.runspaceLock(id)
	lk.Lock()
	defer lk.Unlock()
	return m.stopLocked(ctx, id)
}

func (m *Manager) stopLocked(ctx context.Context, id string) error {
	rs, err := m.snapshot(id)
	if err != nil {
		return err
	}
	if rs.Status == registry.StatusStopped {
		return nil
	}

	m.bridge.Close(id)

	be, err := m.backendFor(rs)
	if err != nil {
		return mapBackendErr(err, id)
	}
	callCtx, cancel := m.backendCtx(ctx, m.cfg.Defaults.StopTimeoutSeconds)
	defer cancel()
	if err := be.Stop(callCtx, rs); err != nil {
		return mapBackendErr(err, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.find(id)
	if live == nil {
		return nil
	}
	m.markStoppedLocked(live)
	if err := m.save(); err != nil {
		return fmt.Errorf("runspace %s: persist: %w", id, err)
	}

	m.emit(events.TypeStopped, live, "")
	m.logger.Info("runspace stopped", "runspace_id", id)
	return nil
}

// Suspend puts an active runspace into the suspended state, releasing its
// session and process handles while preserving backend-specific resume
// state (a paused container keeps its id).
func (m *Manager) Suspend(ctx context.Context, id string) error {
	lk := m.runspaceLock(id)
	lk.Lock()
	defer lk.Unlock()
	return m.suspendLocked(ctx, id)
}

func (m *Manager) suspendLocked(ctx context.Context, id string) error {
	rs, err := m.snapshot(id)
	if err != nil {
		return err
	}
	if rs.Status != registry.StatusActive {
		return fmt.Errorf("runspace %s: cannot suspend %s runspace", id, rs.Status)
	}

	m.bridge.Close(id)

	be, err := m.backendFor(rs)
	if err != nil {
		return mapBackendErr(err, id)
	}
	callCtx, cancel := m.backendCtx(ctx, m.cfg.Defaults.StopTimeoutSeconds)
	defer cancel()
	if err := be.Suspend(callCtx, rs); err != nil {
		return mapBackendErr(err, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.find(id)
	if live == nil {
		return nil
	}
	live.Status = registry.StatusSuspended
	live.SessionID = ""
	live.PID = 0
	if m.snap.ActiveRunspaceID == id {
		m.snap.ActiveRunspaceID = ""
	}
	if err := m.save(); err != nil {
		return fmt.Errorf("runspace %s: persist: %w", id, err)
	}

	m.emit(events.TypeSuspended, live, "")
	m.logger.Info("runspace suspended", "runspace_id", id)
	return nil
}

// Resume is Start for suspended runspaces; the distinction lives in the
// backend.
func (m *Manager) Resume(ctx context.Context, id string) (*registry.Runspace, error) {
	return m.Start(ctx, id)
}

// Switch makes the target runspace the active one. The previously active
// runspace, when it opted into autoSuspend, is fully suspended before the
// target starts; the two transitions never overlap.
func (m *Manager) Switch(ctx context.Context, id string) (*registry.Runspace, error) {
	if _, err := m.snapshot(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	prevID := m.snap.ActiveRunspaceID
	var prevAutoSuspend bool
	if prev := m.find(prevID); prev != nil {
		prevAutoSuspend = prev.AutoSuspend
	}
	m.mu.Unlock()

	// The old environment's resources must be released before the new
	// one's are acquired; a failed suspend aborts the switch.
	if prevID != "" && prevID != id && prevAutoSuspend {
		lk := m.runspaceLock(prevID)
		lk.Lock()
		err := m.suspendLocked(ctx, prevID)
		lk.Unlock()
		if err != nil {
			return nil, fmt.Errorf("suspend previous runspace: %w", err)
		}
	}

	lk := m.runspaceLock(id)
	lk.Lock()
	defer lk.Unlock()

	rs, err := m.startLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.ActiveRunspaceID = id
	if err := m.save(); err != nil {
		return nil, fmt.Errorf("runspace %s: persist: %w", id, err)
	}
	return rs, nil
}
