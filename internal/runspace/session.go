package runspace

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/p-arndt/runspace/internal/backend"
	"github.com/p-arndt/runspace/internal/ptybridge"
	"github.com/p-arndt/runspace/internal/registry"
)

// AttachPTY binds a client to the runspace's interactive shell, spawning
// one on first attach. The runspace must be active. The returned session's
// id is persisted so a restarted daemon can tell a stale binding from a
// live one.
func (m *Manager) AttachPTY(ctx context.Context, id string) (*ptybridge.Session, error) {
	lk := m.runspaceLock(id)
	lk.Lock()
	defer lk.Unlock()

	rs, err := m.snapshot(id)
	if err != nil {
		return nil, err
	}
	if rs.Status != registry.StatusActive {
		return nil, fmt.Errorf("runspace %s: %w: not active", id, backend.ErrUnavailable)
	}

	be, err := m.backendFor(rs)
	if err != nil {
		return nil, mapBackendErr(err, id)
	}

	sess, reused, err := m.bridge.Attach(rs, func() (*exec.Cmd, error) {
		return be.ShellCommand(rs)
	})
	if err != nil {
		return nil, fmt.Errorf("runspace %s: attach: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if live := m.find(id); live != nil {
		live.SessionID = sess.ID
		live.LastActiveAt = time.Now().UTC()
		if err := m.save(); err != nil {
			m.logger.Error("persist session binding", "runspace_id", id, "error", err)
		}
	}
	if !reused {
		m.logger.Info("shell session started", "runspace_id", id, "session_id", sess.ID, "pid", sess.PID())
	}
	return sess, nil
}

// Execute runs a one-shot command inside the runspace's environment and
// returns its combined output. The runspace must be active.
func (m *Manager) Execute(ctx context.Context, id, command string) (string, error) {
	lk := m.runspaceLock(id)
	lk.Lock()
	defer lk.Unlock()

	rs, err := m.snapshot(id)
	if err != nil {
		return "", err
	}
	if rs.Status != registry.StatusActive {
		return "", fmt.Errorf("runspace %s: %w: not active", id, backend.ErrUnavailable)
	}

	be, err := m.backendFor(rs)
	if err != nil {
		return "", mapBackendErr(err, id)
	}

	callCtx, cancel := m.backendCtx(ctx, m.cfg.Defaults.ExecTimeoutSeconds)
	defer cancel()
	out, err := be.Execute(callCtx, rs, command)
	if err != nil {
		return out, mapBackendErr(err, id)
	}

	m.mu.Lock()
	if live := m.find(id); live != nil {
		live.LastActiveAt = time.Now().UTC()
		if err := m.save(); err != nil {
			m.logger.Error("persist activity timestamp", "runspace_id", id, "error", err)
		}
	}
	m.mu.Unlock()
	return out, nil
}
