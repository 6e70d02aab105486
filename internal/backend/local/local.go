//go:build linux

// Package local implements the local-namespace backend: the runspace
// environment is a supervised process group anchored at the project path on
// the host. There is no pause primitive, so suspend degrades to stop and
// resume reconstructs an equivalent environment from declared state.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/runspace/internal/backend"
	"github.com/p-arndt/runspace/internal/config"
	"github.com/p-arndt/runspace/internal/registry"
	"github.com/p-arndt/runspace/protocol"
)

// anchor is the long-lived root of a runspace's process group.
type anchor struct {
	pid       int
	startedAt time.Time
	done      chan struct{} // closed when the anchor exits (own children only)
	adopted   bool          // pre-existing pid picked up after a daemon restart
}

type Backend struct {
	cfg    config.BackendDefaults
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*anchor // runspace id -> anchor
}

func New(cfg config.BackendDefaults, logger *slog.Logger) *Backend {
	return &Backend{
		cfg:    cfg,
		logger: logger,
		procs:  make(map[string]*anchor),
	}
}

func (b *Backend) Type() registry.BackendType {
	return registry.BackendLocalNamespace
}

// runspaceEnv returns the process environment for anything spawned inside
// the runspace.
func runspaceEnv(rs *registry.Runspace) []string {
	return append(os.Environ(),
		protocol.EnvRunspaceID+"="+rs.ID,
		protocol.EnvRunspaceName+"="+rs.Name,
		protocol.EnvRunspacePath+"="+rs.Path,
		"PS1="+protocol.Prompt(rs.DisplayName),
		"TERM=xterm-256color",
	)
}

func (b *Backend) Start(ctx context.Context, rs *registry.Runspace) (backend.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if a, ok := b.procs[rs.ID]; ok && processAlive(a.pid) {
		return backend.Handle{PID: a.pid}, nil
	}

	// A pid recorded in the registry that is still alive (daemon restart)
	// is adopted rather than doubled up.
	if rs.PID != 0 && processAlive(rs.PID) {
		a := &anchor{pid: rs.PID, startedAt: time.Now().UTC(), adopted: true}
		b.procs[rs.ID] = a
		return backend.Handle{PID: a.pid}, nil
	}

	if _, err := os.Stat(rs.Path); err != nil {
		return backend.Handle{}, fmt.Errorf("%w: project path %s: %v", backend.ErrFailure, rs.Path, err)
	}

	// The anchor holds the process group open; sessions and one-shot
	// commands join its group via Setsid'd children of the same root.
	cmd := exec.Command("/bin/sh", "-c", "exec sleep 2147483647")
	cmd.Dir = rs.Path
	cmd.Env = runspaceEnv(rs)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return backend.Handle{}, fmt.Errorf("%w: start anchor: %v", backend.ErrFailure, err)
	}

	a := &anchor{
		pid:       cmd.Process.Pid,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	b.procs[rs.ID] = a

	go func() {
		cmd.Wait()
		close(a.done)
		b.mu.Lock()
		if cur, ok := b.procs[rs.ID]; ok && cur == a {
			delete(b.procs, rs.ID)
		}
		b.mu.Unlock()
	}()

	b.logger.Info("runspace environment started", "runspace_id", rs.ID, "pid", a.pid)
	return backend.Handle{PID: a.pid}, nil
}

func (b *Backend) Stop(ctx context.Context, rs *registry.Runspace) error {
	b.mu.Lock()
	a, ok := b.procs[rs.ID]
	if ok {
		delete(b.procs, rs.ID)
	}
	b.mu.Unlock()

	pid := rs.PID
	if ok {
		pid = a.pid
	}
	if pid == 0 || !processAlive(pid) {
		return nil // already stopped
	}

	// Graceful: TERM the whole group, wait the grace period, then KILL.
	_ = unix.Kill(-pid, unix.SIGTERM)

	grace := time.Duration(b.cfg.StopGraceSeconds) * time.Second
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			_ = unix.Kill(-pid, unix.SIGKILL)
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	_ = unix.Kill(-pid, unix.SIGKILL)

	// KILL is not synchronous; give the kernel a beat before declaring
	// failure.
	for i := 0; i < 20; i++ {
		if !processAlive(pid) {
			b.logger.Info("runspace environment killed", "runspace_id", rs.ID, "pid", pid)
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("%w: pid %d survived SIGKILL", backend.ErrFailure, pid)
}

// Suspend degrades to Stop: the local-namespace backend has no pause
// primitive. The working directory and environment are declared state, so
// Resume can reconstruct an equivalent environment; in-memory process state
// does not survive.
func (b *Backend) Suspend(ctx context.Context, rs *registry.Runspace) error {
	return b.Stop(ctx, rs)
}

func (b *Backend) Resume(ctx context.Context, rs *registry.Runspace) (backend.Handle, error) {
	return b.Start(ctx, rs)
}

func (b *Backend) Execute(ctx context.Context, rs *registry.Runspace, command string) (string, error) {
	b.mu.Lock()
	a, ok := b.procs[rs.ID]
	b.mu.Unlock()
	if !ok || !processAlive(a.pid) {
		return "", fmt.Errorf("%w: runspace %s", backend.ErrUnavailable, rs.ID)
	}

	cmd := exec.CommandContext(ctx, b.shell(), "-c", command)
	cmd.Dir = rs.Path
	cmd.Env = runspaceEnv(rs)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return string(out), ctx.Err()
		}
		return string(out), fmt.Errorf("%w: %v", backend.ErrFailure, err)
	}
	return string(out), nil
}

func (b *Backend) ShellCommand(rs *registry.Runspace) (*exec.Cmd, error) {
	shell := b.shell()
	if _, err := os.Stat(shell); err != nil {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell, "-l")
	cmd.Dir = rs.Path
	cmd.Env = runspaceEnv(rs)
	return cmd, nil
}

func (b *Backend) Health(ctx context.Context, rs *registry.Runspace) (backend.Health, error) {
	b.mu.Lock()
	a, ok := b.procs[rs.ID]
	b.mu.Unlock()

	pid := rs.PID
	startedAt := time.Time{}
	if ok {
		pid = a.pid
		startedAt = a.startedAt
	}
	if pid == 0 || !processAlive(pid) {
		return backend.StoppedHealth(), nil
	}

	h := backend.Health{
		Status:    backend.Healthy,
		LastCheck: time.Now().UTC(),
	}
	if !startedAt.IsZero() {
		h.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}

	if cpu, rssMB, uptime, err := readProcMetrics(pid); err == nil {
		h.CPUPercent = cpu
		h.MemoryMB = rssMB
		if h.UptimeSeconds == 0 {
			h.UptimeSeconds = uptime
		}
	}

	var st unix.Statfs_t
	if err := unix.Statfs(rs.Path, &st); err != nil {
		// Path gone after creation is a health fault, not a blocking
		// invariant.
		h.Status = backend.Degraded
	} else {
		h.DiskMB = int64(st.Bavail) * st.Bsize / (1024 * 1024)
	}

	return h, nil
}

func (b *Backend) shell() string {
	if b.cfg.Shell != "" {
		return b.cfg.Shell
	}
	return "/bin/sh"
}

// processAlive reports whether pid exists (signal 0 probe).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return err == unix.EPERM
}
