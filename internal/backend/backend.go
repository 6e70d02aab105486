// Package backend defines the execution-backend contract. A backend knows
// how to start, stop, suspend, and resume a runspace's environment, run
// one-shot commands in it, hand out an interactive shell process, and
// report health. Backends never touch the registry: the manager commits
// status transitions only after a backend call succeeds.
package backend

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/p-arndt/runspace/internal/registry"
)

// Sentinel errors shared by all backends.
var (
	// ErrUnavailable: operation attempted against a runspace whose
	// environment is not active.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrFailure: the environment failed to transition.
	ErrFailure = errors.New("backend failure")
)

// Handle identifies a live execution environment. At most one field is set,
// matching the backend type.
type Handle struct {
	PID         int
	ContainerID string
	VMID        string
}

// Empty reports whether the handle identifies nothing.
func (h Handle) Empty() bool {
	return h.PID == 0 && h.ContainerID == "" && h.VMID == ""
}

// HealthStatus classifies an environment's condition.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Health is the result of a health probe.
type Health struct {
	Status        HealthStatus `json:"status"`
	CPUPercent    float64      `json:"cpu"`
	MemoryMB      float64      `json:"memory"`
	DiskMB        int64        `json:"diskMB"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
	LastCheck     time.Time    `json:"lastCheck"`
}

// StoppedHealth is what Health returns for an environment that is not
// running: unhealthy with zeroed metrics, never an error.
func StoppedHealth() Health {
	return Health{Status: Unhealthy, LastCheck: time.Now().UTC()}
}

// Backend is the contract every execution backend satisfies. New backends
// (container, VM) are added by implementing it; the manager never branches
// on backend type.
type Backend interface {
	Type() registry.BackendType

	// Start acquires or creates the execution environment. Idempotent:
	// starting an already-started runspace returns the existing handle.
	Start(ctx context.Context, rs *registry.Runspace) (Handle, error)

	// Stop terminates the environment and all attached sessions: graceful
	// signal, bounded grace period, then force kill. Idempotent.
	Stop(ctx context.Context, rs *registry.Runspace) error

	// Suspend pauses the environment. Backends without a pause primitive
	// degrade to Stop; only declared state is guaranteed to survive.
	Suspend(ctx context.Context, rs *registry.Runspace) error

	// Resume continues (or reconstructs) a suspended environment.
	Resume(ctx context.Context, rs *registry.Runspace) (Handle, error)

	// Execute runs one command to completion inside the environment and
	// returns its combined output. Fails with ErrUnavailable if the
	// runspace is not active.
	Execute(ctx context.Context, rs *registry.Runspace, command string) (string, error)

	// ShellCommand returns an interactive shell process rooted in the
	// environment, ready for the PTY bridge to start under a pseudo
	// terminal. The runspace identity env vars and prompt are injected.
	ShellCommand(rs *registry.Runspace) (*exec.Cmd, error)

	// Health probes the environment. Never errors for a stopped runspace;
	// it reports unhealthy with zeroed metrics instead.
	Health(ctx context.Context, rs *registry.Runspace) (Health, error)
}
