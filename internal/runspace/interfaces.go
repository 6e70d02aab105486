package runspace

import (
	"os/exec"

	"github.com/p-arndt/runspace/internal/events"
	"github.com/p-arndt/runspace/internal/ptybridge"
	"github.com/p-arndt/runspace/internal/registry"
)

// RegistryStore persists the snapshot. The manager is the single writer.
type RegistryStore interface {
	Load() (*registry.Snapshot, error)
	Save(*registry.Snapshot) error
}

// SessionBridge owns interactive PTY sessions.
type SessionBridge interface {
	Attach(rs *registry.Runspace, newShell func() (*exec.Cmd, error)) (*ptybridge.Session, bool, error)
	Session(runspaceID string) *ptybridge.Session
	Close(runspaceID string)
	SetExitFunc(ptybridge.ExitFunc)
}

// EventSink receives lifecycle events for external subscribers.
type EventSink interface {
	Publish(events.Event)
}
