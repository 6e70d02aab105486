// Package registry holds the durable record of all runspaces and the
// active-runspace pointer. It is the source of truth for declared state;
// the backends own actual state.
package registry

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a runspace.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// BackendType selects the execution backend for a runspace.
type BackendType string

const (
	BackendLocalNamespace BackendType = "local-namespace"
	BackendContainer      BackendType = "container"
	BackendVM             BackendType = "vm"
)

// Runspace is one isolated, named development environment bound to a
// project path and a backend. The vision, project-state, and backend-config
// blobs are caller-owned and persisted verbatim; this subsystem never
// interprets them.
type Runspace struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"displayName"`
	Path        string      `json:"path"`
	BackendType BackendType `json:"backendType"`
	Status      Status      `json:"status"`

	Vision        json.RawMessage `json:"vision,omitempty"`
	ProjectState  json.RawMessage `json:"projectState,omitempty"`
	BackendConfig json.RawMessage `json:"backendConfig,omitempty"`

	// SessionID is set only while a PTY session is attached.
	SessionID string `json:"sessionId,omitempty"`

	// At most one of these identifies the live backend handle.
	PID         int    `json:"pid,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
	VMID        string `json:"vmId,omitempty"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`

	Tags                  []string `json:"tags,omitempty"`
	AutoStart             bool     `json:"autoStart"`
	AutoSuspend           bool     `json:"autoSuspend"`
	SuspendTimeoutSeconds int      `json:"suspendTimeoutSeconds"`
}

// ClearHandle drops all backend handle fields and the attached session.
func (r *Runspace) ClearHandle() {
	r.SessionID = ""
	r.PID = 0
	r.ContainerID = ""
	r.VMID = ""
}

// Clone returns a deep copy safe to hand to callers outside the manager's
// lock.
func (r *Runspace) Clone() *Runspace {
	out := *r
	out.Vision = append(json.RawMessage(nil), r.Vision...)
	out.ProjectState = append(json.RawMessage(nil), r.ProjectState...)
	out.BackendConfig = append(json.RawMessage(nil), r.BackendConfig...)
	out.Tags = append([]string(nil), r.Tags...)
	return &out
}

// SchemaVersion is bumped when the snapshot layout changes.
const SchemaVersion = 1

// Snapshot is the single durable root: every runspace record plus the
// active pointer.
type Snapshot struct {
	Runspaces        []*Runspace `json:"runspaces"`
	ActiveRunspaceID string      `json:"activeRunspaceId,omitempty"`
	Version          int         `json:"version"`
	LastSync         time.Time   `json:"lastSync"`
}

// EmptySnapshot returns a valid first-run snapshot.
func EmptySnapshot() *Snapshot {
	return &Snapshot{
		Runspaces: []*Runspace{},
		Version:   SchemaVersion,
	}
}
