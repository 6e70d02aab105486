// Package protocol defines the JSON-line message types exchanged between
// the runspace daemon, attached terminal clients, and the PTY bridge.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
)

// FrameType identifies a PTY bridge message.
type FrameType string

const (
	// Client → bridge.
	FrameInput   FrameType = "input"   // raw bytes for the PTY
	FrameResize  FrameType = "resize"  // terminal geometry change
	FrameExecute FrameType = "execute" // convenience: command + newline as input

	// Bridge → client.
	FrameOutput FrameType = "output" // bytes read from the PTY
	FrameError  FrameType = "error"  // fatal stream fault, stream closes after
)

// Frame is the envelope for all PTY bridge traffic.
type Frame struct {
	Type FrameType `json:"type"`

	// input / output
	Data string `json:"data,omitempty"`

	// resize
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// execute
	Command string `json:"command,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// MaxFrameBytes caps a single JSON frame on the wire.
const MaxFrameBytes = 1 * 1024 * 1024

// WriteFrame writes one newline-terminated JSON frame.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// ReadFrame reads one newline-terminated JSON frame from a buffered reader.
// The size cap is enforced while reading, not after, so an endless line
// cannot grow the buffer past MaxFrameBytes.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxFrameBytes {
			return Frame{}, fmt.Errorf("frame exceeds %d bytes", MaxFrameBytes)
		}
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return Frame{}, err
		}
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return f, nil
}

// Environment variables injected into every runspace shell so a user attached
// to several runspaces can tell them apart.
const (
	EnvRunspaceID   = "RUNSPACE_ID"
	EnvRunspaceName = "RUNSPACE_NAME"
	EnvRunspacePath = "RUNSPACE_PATH"
)

// Prompt returns the PS1 value for a runspace shell.
func Prompt(displayName string) string {
	return "[" + displayName + "] \\w $ "
}

// MetadataDirName is the per-runspace directory created under the project
// path to hold the opaque caller-owned blobs.
const MetadataDirName = ".runspace"

const (
	VisionFileName        = "vision.json"
	BackendConfigFileName = "backend.json"
)

func MetadataDir(projectPath string) string {
	return filepath.Join(projectPath, MetadataDirName)
}

func VisionPath(projectPath string) string {
	return filepath.Join(MetadataDir(projectPath), VisionFileName)
}

func BackendConfigPath(projectPath string) string {
	return filepath.Join(MetadataDir(projectPath), BackendConfigFileName)
}

// Request is the envelope sent from a control client to the daemon socket.
type Request struct {
	ID string `json:"id"`
	Op string `json:"op"`

	// Target runspace for lifecycle operations.
	RunspaceID string `json:"runspace_id,omitempty"`

	// Create / update fields.
	Name                  string          `json:"name,omitempty"`
	DisplayName           string          `json:"display_name,omitempty"`
	Path                  string          `json:"path,omitempty"`
	BackendType           string          `json:"backend_type,omitempty"`
	Tags                  []string        `json:"tags,omitempty"`
	AutoStart             *bool           `json:"auto_start,omitempty"`
	AutoSuspend           *bool           `json:"auto_suspend,omitempty"`
	SuspendTimeoutSeconds int             `json:"suspend_timeout_seconds,omitempty"`
	Vision                json.RawMessage `json:"vision,omitempty"`
	ProjectState          json.RawMessage `json:"project_state,omitempty"`
	BackendConfig         json.RawMessage `json:"backend_config,omitempty"`

	// Exec fields.
	Command string `json:"command,omitempty"`

	// Delete fields.
	DeleteFiles bool `json:"delete_files,omitempty"`

	// Events fields.
	Limit int `json:"limit,omitempty"`
}

// Control operations accepted by the daemon socket.
const (
	OpCreate  = "create"
	OpGet     = "get"
	OpList    = "list"
	OpUpdate  = "update"
	OpStart   = "start"
	OpStop    = "stop"
	OpSuspend = "suspend"
	OpResume  = "resume"
	OpSwitch  = "switch"
	OpDelete  = "delete"
	OpExec    = "exec"
	OpHealth  = "health"
	OpEvents  = "events"
	// OpAttach upgrades the connection: after the OK response, the daemon
	// speaks Frame messages on the same connection until it closes.
	OpAttach = "attach"
)

// Response is the envelope sent from the daemon back to a control client.
type Response struct {
	ID        string          `json:"id"`
	OK        bool            `json:"ok"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Stable error kinds surfaced on the control socket. Callers use these to
// decide between retry, surface-to-user, or abandon.
const (
	ErrKindNotFound           = "NOT_FOUND"
	ErrKindDuplicateName      = "DUPLICATE_NAME"
	ErrKindPathNotFound       = "PATH_NOT_FOUND"
	ErrKindBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrKindBackendTimeout     = "BACKEND_TIMEOUT"
	ErrKindBackendFailure     = "BACKEND_FAILURE"
	ErrKindInvalidRequest     = "INVALID_REQUEST"
	ErrKindInternal           = "INTERNAL_ERROR"
)
