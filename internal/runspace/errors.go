package runspace

import "errors"

// Sentinel errors returned by manager operations. Every failure wraps one
// of these (or a backend sentinel) together with the runspace id, so a
// caller can decide between retry, surface-to-user, or abandon.
var (
	// ErrNotFound: operation on an unknown runspace id.
	ErrNotFound = errors.New("runspace not found")
	// ErrDuplicateName: creation with a name already in use.
	ErrDuplicateName = errors.New("runspace name already in use")
	// ErrPathNotFound: creation with a project path that does not exist.
	ErrPathNotFound = errors.New("project path not found")
	// ErrBackendTimeout: the execution environment failed to transition
	// within the configured bound. Never retried internally; retry safety
	// is the caller's call.
	ErrBackendTimeout = errors.New("backend timeout")
	// ErrInvalidRequest: malformed or incomplete operation input.
	ErrInvalidRequest = errors.New("invalid request")
)
