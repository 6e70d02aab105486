package ctl

import (
	"errors"

	"github.com/p-arndt/runspace/internal/backend"
	"github.com/p-arndt/runspace/internal/runspace"
	"github.com/p-arndt/runspace/protocol"
)

// errorKind maps an operation error to one of the stable wire kinds.
func errorKind(err error) string {
	switch {
	case errors.Is(err, runspace.ErrNotFound):
		return protocol.ErrKindNotFound
	case errors.Is(err, runspace.ErrDuplicateName):
		return protocol.ErrKindDuplicateName
	case errors.Is(err, runspace.ErrPathNotFound):
		return protocol.ErrKindPathNotFound
	case errors.Is(err, runspace.ErrBackendTimeout):
		return protocol.ErrKindBackendTimeout
	case errors.Is(err, runspace.ErrInvalidRequest):
		return protocol.ErrKindInvalidRequest
	case errors.Is(err, backend.ErrUnavailable):
		return protocol.ErrKindBackendUnavailable
	case errors.Is(err, backend.ErrFailure):
		return protocol.ErrKindBackendFailure
	default:
		return protocol.ErrKindInternal
	}
}
