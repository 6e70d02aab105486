package ctl

import (
	"context"
	"io"

	"github.com/p-arndt/runspace/internal/backend"
	"github.com/p-arndt/runspace/internal/events"
	"github.com/p-arndt/runspace/internal/ptybridge"
	"github.com/p-arndt/runspace/internal/registry"
	"github.com/p-arndt/runspace/internal/runspace"
)

// ManagerAPI abstracts the manager operations exposed on the control
// socket.
type ManagerAPI interface {
	Create(ctx context.Context, opts runspace.CreateOpts) (*registry.Runspace, error)
	Update(ctx context.Context, id string, opts runspace.UpdateOpts) (*registry.Runspace, error)
	Get(ctx context.Context, id string) (*registry.Runspace, error)
	GetByName(ctx context.Context, name string) (*registry.Runspace, error)
	List(ctx context.Context) ([]*registry.Runspace, error)
	Start(ctx context.Context, id string) (*registry.Runspace, error)
	Stop(ctx context.Context, id string) error
	Suspend(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) (*registry.Runspace, error)
	Switch(ctx context.Context, id string) (*registry.Runspace, error)
	Delete(ctx context.Context, id string, deleteFiles bool) error
	Execute(ctx context.Context, id, command string) (string, error)
	Health(ctx context.Context, id string) (backend.Health, error)
	AttachPTY(ctx context.Context, id string) (*ptybridge.Session, error)
	ActiveRunspaceID() string
}

// SessionServer serves the frame protocol for an attached client.
type SessionServer interface {
	ServeClient(s *ptybridge.Session, conn io.ReadWriter) error
}

// EventSource reads back the persisted event journal.
type EventSource interface {
	Recent(limit int) ([]events.Event, error)
	ByRunspace(runspaceID string, limit int) ([]events.Event, error)
}
