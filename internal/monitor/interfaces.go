package monitor

import (
	"context"

	"github.com/p-arndt/runspace/internal/backend"
	"github.com/p-arndt/runspace/internal/registry"
)

// Lifecycle abstracts the manager operations the monitor needs.
type Lifecycle interface {
	List(ctx context.Context) ([]*registry.Runspace, error)
	Health(ctx context.Context, id string) (backend.Health, error)
	Suspend(ctx context.Context, id string) error
}
