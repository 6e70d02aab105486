package ctl

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/runspace/internal/backend"
	"github.com/p-arndt/runspace/internal/events"
	"github.com/p-arndt/runspace/internal/ptybridge"
	"github.com/p-arndt/runspace/internal/registry"
	"github.com/p-arndt/runspace/internal/runspace"
)

type MockManager struct {
	mock.Mock
}

func (m *MockManager) Create(ctx context.Context, opts runspace.CreateOpts) (*registry.Runspace, error) {
	args := m.Called(ctx, opts)
	if rs := args.Get(0); rs != nil {
		return rs.(*registry.Runspace), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockManager) Update(ctx context.Context, id string, opts runspace.UpdateOpts) (*registry.Runspace, error) {
	args := m.Called(ctx, id, opts)
	if rs := args.Get(0); rs != nil {
		return rs.(*registry.Runspace), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockManager) Get(ctx context.Context, id string) (*registry.Runspace, error) {
	args := m.Called(ctx, id)
	if rs := args.Get(0); rs != nil {
		return rs.(*registry.Runspace), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockManager) GetByName(ctx context.Context, name string) (*registry.Runspace, error) {
	args := m.Called(ctx, name)
	if rs := args.Get(0); rs != nil {
		return rs.(*registry.Runspace), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockManager) List(ctx context.Context) ([]*registry.Runspace, error) {
	args := m.Called(ctx)
	if list := args.Get(0); list != nil {
		return list.([]*registry.Runspace), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockManager) Start(ctx context.Context, id string) (*registry.Runspace, error) {
	args := m.Called(ctx, id)
	if rs := args.Get(0); rs != nil {
		return rs.(*registry.Runspace), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockManager) Stop(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockManager) Suspend(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockManager) Resume(ctx context.Context, id string) (*registry.Runspace, error) {
	args := m.Called(ctx, id)
	if rs := args.Get(0); rs != nil {
		return rs.(*registry.Runspace), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockManager) Switch(ctx context.Context, id string) (*registry.Runspace, error) {
	args := m.Called(ctx, id)
	if rs := args.Get(0); rs != nil {
		return rs.(*registry.Runspace), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockManager) Delete(ctx context.Context, id string, deleteFiles bool) error {
	args := m.Called(ctx, id, deleteFiles)
	return args.Error(0)
}

func (m *MockManager) Execute(ctx context.Context, id, command string) (string, error) {
	args := m.Called(ctx, id, command)
	return args.String(0), args.Error(1)
}

func (m *MockManager) Health(ctx context.Context, id string) (backend.Health, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(backend.Health), args.Error(1)
}

func (m *MockManager) AttachPTY(ctx context.Context, id string) (*ptybridge.Session, error) {
	args := m.Called(ctx, id)
	if sess := args.Get(0); sess != nil {
		return sess.(*ptybridge.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockManager) ActiveRunspaceID() string {
	args := m.Called()
	return args.String(0)
}

type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) Recent(limit int) ([]events.Event, error) {
	args := m.Called(limit)
	if evs := args.Get(0); evs != nil {
		return evs.([]events.Event), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJournal) ByRunspace(runspaceID string, limit int) ([]events.Event, error) {
	args := m.Called(runspaceID, limit)
	if evs := args.Get(0); evs != nil {
		return evs.([]events.Event), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockSessionServer struct {
	mock.Mock
}

func (m *MockSessionServer) ServeClient(s *ptybridge.Session, conn io.ReadWriter) error {
	args := m.Called(s, conn)
	return args.Error(0)
}
