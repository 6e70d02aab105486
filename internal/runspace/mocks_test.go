package runspace

import (
	"context"
	"os/exec"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/runspace/internal/backend"
	"github.com/p-arndt/runspace/internal/events"
	"github.com/p-arndt/runspace/internal/ptybridge"
	"github.com/p-arndt/runspace/internal/registry"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Type() registry.BackendType {
	args := m.Called()
	return args.Get(0).(registry.BackendType)
}

func (m *MockBackend) Start(ctx context.Context, rs *registry.Runspace) (backend.Handle, error) {
	args := m.Called(ctx, rs)
	return args.Get(0).(backend.Handle), args.Error(1)
}

func (m *MockBackend) Stop(ctx context.Context, rs *registry.Runspace) error {
	args := m.Called(ctx, rs)
	return args.Error(0)
}

func (m *MockBackend) Suspend(ctx context.Context, rs *registry.Runspace) error {
	args := m.Called(ctx, rs)
	return args.Error(0)
}

func (m *MockBackend) Resume(ctx context.Context, rs *registry.Runspace) (backend.Handle, error) {
	args := m.Called(ctx, rs)
	return args.Get(0).(backend.Handle), args.Error(1)
}

func (m *MockBackend) Execute(ctx context.Context, rs *registry.Runspace, command string) (string, error) {
	args := m.Called(ctx, rs, command)
	return args.String(0), args.Error(1)
}

func (m *MockBackend) ShellCommand(rs *registry.Runspace) (*exec.Cmd, error) {
	args := m.Called(rs)
	if cmd := args.Get(0); cmd != nil {
		return cmd.(*exec.Cmd), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBackend) Health(ctx context.Context, rs *registry.Runspace) (backend.Health, error) {
	args := m.Called(ctx, rs)
	return args.Get(0).(backend.Health), args.Error(1)
}

// fakeBridge records close calls; Attach is never exercised in these tests
// because spawning real shells belongs to the ptybridge package tests.
type fakeBridge struct {
	mu     sync.Mutex
	closed []string
	onExit ptybridge.ExitFunc
}

func (b *fakeBridge) Attach(rs *registry.Runspace, newShell func() (*exec.Cmd, error)) (*ptybridge.Session, bool, error) {
	return nil, false, nil
}

func (b *fakeBridge) Session(runspaceID string) *ptybridge.Session { return nil }

func (b *fakeBridge) Close(runspaceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, runspaceID)
}

func (b *fakeBridge) SetExitFunc(fn ptybridge.ExitFunc) { b.onExit = fn }

func (b *fakeBridge) closedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.closed...)
}

// captureSink collects published events in order.
type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) Publish(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}
