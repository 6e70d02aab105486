package monitor

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/runspace/internal/backend"
	"github.com/p-arndt/runspace/internal/events"
	"github.com/p-arndt/runspace/internal/registry"
)

type MockLifecycle struct {
	mock.Mock
}

func (m *MockLifecycle) List(ctx context.Context) ([]*registry.Runspace, error) {
	args := m.Called(ctx)
	if list := args.Get(0); list != nil {
		return list.([]*registry.Runspace), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLifecycle) Health(ctx context.Context, id string) (backend.Health, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(backend.Health), args.Error(1)
}

func (m *MockLifecycle) Suspend(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) Publish(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) count(typ events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
