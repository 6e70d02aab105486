// Package events carries lifecycle notifications to external subscribers
// (dashboards, logs) and keeps a durable journal of them.
package events

import (
	"sync"
	"time"
)

// Type identifies a lifecycle event.
type Type string

const (
	TypeCreated   Type = "created"
	TypeUpdated   Type = "updated"
	TypeActivated Type = "activated"
	TypeSuspended Type = "suspended"
	TypeStopped   Type = "stopped"
	TypeDeleted   Type = "deleted"
	TypeDegraded  Type = "degraded"
)

// Event is one lifecycle notification.
type Event struct {
	Type       Type      `json:"type"`
	RunspaceID string    `json:"runspace_id"`
	Name       string    `json:"name,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Bus fans events out to subscribers over bounded queues. Publish never
// blocks: a subscriber whose queue is full misses the event. Lifecycle
// operations must not stall behind a slow dashboard.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given queue depth. The returned
// cancel func closes the channel and must be called exactly once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber that has queue room.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// queue full, subscriber misses this event
		}
	}
}
