package messaging

import (
	"errors"
	"sync"

	"github.com/whisper/roomchat/internal/protocol"
)

// EventKind names what happened in a room.
type EventKind string

const (
	EventUsersAdded   EventKind = "users_added"
	EventUsersRemoved EventKind = "users_removed"
	EventMessage      EventKind = "message"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("messaging: bus closed")

// RoomEvent is a room change published by the instance that observed it.
type RoomEvent struct {
	Kind    EventKind                  `json:"kind"`
	RoomID  string                     `json:"room_id"`
	Origin  string                     `json:"origin"`
	Users   []protocol.User            `json:"users,omitempty"`
	Message *protocol.BroadcastMessage `json:"message,omitempty"`
}

// Handler receives room events.
type Handler func(ev RoomEvent)

// Bus fans room events out to every subscribed instance, the publisher
// included.
type Bus interface {
	Publish(ev RoomEvent) error
	Subscribe(handler Handler) error
	Close()
}

// LocalBus is an in-process Bus for a single roomd instance. Handlers run
// synchronously on the publishing goroutine.
type LocalBus struct {
	mu       sync.RWMutex
	closed   bool
	handlers []Handler
}

// NewLocalBus returns an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Publish(ev RoomEvent) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (b *LocalBus) Subscribe(handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers = append(b.handlers, handler)
	return nil
}

func (b *LocalBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.handlers = nil
	b.mu.Unlock()
}
