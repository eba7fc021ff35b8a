// Package engine defines the contract of a real-time room engine: the handle
// the session manager drives once the external SDK has been loaded. Engines
// are created through a Factory that the SDK manifest names by entry point.
package engine

//go:generate mockgen -source=engine.go -destination=mocks/engine_mock.go -package=mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/roomchat/internal/chat"
)

// UpdateType tells whether a membership update adds or removes users.
type UpdateType int

const (
	UpdateAdd UpdateType = iota
	UpdateDelete
)

func (u UpdateType) String() string {
	if u == UpdateDelete {
		return "DELETE"
	}
	return "ADD"
}

// RoomState is the engine's view of its connection to a room.
type RoomState string

const (
	RoomConnected    RoomState = "CONNECTED"
	RoomDisconnected RoomState = "DISCONNECTED"
)

// Options are passed to a Factory when a new engine is constructed.
type Options struct {
	AppID  int
	Server string // signaling endpoint, e.g. ws://host:8080/ws
	Secret string
}

// LoginResult is the outcome of a room login. A non-zero ErrorCode means the
// login was refused.
type LoginResult struct {
	ErrorCode int
	Users     []chat.Participant // members already in the room, excluding the caller
}

// BroadcastResult is the outcome of a broadcast send. A non-zero ErrorCode
// means the message was not delivered.
type BroadcastResult struct {
	ErrorCode int
	MessageID int64
}

// BroadcastMessage is an incoming message as reported by the engine.
type BroadcastMessage struct {
	Text      string
	MessageID int64
	SentAt    time.Time
	From      chat.Participant
}

// EventHandler receives the three engine event hooks. Implementations must be
// safe for use from the engine's read goroutine.
type EventHandler interface {
	RoomUserUpdate(roomID string, update UpdateType, users []chat.Participant)
	BroadcastMessages(roomID string, msgs []BroadcastMessage)
	RoomStateUpdate(roomID string, state RoomState, errorCode int)
}

// Engine is a connected real-time engine instance.
type Engine interface {
	SetEventHandler(h EventHandler)
	LoginRoom(ctx context.Context, roomID string, user chat.Participant) (LoginResult, error)
	LogoutRoom(ctx context.Context, roomID string) error
	SendBroadcastMessage(ctx context.Context, roomID, text string) (BroadcastResult, error)
	Destroy(ctx context.Context) error
}

// Factory constructs a connected Engine.
type Factory func(ctx context.Context, opts Options) (Engine, error)

// Registry maps entry point names to engine factories. It plays the role of
// the global namespace an external SDK installs itself into.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory under an entry point name, replacing any
// previous registration.
func (r *Registry) Register(entryPoint string, f Factory) {
	r.mu.Lock()
	r.factories[entryPoint] = f
	r.mu.Unlock()
}

// Lookup returns the factory registered for an entry point.
func (r *Registry) Lookup(entryPoint string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[entryPoint]
	return f, ok
}

// CodeError describes a non-zero backend error code as an error.
type CodeError struct {
	Op   string
	Code int
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("engine: %s failed with error code %d", e.Op, e.Code)
}
