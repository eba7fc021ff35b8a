package session

import (
	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/engine"
)

// Phase is the lifecycle position of a Manager.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInitializing
	PhaseReady
	PhaseJoined
	PhaseDestroyed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	case PhaseJoined:
		return "joined"
	case PhaseDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Mode names the active backend.
type Mode int

const (
	ModeNone Mode = iota
	ModeReal
	ModeSimulated
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeSimulated:
		return "simulated"
	}
	return "none"
}

// Backend is either RealBackend or SimulatedBackend.
type Backend interface {
	Mode() Mode
}

// RealBackend carries the engine handle of a live connection.
type RealBackend struct {
	Engine engine.Engine
}

func (RealBackend) Mode() Mode { return ModeReal }

// SimulatedBackend is the scripted local room. Reason records why the real
// engine is not in use.
type SimulatedBackend struct {
	Reason string
}

func (SimulatedBackend) Mode() Mode { return ModeSimulated }

// State is a snapshot of a Manager. Backend is nil before the manager is
// ready; RoomID is set only in PhaseJoined.
type State struct {
	Phase   Phase
	Backend Backend
	RoomID  string
	Local   chat.Participant
}

// Mode returns the active backend's mode, or ModeNone.
func (s State) Mode() Mode {
	if s.Backend == nil {
		return ModeNone
	}
	return s.Backend.Mode()
}
