// Package chat holds the value types shared by the session manager, the engine
// client and the signaling server: participants, chat events and room
// membership, plus message validation and a small per-room history buffer.
package chat

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ParticipantIDLength is the length of identifiers returned by NewParticipantID.
const ParticipantIDLength = 12

// Participant is a member of a room.
type Participant struct {
	ID          string `json:"user_id"`
	DisplayName string `json:"user_name"`
}

// ChatEvent is a single broadcast message delivered to room members. It is a
// value type and is never mutated after creation.
type ChatEvent struct {
	ID     int64
	Text   string
	SentAt time.Time
	Sender Participant
}

// NewParticipantID returns a short random lowercase alphanumeric identifier.
// Uniqueness against existing room members is not checked.
func NewParticipantID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:ParticipantIDLength]
}

var lastEventID atomic.Int64

// NextEventID returns a time-derived event identifier (Unix milliseconds) that
// is strictly greater than every identifier previously returned in this process.
func NextEventID() int64 {
	for {
		prev := lastEventID.Load()
		next := time.Now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if lastEventID.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// NewChatEvent builds a ChatEvent stamped with a fresh ID and the current time.
func NewChatEvent(sender Participant, text string) ChatEvent {
	return ChatEvent{
		ID:     NextEventID(),
		Text:   text,
		SentAt: time.Now(),
		Sender: sender,
	}
}
