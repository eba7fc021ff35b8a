package chat

import "sync"

// HistorySize is the number of recent broadcast messages retained per room.
const HistorySize = 20

// History keeps the most recent broadcast messages of each room so the
// signaling server can replay them to a participant that just logged in.
// It is goroutine-safe.
type History struct {
	mu    sync.RWMutex
	size  int
	rooms map[string]*ring
}

type ring struct {
	items []ChatEvent
	pos   int
	count int
}

// NewHistory creates a History retaining up to size messages per room. A
// non-positive size falls back to HistorySize.
func NewHistory(size int) *History {
	if size <= 0 {
		size = HistorySize
	}
	return &History{size: size, rooms: make(map[string]*ring)}
}

// Add appends a message to the room's ring, overwriting the oldest entry once
// the ring is full.
func (h *History) Add(roomID string, ev ChatEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		r = &ring{items: make([]ChatEvent, h.size)}
		h.rooms[roomID] = r
	}

	r.items[r.pos] = ev
	r.pos = (r.pos + 1) % h.size
	if r.count < h.size {
		r.count++
	}
}

// Recent returns the retained messages of a room, oldest first. The result is
// never nil.
func (h *History) Recent(roomID string) []ChatEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return []ChatEvent{}
	}

	out := make([]ChatEvent, r.count)
	start := (r.pos - r.count + h.size) % h.size
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(start+i)%h.size]
	}
	return out
}

// Drop forgets a room's history, e.g. once its last member left.
func (h *History) Drop(roomID string) {
	h.mu.Lock()
	delete(h.rooms, roomID)
	h.mu.Unlock()
}
