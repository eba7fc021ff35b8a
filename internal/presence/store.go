// Package presence tracks which users are logged into which room. The Redis
// store lets several roomd instances share one view of a room; the memory
// store serves a single instance.
package presence

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// Member is one logged-in user of a room.
type Member struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	ConnID   string `json:"conn_id"`
	Server   string `json:"server"`    // roomd instance holding the connection
	JoinedAt int64  `json:"joined_at"` // unix nanoseconds
}

// Store records room membership.
type Store interface {
	// Join adds or replaces a member of roomID.
	Join(ctx context.Context, roomID string, m Member) error
	// Leave removes userID from roomID and reports whether it was present.
	Leave(ctx context.Context, roomID, userID string) (bool, error)
	// Members lists roomID's members in join order.
	Members(ctx context.Context, roomID string) ([]Member, error)
	Close() error
}

func sortByJoin(ms []Member) {
	slices.SortFunc(ms, func(a, b Member) int {
		if c := cmp.Compare(a.JoinedAt, b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
}

// MemoryStore is a Store for a single process.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Member
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]Member)}
}

func (s *MemoryStore) Join(_ context.Context, roomID string, m Member) error {
	if m.JoinedAt == 0 {
		m.JoinedAt = time.Now().UnixNano()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		room = make(map[string]Member)
		s.rooms[roomID] = room
	}
	room[m.UserID] = m
	return nil
}

func (s *MemoryStore) Leave(_ context.Context, roomID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return false, nil
	}
	if _, ok := room[userID]; !ok {
		return false, nil
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(s.rooms, roomID)
	}
	return true, nil
}

func (s *MemoryStore) Members(_ context.Context, roomID string) ([]Member, error) {
	s.mu.RLock()
	out := make([]Member, 0, len(s.rooms[roomID]))
	for _, m := range s.rooms[roomID] {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sortByJoin(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
