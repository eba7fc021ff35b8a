package chat

import "sync"

// Membership is the set of participants currently in a room, keyed by
// participant ID. Snapshots are returned in join order. It is goroutine-safe.
type Membership struct {
	mu      sync.RWMutex
	members map[string]Participant
	order   []string
}

// NewMembership returns an empty Membership.
func NewMembership() *Membership {
	return &Membership{members: make(map[string]Participant)}
}

// Add inserts or updates participants. Returns true if the set changed.
func (m *Membership) Add(ps ...Participant) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, p := range ps {
		if p.ID == "" {
			continue
		}
		prev, ok := m.members[p.ID]
		if !ok {
			m.order = append(m.order, p.ID)
		}
		if !ok || prev != p {
			m.members[p.ID] = p
			changed = true
		}
	}
	return changed
}

// Remove deletes participants by ID. Returns true if the set changed.
func (m *Membership) Remove(ids ...string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, id := range ids {
		if _, ok := m.members[id]; !ok {
			continue
		}
		delete(m.members, id)
		for i, oid := range m.order {
			if oid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		changed = true
	}
	return changed
}

// Contains reports whether a participant with the given ID is a member.
func (m *Membership) Contains(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[id]
	return ok
}

// Len returns the number of members.
func (m *Membership) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

// Reset removes every member.
func (m *Membership) Reset() {
	m.mu.Lock()
	m.members = make(map[string]Participant)
	m.order = nil
	m.mu.Unlock()
}

// Snapshot returns a copy of the current members in join order.
func (m *Membership) Snapshot() []Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Participant, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.members[id])
	}
	return out
}
