package session

import (
	"sync"
	"time"
)

// scheduler runs delayed tasks that can be invalidated together. Tasks are
// scheduled against a generation; cancelAll stops every pending timer and
// advances the generation, so tasks of an older generation never run, even
// when their timer had already fired.
type scheduler struct {
	mu     sync.Mutex
	gen    uint64
	nextID uint64
	timers map[uint64]*time.Timer
}

func newScheduler() *scheduler {
	return &scheduler{timers: make(map[uint64]*time.Timer)}
}

func (s *scheduler) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// live reports whether gen is still the current generation.
func (s *scheduler) live(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

// schedule runs fn after d unless gen is cancelled first. It returns false
// when gen is already stale.
func (s *scheduler) schedule(gen uint64, d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}

	s.nextID++
	id := s.nextID
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, pending := s.timers[id]
		delete(s.timers, id)
		stale := gen != s.gen
		s.mu.Unlock()
		if !pending || stale {
			return
		}
		fn()
	})
	return true
}

// cancelAll invalidates every scheduled task and returns how many were still
// pending.
func (s *scheduler) cancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	n := len(s.timers)
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	return n
}

func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
