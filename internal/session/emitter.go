package session

import (
	"slices"
	"sync"

	"github.com/whisper/roomchat/internal/chat"
)

// Listener is the set of callbacks a consumer registers. Any field may be nil.
type Listener struct {
	OnMessageReceived func(ev chat.ChatEvent)
	OnUserListUpdated func(members []chat.Participant)
	OnConnectionError func(reason string)
}

// Subscription is a registered Listener. Subscriptions are independent: each
// one receives every event, and Replace swaps the callbacks of one
// subscription only.
type Subscription struct {
	e  *emitter
	id uint64
}

// Replace swaps the subscription's callbacks. Events dispatched after Replace
// returns use the new callbacks.
func (s *Subscription) Replace(l Listener) {
	s.e.mu.Lock()
	if _, ok := s.e.subs[s.id]; ok {
		s.e.subs[s.id] = l
	}
	s.e.mu.Unlock()
}

// Cancel removes the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.e.mu.Lock()
	if _, ok := s.e.subs[s.id]; ok {
		delete(s.e.subs, s.id)
		s.e.order = slices.DeleteFunc(s.e.order, func(id uint64) bool { return id == s.id })
	}
	s.e.mu.Unlock()
}

// emitter fans events out to subscriptions. Callbacks run on the dispatching
// goroutine without any lock held, so they may call back into the Manager.
type emitter struct {
	mu     sync.RWMutex
	closed bool
	nextID uint64
	subs   map[uint64]Listener
	order  []uint64
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[uint64]Listener)}
}

func (e *emitter) subscribe(l Listener) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.subs[e.nextID] = l
	e.order = append(e.order, e.nextID)
	return &Subscription{e: e, id: e.nextID}
}

// listeners returns the current callbacks in subscription order, or nil once
// the emitter is closed.
func (e *emitter) listeners() []Listener {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil
	}
	out := make([]Listener, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.subs[id])
	}
	return out
}

func (e *emitter) message(ev chat.ChatEvent) {
	for _, l := range e.listeners() {
		if l.OnMessageReceived != nil {
			l.OnMessageReceived(ev)
		}
	}
}

func (e *emitter) userList(members []chat.Participant) {
	for _, l := range e.listeners() {
		if l.OnUserListUpdated != nil {
			l.OnUserListUpdated(slices.Clone(members))
		}
	}
}

func (e *emitter) connectionError(reason string) {
	for _, l := range e.listeners() {
		if l.OnConnectionError != nil {
			l.OnConnectionError(reason)
		}
	}
}

// close stops all further dispatch.
func (e *emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}
