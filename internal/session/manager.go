package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/engine"
	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/sdkloader"
)

// Reasons passed to OnConnectionError.
const (
	ReasonNotConnected = "not connected"
	ReasonSendFailed   = "send failed"
	ReasonRoomState    = "room state"
)

// Loader produces the external engine. *sdkloader.Loader implements it.
type Loader interface {
	Load(ctx context.Context) (*sdkloader.Handle, error)
}

// Config holds the static application settings of a Manager.
type Config struct {
	AppID  int
	Secret string
	RoomID string

	// SignalingURL overrides the endpoint announced by the engine manifest.
	SignalingURL string

	PartnerJoinDelay    time.Duration
	PartnerMessageDelay time.Duration
}

// Manager owns one chat session: the engine lifecycle, room membership and
// the choice between the real and the simulated backend. All methods are safe
// for concurrent use. Operations block until they settle, but the manager's
// lock is never held while waiting on the loader, the engine or a callback.
type Manager struct {
	cfg    Config
	loader Loader
	log    *slog.Logger

	events  *emitter
	sched   *scheduler
	members *chat.Membership

	mu       sync.Mutex
	state    State
	initDone chan struct{} // non-nil while initializing
	gen      uint64        // bumped by JoinRoom, LeaveRoom and Destroy
	joining  *pendingJoin
}

// pendingJoin buffers engine events for a room whose login is in flight, or
// whose initial membership snapshot is still being emitted, so they are
// applied after that snapshot.
type pendingJoin struct {
	gen    uint64
	roomID string
	early  []func()
}

// New creates a Manager. A nil loader means no external engine is available
// and the manager always runs simulated.
func New(cfg Config, loader Loader, log *slog.Logger) *Manager {
	if cfg.PartnerJoinDelay == 0 {
		cfg.PartnerJoinDelay = DefaultPartnerJoinDelay
	}
	if cfg.PartnerMessageDelay == 0 {
		cfg.PartnerMessageDelay = DefaultPartnerMessageDelay
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		cfg:     cfg,
		loader:  loader,
		log:     log.With("component", "session"),
		events:  newEmitter(),
		sched:   newScheduler(),
		members: chat.NewMembership(),
	}
}

// Subscribe registers callbacks for message, membership and error events.
func (m *Manager) Subscribe(l Listener) *Subscription {
	return m.events.subscribe(l)
}

// State returns a snapshot of the manager's state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Initialize loads the external engine and connects it, falling back to the
// simulated backend on any failure. It returns true once a backend is ready,
// and immediately if one already is. Concurrent callers wait for the
// initialization in flight. It returns false only if the manager is destroyed
// or ctx is cancelled first.
func (m *Manager) Initialize(ctx context.Context) bool {
	m.mu.Lock()
	switch m.state.Phase {
	case PhaseDestroyed:
		m.mu.Unlock()
		return false
	case PhaseReady, PhaseJoined:
		m.mu.Unlock()
		return true
	case PhaseInitializing:
		done := m.initDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return false
		}
		// The initialization we waited on may have been abandoned by its
		// caller; try again with ours.
		return m.Initialize(ctx)
	}

	m.state.Phase = PhaseInitializing
	done := make(chan struct{})
	m.initDone = done
	m.mu.Unlock()

	backend := m.connect(ctx)

	m.mu.Lock()
	m.initDone = nil
	defer close(done)

	if m.state.Phase == PhaseDestroyed || ctx.Err() != nil {
		if m.state.Phase != PhaseDestroyed {
			m.state.Phase = PhaseUninitialized
		}
		m.mu.Unlock()
		m.release(backend)
		return false
	}

	m.state.Phase = PhaseReady
	m.state.Backend = backend
	m.mu.Unlock()

	metrics.SessionsByBackend.WithLabelValues(backend.Mode().String()).Inc()
	m.log.Info("session ready", "backend", backend.Mode())
	return true
}

// connect loads and constructs the real engine, or explains why not.
func (m *Manager) connect(ctx context.Context) Backend {
	if m.loader == nil {
		return m.fallback("sdk_load", "no engine loader configured", nil)
	}

	handle, err := m.loader.Load(ctx)
	if err != nil {
		return m.fallback("sdk_load", "engine load failed", err)
	}

	server := m.cfg.SignalingURL
	if server == "" {
		server = handle.Manifest.SignalingURL
	}

	eng, err := createEngine(ctx, handle.Factory, engine.Options{
		AppID:  m.cfg.AppID,
		Server: server,
		Secret: m.cfg.Secret,
	})
	if err != nil {
		return m.fallback("engine_create", "engine construction failed", err)
	}

	eng.SetEventHandler(&engineEvents{m: m, eng: eng})
	m.log.Info("engine connected", "server", server, "entry_point", handle.Manifest.EntryPoint)
	return RealBackend{Engine: eng}
}

// createEngine calls the factory, turning a panic or a nil engine into an
// error.
func createEngine(ctx context.Context, factory engine.Factory, opts engine.Options) (eng engine.Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			eng, err = nil, fmt.Errorf("session: engine factory panicked: %v", r)
		}
	}()
	if factory == nil {
		return nil, fmt.Errorf("session: engine factory is nil")
	}
	eng, err = factory(ctx, opts)
	if err == nil && eng == nil {
		err = fmt.Errorf("session: engine factory returned no engine")
	}
	return eng, err
}

func (m *Manager) fallback(reason, msg string, err error) Backend {
	metrics.FallbacksTotal.WithLabelValues(reason).Inc()
	if err != nil {
		m.log.Warn(msg+", using simulated backend", "err", err)
		return SimulatedBackend{Reason: fmt.Sprintf("%s: %v", msg, err)}
	}
	m.log.Warn(msg + ", using simulated backend")
	return SimulatedBackend{Reason: msg}
}

// release shuts down the engine of a real backend.
func (m *Manager) release(b Backend) {
	rb, ok := b.(RealBackend)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rb.Engine.Destroy(ctx); err != nil {
		m.log.Warn("engine shutdown failed", "err", err)
	}
}

// JoinRoom enters the configured room as a new participant named
// displayName, initializing the manager first if needed. A refused or failed
// real login downgrades the session to the simulated backend for good. It
// returns true once the first membership snapshot, containing the local
// participant, has been emitted; false only if the manager was destroyed, or
// the join was superseded by LeaveRoom or another JoinRoom, before that.
func (m *Manager) JoinRoom(ctx context.Context, displayName string) bool {
	if !m.Initialize(ctx) {
		return false
	}
	m.LeaveRoom(ctx)

	m.mu.Lock()
	if m.state.Phase != PhaseReady {
		m.mu.Unlock()
		return false
	}
	m.gen++
	gen := m.gen
	m.sched.cancelAll()
	m.members.Reset()

	local := chat.Participant{ID: chat.NewParticipantID(), DisplayName: displayName}
	m.state.Local = local
	roomID := m.cfg.RoomID
	backend := m.state.Backend

	rb, isReal := backend.(RealBackend)
	if !isReal {
		snapshot, sgen := m.commitJoin(roomID, local)
		m.mu.Unlock()
		m.log.Info("joined simulated room", "room", roomID, "user", displayName, "user_id", local.ID)
		m.runSimulation(sgen, snapshot)
		return true
	}

	m.joining = &pendingJoin{gen: gen, roomID: roomID}
	m.mu.Unlock()

	res, err := rb.Engine.LoginRoom(ctx, roomID, local)

	m.mu.Lock()
	if m.state.Phase == PhaseDestroyed || m.gen != gen {
		// Undo a successful login unless a newer join owns the room now.
		undo := err == nil && res.ErrorCode == 0 &&
			m.state.Phase == PhaseReady && m.joining == nil
		m.mu.Unlock()
		if undo {
			if err := rb.Engine.LogoutRoom(ctx, roomID); err != nil {
				m.log.Warn("logout after superseded join failed", "room", roomID, "err", err)
			}
		}
		return false
	}

	if err != nil || res.ErrorCode != 0 {
		m.joining = nil
		if err == nil {
			err = &engine.CodeError{Op: "login room", Code: res.ErrorCode}
		}
		// Permanent downgrade: this manager never goes back to the engine.
		m.state.Backend = m.fallback("join", "room login failed", err)
		snapshot, sgen := m.commitJoin(roomID, local)
		m.mu.Unlock()

		metrics.SessionsByBackend.WithLabelValues(ModeReal.String()).Dec()
		metrics.SessionsByBackend.WithLabelValues(ModeSimulated.String()).Inc()
		m.release(rb)

		m.runSimulation(sgen, snapshot)
		return true
	}

	m.members.Add(res.Users...)
	snapshot, _ := m.commitJoin(roomID, local)
	m.mu.Unlock()

	m.log.Info("joined room", "room", roomID, "user", displayName, "user_id", local.ID, "members", len(snapshot))
	m.events.userList(snapshot)
	m.flushJoin(gen)
	return true
}

// flushJoin applies the engine events queued while the join of generation gen
// was in flight, including those arriving while earlier ones are applied,
// then ends the join so later events are applied as they come.
func (m *Manager) flushJoin(gen uint64) {
	for {
		m.mu.Lock()
		if m.gen != gen || m.joining == nil || m.joining.gen != gen {
			m.mu.Unlock()
			return
		}
		batch := m.joining.early
		m.joining.early = nil
		if len(batch) == 0 {
			m.joining = nil
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		for _, apply := range batch {
			apply()
		}
	}
}

// commitJoin marks the manager joined and returns the membership snapshot to
// announce along with the scheduler generation for simulation tasks. Callers
// hold m.mu.
func (m *Manager) commitJoin(roomID string, local chat.Participant) ([]chat.Participant, uint64) {
	m.members.Add(local)
	m.state.Phase = PhaseJoined
	m.state.RoomID = roomID
	return m.members.Snapshot(), m.sched.generation()
}

// SendMessage broadcasts text to the room. It fails, reporting the reason to
// OnConnectionError, when the manager is not joined, the text is invalid or
// the engine rejects the send. On the simulated backend a valid message
// always succeeds and is not echoed back; the caller renders it locally.
func (m *Manager) SendMessage(ctx context.Context, text string) bool {
	m.mu.Lock()
	if m.state.Phase == PhaseDestroyed {
		m.mu.Unlock()
		return false
	}
	if m.state.Phase != PhaseJoined {
		m.mu.Unlock()
		m.events.connectionError(ReasonNotConnected)
		return false
	}
	if err := chat.ValidateMessage(text); err != nil {
		m.mu.Unlock()
		m.events.connectionError(err.Error())
		return false
	}
	backend := m.state.Backend
	roomID := m.state.RoomID
	m.mu.Unlock()

	rb, isReal := backend.(RealBackend)
	if !isReal {
		metrics.ClientMessagesTotal.WithLabelValues("sent", ModeSimulated.String()).Inc()
		m.log.Debug("message sent", "backend", ModeSimulated, "len", len(text))
		return true
	}

	res, err := rb.Engine.SendBroadcastMessage(ctx, roomID, text)
	if m.State().Phase == PhaseDestroyed {
		return false
	}
	if err == nil && res.ErrorCode != 0 {
		err = &engine.CodeError{Op: "send broadcast", Code: res.ErrorCode}
	}
	if err != nil {
		m.log.Warn("message send failed", "room", roomID, "err", err)
		m.events.connectionError(fmt.Sprintf("%s: %v", ReasonSendFailed, err))
		return false
	}

	metrics.ClientMessagesTotal.WithLabelValues("sent", ModeReal.String()).Inc()
	m.log.Debug("message sent", "backend", ModeReal, "message_id", res.MessageID)
	return true
}

// LeaveRoom leaves the room if joined: the engine is logged out on the real
// backend and pending simulation steps are cancelled. The room is considered
// left even if the logout fails. A join still in flight is abandoned.
// Otherwise calling it when not joined does nothing.
func (m *Manager) LeaveRoom(ctx context.Context) {
	m.mu.Lock()
	if m.joining != nil {
		m.gen++
		m.joining = nil
	}
	if m.state.Phase != PhaseJoined {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.sched.cancelAll()
	m.members.Reset()
	roomID := m.state.RoomID
	backend := m.state.Backend
	m.state.RoomID = ""
	m.state.Phase = PhaseReady
	m.mu.Unlock()

	if rb, ok := backend.(RealBackend); ok {
		if err := rb.Engine.LogoutRoom(ctx, roomID); err != nil {
			m.log.Warn("room logout failed", "room", roomID, "err", err)
		}
	}
	m.log.Info("left room", "room", roomID)
}

// Destroy leaves the room, cancels every scheduled simulation step, stops
// event delivery and shuts the engine down. No callback starts after Destroy
// returns. Repeated calls do nothing.
func (m *Manager) Destroy(ctx context.Context) {
	if m.State().Phase == PhaseDestroyed {
		return
	}
	m.LeaveRoom(ctx)

	m.mu.Lock()
	if m.state.Phase == PhaseDestroyed {
		m.mu.Unlock()
		return
	}
	wasReady := m.state.Backend != nil
	backend := m.state.Backend
	m.state.Phase = PhaseDestroyed
	m.state.RoomID = ""
	m.gen++
	m.joining = nil
	m.sched.cancelAll()
	m.events.close()
	m.mu.Unlock()

	if wasReady {
		metrics.SessionsByBackend.WithLabelValues(backend.Mode().String()).Dec()
		m.release(backend)
	}
	m.log.Info("session destroyed")
}

// engineEvents adapts engine callbacks to manager state. Events from an
// engine the manager no longer uses, for another room, or while not joined
// are dropped.
type engineEvents struct {
	m   *Manager
	eng engine.Engine
}

// accept reports whether an event for roomID should be applied now. While a
// join of that room has not emitted its initial snapshot, apply is queued
// instead and false is returned. Callers must not hold m.mu.
func (h *engineEvents) accept(roomID string, apply func()) bool {
	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()

	rb, ok := m.state.Backend.(RealBackend)
	if !ok || rb.Engine != h.eng {
		return false
	}
	if m.joining != nil && m.joining.roomID == roomID {
		m.joining.early = append(m.joining.early, apply)
		return false
	}
	return m.state.Phase == PhaseJoined && m.state.RoomID == roomID
}

func (h *engineEvents) RoomUserUpdate(roomID string, update engine.UpdateType, users []chat.Participant) {
	apply := func() { h.applyUserUpdate(update, users) }
	if h.accept(roomID, apply) {
		apply()
	}
}

func (h *engineEvents) applyUserUpdate(update engine.UpdateType, users []chat.Participant) {
	m := h.m
	local := m.State().Local

	var changed bool
	if update == engine.UpdateDelete {
		ids := make([]string, 0, len(users))
		for _, u := range users {
			if u.ID != local.ID {
				ids = append(ids, u.ID)
			}
		}
		changed = m.members.Remove(ids...)
	} else {
		changed = m.members.Add(users...)
	}
	if changed {
		m.events.userList(m.members.Snapshot())
	}
}

func (h *engineEvents) BroadcastMessages(roomID string, msgs []engine.BroadcastMessage) {
	apply := func() { h.applyMessages(msgs) }
	if h.accept(roomID, apply) {
		apply()
	}
}

func (h *engineEvents) applyMessages(msgs []engine.BroadcastMessage) {
	m := h.m
	local := m.State().Local

	events := make([]chat.ChatEvent, 0, len(msgs))
	joined := false
	for _, msg := range msgs {
		if msg.From.ID == local.ID {
			continue
		}
		// A sender must be a member when its message is emitted.
		if m.members.Add(msg.From) {
			joined = true
		}
		id := msg.MessageID
		if id == 0 {
			id = chat.NextEventID()
		}
		sentAt := msg.SentAt
		if sentAt.IsZero() {
			sentAt = time.Now()
		}
		events = append(events, chat.ChatEvent{ID: id, Text: msg.Text, SentAt: sentAt, Sender: msg.From})
	}

	if joined {
		m.events.userList(m.members.Snapshot())
	}
	for _, ev := range events {
		metrics.ClientMessagesTotal.WithLabelValues("received", ModeReal.String()).Inc()
		m.events.message(ev)
	}
}

func (h *engineEvents) RoomStateUpdate(roomID string, state engine.RoomState, errorCode int) {
	apply := func() { h.applyRoomState(roomID, state, errorCode) }
	if h.accept(roomID, apply) {
		apply()
	}
}

func (h *engineEvents) applyRoomState(roomID string, state engine.RoomState, errorCode int) {
	if errorCode == 0 {
		h.m.log.Debug("room state changed", "room", roomID, "state", state)
		return
	}
	h.m.log.Warn("room state error", "room", roomID, "state", state, "code", errorCode)
	h.m.events.connectionError(fmt.Sprintf("%s %s: error code %d", ReasonRoomState, state, errorCode))
}
