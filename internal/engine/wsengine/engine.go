// Package wsengine is the websocket implementation of engine.Engine. It dials
// a roomd signaling server, correlates requests with their results by
// req_id and turns server pushes into EventHandler calls on its read
// goroutine.
package wsengine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/engine"
	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/wsio"
)

// EntryPoint is the name the engine is registered under.
const EntryPoint = protocol.EngineEntryPoint

// DialTimeout bounds the websocket handshake.
const DialTimeout = 10 * time.Second

// ErrClosed is returned by calls made on, or interrupted by, a closed engine.
var ErrClosed = errors.New("wsengine: connection closed")

// Register installs the websocket engine factory in reg under EntryPoint.
func Register(reg *engine.Registry, log *slog.Logger) {
	reg.Register(EntryPoint, Factory(log))
}

// Factory returns an engine.Factory that dials opts.Server.
func Factory(log *slog.Logger) engine.Factory {
	return func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		return Dial(ctx, opts, log)
	}
}

// Engine is a live connection to a signaling server.
type Engine struct {
	conn net.Conn
	src  io.Reader
	log  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	handler engine.EventHandler
	pending map[string]chan protocol.ResultMsg
	room    string // room of the current login

	// Room events are handed to the event handler on their own goroutine so
	// a handler calling back into the engine never stalls result routing.
	evMu    sync.Mutex
	evQueue []func()
	evReady chan struct{}
	evDone  chan struct{} // closed when the event loop exits

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{} // closed when the read loop exits
}

var _ engine.Engine = (*Engine)(nil)

// Dial connects to the signaling server at opts.Server and starts reading.
func Dial(ctx context.Context, opts engine.Options, log *slog.Logger) (*Engine, error) {
	if opts.Server == "" {
		return nil, fmt.Errorf("wsengine: no signaling server configured")
	}
	if log == nil {
		log = logging.Discard()
	}

	header := http.Header{}
	header.Set(protocol.HeaderAppID, strconv.Itoa(opts.AppID))
	if opts.Secret != "" {
		header.Set(protocol.HeaderSecret, opts.Secret)
	}
	dialer := ws.Dialer{
		Header:  ws.HandshakeHeaderHTTP(header),
		Timeout: DialTimeout,
	}

	conn, br, _, err := dialer.Dial(ctx, opts.Server)
	if err != nil {
		return nil, fmt.Errorf("wsengine: dial %s: %w", opts.Server, err)
	}

	e := &Engine{
		conn:    conn,
		src:     conn,
		log:     log.With("component", "wsengine"),
		pending: make(map[string]chan protocol.ResultMsg),
		evReady: make(chan struct{}, 1),
		evDone:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	// Frames the server sent right after the handshake sit in br.
	if br != nil {
		e.src = bufio.NewReader(io.MultiReader(br, conn))
	}

	go e.readLoop()
	go e.eventLoop()
	e.log.Debug("connected", "server", opts.Server)
	return e, nil
}

// SetEventHandler sets the receiver of room events. Events arriving while no
// handler is set are dropped.
func (e *Engine) SetEventHandler(h engine.EventHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// LoginRoom logs user into roomID. The result lists the members already
// present.
func (e *Engine) LoginRoom(ctx context.Context, roomID string, user chat.Participant) (engine.LoginResult, error) {
	reqID := uuid.NewString()
	res, err := e.request(ctx, reqID, protocol.TypeLoginRoom, protocol.LoginRoomMsg{
		ReqID:  reqID,
		RoomID: roomID,
		User:   protocol.User{UserID: user.ID, UserName: user.DisplayName},
	})
	if err != nil {
		return engine.LoginResult{}, err
	}

	if res.ErrorCode == protocol.CodeOK {
		e.mu.Lock()
		e.room = roomID
		e.mu.Unlock()
	}
	return engine.LoginResult{
		ErrorCode: res.ErrorCode,
		Users:     lo.Map(res.Users, func(u protocol.User, _ int) chat.Participant { return toParticipant(u) }),
	}, nil
}

// LogoutRoom leaves roomID.
func (e *Engine) LogoutRoom(ctx context.Context, roomID string) error {
	reqID := uuid.NewString()
	res, err := e.request(ctx, reqID, protocol.TypeLogoutRoom, protocol.LogoutRoomMsg{
		ReqID:  reqID,
		RoomID: roomID,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.room == roomID {
		e.room = ""
	}
	e.mu.Unlock()

	if res.ErrorCode != protocol.CodeOK {
		return &engine.CodeError{Op: "logout room", Code: res.ErrorCode}
	}
	return nil
}

// SendBroadcastMessage sends text to every other member of roomID.
func (e *Engine) SendBroadcastMessage(ctx context.Context, roomID, text string) (engine.BroadcastResult, error) {
	reqID := uuid.NewString()
	res, err := e.request(ctx, reqID, protocol.TypeSendBroadcast, protocol.SendBroadcastMsg{
		ReqID:   reqID,
		RoomID:  roomID,
		Message: text,
	})
	if err != nil {
		return engine.BroadcastResult{}, err
	}
	return engine.BroadcastResult{ErrorCode: res.ErrorCode, MessageID: res.MessageID}, nil
}

// Destroy closes the connection and waits for the read loop to exit or ctx
// to expire. It does not wait for queued room events, so a handler may call
// it. It is safe to call more than once.
func (e *Engine) Destroy(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closing.Store(true)

		e.writeMu.Lock()
		_ = e.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = ws.WriteFrame(e.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body)))
		e.writeMu.Unlock()

		_ = e.conn.Close()
	})

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wsengine: destroy: %w", ctx.Err())
	}
}

// Done is closed once the connection is gone.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Write lets control-frame replies share the write mutex.
func (e *Engine) Write(p []byte) (int, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.Write(p)
}

func (e *Engine) request(ctx context.Context, reqID, msgType string, payload any) (protocol.ResultMsg, error) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return protocol.ResultMsg{}, fmt.Errorf("wsengine: %s: %w", msgType, err)
	}

	ch := make(chan protocol.ResultMsg, 1)
	e.mu.Lock()
	e.pending[reqID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, reqID)
		e.mu.Unlock()
	}()

	if err := e.send(data); err != nil {
		return protocol.ResultMsg{}, fmt.Errorf("wsengine: %s: %w", msgType, err)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-e.done:
		return protocol.ResultMsg{}, fmt.Errorf("wsengine: %s: %w", msgType, ErrClosed)
	case <-ctx.Done():
		return protocol.ResultMsg{}, fmt.Errorf("wsengine: %s: %w", msgType, ctx.Err())
	}
}

func (e *Engine) send(data []byte) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(e.conn, ws.OpText, data); err != nil {
		if e.closing.Load() {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (e *Engine) readLoop() {
	defer close(e.done)

	for {
		data, err := wsio.ReadData(e.src, e, ws.StateClientSide, nil)
		if err != nil {
			if !e.closing.Load() {
				e.log.Warn("connection lost", "err", err)
				e.lost()
			}
			return
		}
		e.handle(data)
	}
}

// enqueue schedules fn on the event loop. Events run in arrival order.
func (e *Engine) enqueue(fn func()) {
	e.evMu.Lock()
	e.evQueue = append(e.evQueue, fn)
	e.evMu.Unlock()
	select {
	case e.evReady <- struct{}{}:
	default:
	}
}

// eventLoop runs queued events until the read loop exits, then runs what is
// left and stops.
func (e *Engine) eventLoop() {
	defer close(e.evDone)
	for {
		select {
		case <-e.evReady:
			e.runEvents()
		case <-e.done:
			e.runEvents()
			return
		}
	}
}

func (e *Engine) runEvents() {
	for {
		e.evMu.Lock()
		batch := e.evQueue
		e.evQueue = nil
		e.evMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// lost reports the current room as disconnected after an unexpected close.
func (e *Engine) lost() {
	e.mu.Lock()
	room, h := e.room, e.handler
	e.room = ""
	e.mu.Unlock()

	if room != "" && h != nil {
		e.enqueue(func() { h.RoomStateUpdate(room, engine.RoomDisconnected, protocol.CodeInternal) })
	}
}

func (e *Engine) handle(data []byte) {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		e.log.Debug("dropping unparsable message", "err", err)
		return
	}

	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()

	switch m := msg.(type) {
	case protocol.ResultMsg:
		e.mu.Lock()
		ch, ok := e.pending[m.ReqID]
		e.mu.Unlock()
		if ok {
			select {
			case ch <- m:
			default: // duplicate result
			}
		}

	case protocol.RoomUserUpdateMsg:
		if h == nil {
			return
		}
		update := engine.UpdateAdd
		if m.UpdateType == protocol.UpdateDelete {
			update = engine.UpdateDelete
		}
		users := lo.Map(m.Users, func(u protocol.User, _ int) chat.Participant {
			return toParticipant(u)
		})
		e.enqueue(func() { h.RoomUserUpdate(m.RoomID, update, users) })

	case protocol.BroadcastMessageMsg:
		if h == nil {
			return
		}
		msgs := lo.Map(m.Messages, func(bm protocol.BroadcastMessage, _ int) engine.BroadcastMessage {
			return engine.BroadcastMessage{
				Text:      bm.Message,
				MessageID: bm.MessageID,
				SentAt:    sentAt(bm.SendTime),
				From:      toParticipant(bm.FromUser),
			}
		})
		e.enqueue(func() { h.BroadcastMessages(m.RoomID, msgs) })

	case protocol.RoomStateUpdateMsg:
		state := engine.RoomConnected
		if m.State == protocol.StateDisconnected {
			state = engine.RoomDisconnected
			e.mu.Lock()
			if e.room == m.RoomID {
				e.room = ""
			}
			e.mu.Unlock()
		}
		if h != nil {
			e.enqueue(func() { h.RoomStateUpdate(m.RoomID, state, m.ErrorCode) })
		}

	case protocol.ErrorMsg:
		e.log.Warn("server error", "code", m.Code, "message", m.Message)

	default:
		e.log.Debug("ignoring message", "type", msgType)
	}
}

func toParticipant(u protocol.User) chat.Participant {
	return chat.Participant{ID: u.UserID, DisplayName: u.UserName}
}

// sentAt converts a wire send time. A missing one stays the zero time.
func sentAt(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
