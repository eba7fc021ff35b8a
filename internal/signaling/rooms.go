package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/messaging"
	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/moderation"
	"github.com/whisper/roomchat/internal/presence"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/ratelimit"
)

// maxRoomIDLength bounds room IDs; they become NATS subject tokens and Redis
// keys.
const maxRoomIDLength = 128

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// SpamFilter is satisfied by *moderation.Filter.
type SpamFilter interface {
	Check(text string) moderation.Result
}

// Rooms serves login_room, logout_room and send_broadcast. Membership is
// recorded in the presence store and every change is published on the bus;
// each instance delivers the bus events to its own connections, so the
// publishing instance hears its own events too.
type Rooms struct {
	server   string
	presence presence.Store
	bus      messaging.Bus
	limiter  RateLimiter // nil disables rate limiting
	spam     SpamFilter  // nil disables spam screening
	history  *chat.History
	log      *slog.Logger

	mu    sync.RWMutex
	local map[string]map[string]*Connection // room ID -> conn ID -> conn
}

// NewRooms creates the room service of instance serverName and subscribes it
// to bus.
func NewRooms(serverName string, store presence.Store, bus messaging.Bus, limiter RateLimiter, log *slog.Logger) (*Rooms, error) {
	r := &Rooms{
		server:   serverName,
		presence: store,
		bus:      bus,
		limiter:  limiter,
		history:  chat.NewHistory(chat.HistorySize),
		log:      log.With("component", "rooms"),
		local:    make(map[string]map[string]*Connection),
	}
	if err := bus.Subscribe(r.deliver); err != nil {
		return nil, fmt.Errorf("signaling: subscribe to room events: %w", err)
	}
	return r, nil
}

// SetSpamFilter screens later broadcasts with f. Call it before the server
// starts.
func (r *Rooms) SetSpamFilter(f SpamFilter) {
	r.spam = f
}

// Register installs the room handlers on d.
func (r *Rooms) Register(d *Dispatcher) {
	d.Register(protocol.TypeLoginRoom, func(ctx context.Context, c *Connection, msg any) {
		if m, ok := msg.(protocol.LoginRoomMsg); ok {
			r.Login(ctx, c, m)
		}
	})
	d.Register(protocol.TypeLogoutRoom, func(ctx context.Context, c *Connection, msg any) {
		if m, ok := msg.(protocol.LogoutRoomMsg); ok {
			r.Logout(ctx, c, m)
		}
	})
	d.Register(protocol.TypeSendBroadcast, func(ctx context.Context, c *Connection, msg any) {
		if m, ok := msg.(protocol.SendBroadcastMsg); ok {
			r.Broadcast(ctx, c, m)
		}
	})
}

// Login logs c into a room as msg.User. A connection holds one login at a
// time; logging into another room leaves the previous one. The result lists
// the other members, and recent messages of members still present are
// replayed after it.
func (r *Rooms) Login(ctx context.Context, c *Connection, msg protocol.LoginRoomMsg) {
	if !validRoomID(msg.RoomID) || msg.User.UserID == "" {
		r.reply(c, protocol.ResultMsg{ReqID: msg.ReqID, ErrorCode: protocol.CodeInvalidMessage})
		return
	}

	if _, room := c.Login(); room != "" {
		r.leave(ctx, c)
	}

	err := r.presence.Join(ctx, msg.RoomID, presence.Member{
		UserID:   msg.User.UserID,
		UserName: msg.User.UserName,
		ConnID:   c.ID,
		Server:   r.server,
	})
	if err != nil {
		r.log.Error("presence join failed", "room", msg.RoomID, "conn", c.ID, "err", err)
		r.reply(c, protocol.ResultMsg{ReqID: msg.ReqID, ErrorCode: protocol.CodeInternal})
		return
	}
	members, err := r.presence.Members(ctx, msg.RoomID)
	if err != nil {
		r.log.Warn("presence members failed", "room", msg.RoomID, "err", err)
	}

	c.setLogin(msg.User, msg.RoomID)
	r.addLocal(msg.RoomID, c)

	others := lo.FilterMap(members, func(m presence.Member, _ int) (protocol.User, bool) {
		return protocol.User{UserID: m.UserID, UserName: m.UserName}, m.UserID != msg.User.UserID
	})
	r.reply(c, protocol.ResultMsg{ReqID: msg.ReqID, Users: others})

	r.publish(messaging.RoomEvent{
		Kind:   messaging.EventUsersAdded,
		RoomID: msg.RoomID,
		Users:  []protocol.User{msg.User},
	})

	r.replay(c, msg.RoomID, members)
	r.log.Info("login", "room", msg.RoomID, "user", msg.User.UserName, "user_id", msg.User.UserID,
		"conn", c.ID, "members", len(members))
}

// replay sends c the recent messages whose senders are still in the room.
func (r *Rooms) replay(c *Connection, roomID string, members []presence.Member) {
	present := lo.SliceToMap(members, func(m presence.Member) (string, struct{}) {
		return m.UserID, struct{}{}
	})
	recent := lo.Filter(r.history.Recent(roomID), func(ev chat.ChatEvent, _ int) bool {
		_, ok := present[ev.Sender.ID]
		return ok
	})
	if len(recent) == 0 {
		return
	}

	r.write(c, protocol.TypeBroadcastMessage, protocol.BroadcastMessageMsg{
		RoomID:   roomID,
		Messages: lo.Map(recent, func(ev chat.ChatEvent, _ int) protocol.BroadcastMessage { return toWire(ev) }),
	})
}

// Logout leaves the room c is logged into.
func (r *Rooms) Logout(ctx context.Context, c *Connection, msg protocol.LogoutRoomMsg) {
	_, room := c.Login()
	switch {
	case room == "":
		r.reply(c, protocol.ResultMsg{ReqID: msg.ReqID, ErrorCode: protocol.CodeNotLoggedIn})
	case room != msg.RoomID:
		r.reply(c, protocol.ResultMsg{ReqID: msg.ReqID, ErrorCode: protocol.CodeRoomMismatch})
	default:
		r.leave(ctx, c)
		r.reply(c, protocol.ResultMsg{ReqID: msg.ReqID})
	}
}

// Broadcast validates and publishes a message to c's room. The result
// carries the assigned message ID.
func (r *Rooms) Broadcast(ctx context.Context, c *Connection, msg protocol.SendBroadcastMsg) {
	user, room := c.Login()
	fail := func(code int, label string) {
		metrics.MessagesTotal.WithLabelValues(label).Inc()
		r.reply(c, protocol.ResultMsg{ReqID: msg.ReqID, ErrorCode: code})
	}

	switch {
	case room == "":
		fail(protocol.CodeNotLoggedIn, "rejected")
		return
	case room != msg.RoomID:
		fail(protocol.CodeRoomMismatch, "rejected")
		return
	}
	if err := chat.ValidateMessage(msg.Message); err != nil {
		r.log.Debug("invalid broadcast", "conn", c.ID, "err", err)
		fail(protocol.CodeInvalidMessage, "rejected")
		return
	}
	if r.spam != nil {
		if res := r.spam.Check(msg.Message); res.Blocked {
			r.log.Info("broadcast blocked", "conn", c.ID, "user", user.UserID, "check", res.Term)
			fail(protocol.CodeInvalidMessage, "blocked")
			return
		}
	}
	if r.limiter != nil {
		// Allow fails open; its error is already logged by the limiter.
		if ok, _ := r.limiter.Allow(ctx, user.UserID, ratelimit.RuleBroadcast); !ok {
			fail(protocol.CodeRateLimited, "rate_limited")
			return
		}
	}

	ev := chat.NewChatEvent(chat.Participant{ID: user.UserID, DisplayName: user.UserName}, msg.Message)
	wire := toWire(ev)
	if err := r.bus.Publish(messaging.RoomEvent{
		Kind:    messaging.EventMessage,
		RoomID:  room,
		Origin:  r.server,
		Message: &wire,
	}); err != nil {
		r.log.Error("publish broadcast failed", "room", room, "err", err)
		fail(protocol.CodeInternal, "rejected")
		return
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	r.reply(c, protocol.ResultMsg{ReqID: msg.ReqID, MessageID: ev.ID})
}

// Disconnect leaves the room of a closed connection.
func (r *Rooms) Disconnect(ctx context.Context, c *Connection) {
	r.leave(ctx, c)
}

// Shutdown tells every local member that the room is going away and logs
// them out.
func (r *Rooms) Shutdown(ctx context.Context) {
	for _, c := range r.localConns() {
		_, room := c.Login()
		if room == "" {
			continue
		}
		r.write(c, protocol.TypeRoomStateUpdate, protocol.RoomStateUpdateMsg{
			RoomID:    room,
			State:     protocol.StateDisconnected,
			ErrorCode: protocol.CodeInternal,
		})
		r.leave(ctx, c)
	}
}

func (r *Rooms) leave(ctx context.Context, c *Connection) {
	user, room := c.clearLogin()
	if room == "" {
		return
	}
	r.removeLocal(room, c)

	if _, err := r.presence.Leave(ctx, room, user.UserID); err != nil {
		r.log.Warn("presence leave failed", "room", room, "user_id", user.UserID, "err", err)
	}
	r.publish(messaging.RoomEvent{
		Kind:   messaging.EventUsersRemoved,
		RoomID: room,
		Users:  []protocol.User{user},
	})
	r.log.Info("logout", "room", room, "user_id", user.UserID, "conn", c.ID)
}

func (r *Rooms) publish(ev messaging.RoomEvent) {
	ev.Origin = r.server
	if err := r.bus.Publish(ev); err != nil {
		r.log.Error("publish room event failed", "kind", ev.Kind, "room", ev.RoomID, "err", err)
	}
}

// deliver writes a bus event to the local members of its room. Users are not
// told about their own joins, leaves or messages.
func (r *Rooms) deliver(ev messaging.RoomEvent) {
	conns := r.roomConns(ev.RoomID)
	if len(conns) == 0 {
		return
	}

	var (
		msgType string
		payload any
		skip    map[string]bool
	)
	switch ev.Kind {
	case messaging.EventUsersAdded, messaging.EventUsersRemoved:
		update := protocol.UpdateAdd
		if ev.Kind == messaging.EventUsersRemoved {
			update = protocol.UpdateDelete
		}
		msgType = protocol.TypeRoomUserUpdate
		payload = protocol.RoomUserUpdateMsg{RoomID: ev.RoomID, UpdateType: update, Users: ev.Users}
		skip = lo.SliceToMap(ev.Users, func(u protocol.User) (string, bool) { return u.UserID, true })
	case messaging.EventMessage:
		if ev.Message == nil {
			return
		}
		r.history.Add(ev.RoomID, fromWire(*ev.Message))
		msgType = protocol.TypeBroadcastMessage
		payload = protocol.BroadcastMessageMsg{RoomID: ev.RoomID, Messages: []protocol.BroadcastMessage{*ev.Message}}
		skip = map[string]bool{ev.Message.FromUser.UserID: true}
	default:
		r.log.Warn("unknown room event", "kind", ev.Kind, "room", ev.RoomID, "origin", ev.Origin)
		return
	}

	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		r.log.Error("encode room event failed", "kind", ev.Kind, "err", err)
		return
	}
	for _, c := range conns {
		user, room := c.Login()
		if room != ev.RoomID || skip[user.UserID] {
			continue
		}
		if err := c.WriteMessage(data); err != nil {
			r.log.Debug("deliver failed", "conn", c.ID, "err", err)
			continue
		}
		if ev.Kind == messaging.EventMessage {
			metrics.MessagesTotal.WithLabelValues("delivered").Inc()
		}
	}
}

func (r *Rooms) reply(c *Connection, res protocol.ResultMsg) {
	r.write(c, protocol.TypeResult, res)
}

func (r *Rooms) write(c *Connection, msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		r.log.Error("encode message failed", "type", msgType, "err", err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		r.log.Debug("write failed", "type", msgType, "conn", c.ID, "err", err)
	}
}

func (r *Rooms) addLocal(roomID string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.local[roomID]
	if !ok {
		room = make(map[string]*Connection)
		r.local[roomID] = room
	}
	room[c.ID] = c
	metrics.RoomMembers.WithLabelValues(roomID).Set(float64(len(room)))
}

func (r *Rooms) removeLocal(roomID string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.local[roomID]
	delete(room, c.ID)
	if len(room) > 0 {
		metrics.RoomMembers.WithLabelValues(roomID).Set(float64(len(room)))
		return
	}
	delete(r.local, roomID)
	r.history.Drop(roomID)
	metrics.RoomMembers.DeleteLabelValues(roomID)
}

func (r *Rooms) roomConns(roomID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.local[roomID])
}

func (r *Rooms) localConns() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, room := range r.local {
		out = append(out, lo.Values(room)...)
	}
	return out
}

// LocalMembers returns the number of connections logged into roomID on this
// instance.
func (r *Rooms) LocalMembers(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.local[roomID])
}

func validRoomID(id string) bool {
	return id != "" && len(id) <= maxRoomIDLength &&
		!strings.ContainsAny(id, " \t\r\n*>")
}

func toWire(ev chat.ChatEvent) protocol.BroadcastMessage {
	return protocol.BroadcastMessage{
		Message:   ev.Text,
		MessageID: ev.ID,
		SendTime:  ev.SentAt.UnixMilli(),
		FromUser:  protocol.User{UserID: ev.Sender.ID, UserName: ev.Sender.DisplayName},
	}
}

func fromWire(m protocol.BroadcastMessage) chat.ChatEvent {
	return chat.ChatEvent{
		ID:     m.MessageID,
		Text:   m.Message,
		SentAt: time.UnixMilli(m.SendTime),
		Sender: chat.Participant{ID: m.FromUser.UserID, DisplayName: m.FromUser.UserName},
	}
}
