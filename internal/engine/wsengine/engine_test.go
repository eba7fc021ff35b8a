package wsengine_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/engine"
	"github.com/whisper/roomchat/internal/engine/wsengine"
	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/messaging"
	"github.com/whisper/roomchat/internal/presence"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/signaling"
)

const (
	room    = "global_chat_room"
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type roomd struct {
	*httptest.Server
	srv *signaling.Server
}

func (r *roomd) wsURL() string {
	return "ws" + strings.TrimPrefix(r.URL, "http") + "/ws"
}

func startRoomd(t *testing.T) *roomd {
	t.Helper()
	log := logging.Discard()
	rooms, err := signaling.NewRooms("roomd-test", presence.NewMemoryStore(), messaging.NewLocalBus(), nil, log)
	require.NoError(t, err)
	srv := signaling.NewServer(signaling.DefaultConfig(), rooms, nil, log)
	ts := httptest.NewServer(srv.Handler())

	rd := &roomd{Server: ts, srv: srv}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return rd
}

type events struct {
	mu       sync.Mutex
	updates  []string // "ADD:bob", "DELETE:bob"
	messages []engine.BroadcastMessage
	states   []int
}

func (ev *events) RoomUserUpdate(roomID string, update engine.UpdateType, users []chat.Participant) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	for _, u := range users {
		ev.updates = append(ev.updates, update.String()+":"+u.DisplayName)
	}
}

func (ev *events) BroadcastMessages(roomID string, msgs []engine.BroadcastMessage) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.messages = append(ev.messages, msgs...)
}

func (ev *events) RoomStateUpdate(roomID string, state engine.RoomState, errorCode int) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.states = append(ev.states, errorCode)
}

func (ev *events) Updates() []string {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return append([]string(nil), ev.updates...)
}

func (ev *events) Messages() []engine.BroadcastMessage {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return append([]engine.BroadcastMessage(nil), ev.messages...)
}

func (ev *events) States() []int {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return append([]int(nil), ev.states...)
}

func dial(t *testing.T, rd *roomd) (*wsengine.Engine, *events) {
	t.Helper()
	e, err := wsengine.Dial(context.Background(), engine.Options{AppID: 1, Server: rd.wsURL(), Secret: "s"}, nil)
	require.NoError(t, err)
	ev := &events{}
	e.SetEventHandler(ev)
	t.Cleanup(func() { _ = e.Destroy(context.Background()) })
	return e, ev
}

func participant(name string) chat.Participant {
	return chat.Participant{ID: chat.NewParticipantID(), DisplayName: name}
}

func TestEngine_LoginBroadcastLogout(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	rd := startRoomd(t)

	alice, aliceEv := dial(t, rd)
	bob, bobEv := dial(t, rd)

	// Given alice alone in the room
	res, err := alice.LoginRoom(ctx, room, participant("alice"))
	req.NoError(err)
	req.Zero(res.ErrorCode)
	req.Empty(res.Users)

	// When bob joins, he sees alice and alice is told about bob
	res, err = bob.LoginRoom(ctx, room, participant("bob"))
	req.NoError(err)
	req.Zero(res.ErrorCode)
	req.Len(res.Users, 1)
	req.Equal("alice", res.Users[0].DisplayName)
	req.Eventually(func() bool { return len(aliceEv.Updates()) == 1 }, waitFor, tick)
	req.Equal([]string{"ADD:bob"}, aliceEv.Updates())

	// When alice broadcasts, bob receives it and alice gets no echo
	sent, err := alice.SendBroadcastMessage(ctx, room, "hello bob")
	req.NoError(err)
	req.Zero(sent.ErrorCode)
	req.NotZero(sent.MessageID)

	req.Eventually(func() bool { return len(bobEv.Messages()) == 1 }, waitFor, tick)
	got := bobEv.Messages()[0]
	req.Equal("hello bob", got.Text)
	req.Equal(sent.MessageID, got.MessageID)
	req.Equal("alice", got.From.DisplayName)
	req.False(got.SentAt.IsZero())
	req.Empty(aliceEv.Messages())

	// When bob logs out, alice sees him leave
	req.NoError(bob.LogoutRoom(ctx, room))
	req.Eventually(func() bool { return len(aliceEv.Updates()) == 2 }, waitFor, tick)
	req.Equal("DELETE:bob", aliceEv.Updates()[1])
	req.Empty(bobEv.Updates())
}

func TestEngine_RequestErrorCodes(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	rd := startRoomd(t)
	e, _ := dial(t, rd)

	res, err := e.SendBroadcastMessage(ctx, room, "too early")
	req.NoError(err)
	req.Equal(protocol.CodeNotLoggedIn, res.ErrorCode)

	_, err = e.LoginRoom(ctx, room, participant("alice"))
	req.NoError(err)

	res, err = e.SendBroadcastMessage(ctx, "another_room", "hi")
	req.NoError(err)
	req.Equal(protocol.CodeRoomMismatch, res.ErrorCode)

	res, err = e.SendBroadcastMessage(ctx, room, "   ")
	req.NoError(err)
	req.Equal(protocol.CodeInvalidMessage, res.ErrorCode)

	login, err := e.LoginRoom(ctx, "bad room id", participant("alice"))
	req.NoError(err)
	req.Equal(protocol.CodeInvalidMessage, login.ErrorCode)

	err = e.LogoutRoom(ctx, "another_room")
	var codeErr *engine.CodeError
	req.ErrorAs(err, &codeErr)
}

func TestEngine_LateJoinerGetsRecentMessagesOfPresentMembers(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	rd := startRoomd(t)

	alice, _ := dial(t, rd)
	carol, _ := dial(t, rd)
	_, err := alice.LoginRoom(ctx, room, participant("alice"))
	req.NoError(err)
	_, err = carol.LoginRoom(ctx, room, participant("carol"))
	req.NoError(err)

	_, err = alice.SendBroadcastMessage(ctx, room, "from alice")
	req.NoError(err)
	_, err = carol.SendBroadcastMessage(ctx, room, "from carol")
	req.NoError(err)
	req.NoError(carol.LogoutRoom(ctx, room))

	bob, bobEv := dial(t, rd)
	_, err = bob.LoginRoom(ctx, room, participant("bob"))
	req.NoError(err)

	req.Eventually(func() bool { return len(bobEv.Messages()) == 1 }, waitFor, tick)
	req.Equal("from alice", bobEv.Messages()[0].Text)
}

func TestEngine_DestroyIsIdempotentAndFailsLaterCalls(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	rd := startRoomd(t)
	e, ev := dial(t, rd)
	_, err := e.LoginRoom(ctx, room, participant("alice"))
	req.NoError(err)

	req.NoError(e.Destroy(ctx))
	req.NoError(e.Destroy(ctx))

	_, err = e.SendBroadcastMessage(ctx, room, "hi")
	req.ErrorIs(err, wsengine.ErrClosed)
	req.Empty(ev.States())
}

func TestEngine_ServerShutdownReportsDisconnect(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	rd := startRoomd(t)
	e, ev := dial(t, rd)
	_, err := e.LoginRoom(ctx, room, participant("alice"))
	req.NoError(err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req.NoError(rd.srv.Shutdown(shutdownCtx))

	select {
	case <-e.Done():
	case <-time.After(waitFor):
		t.Fatal("engine did not notice the server going away")
	}
	req.Eventually(func() bool { return len(ev.States()) > 0 }, waitFor, tick)
	req.Equal([]int{protocol.CodeInternal}, ev.States())
}

func TestDial_NoServer(t *testing.T) {
	_, err := wsengine.Dial(context.Background(), engine.Options{}, nil)
	require.Error(t, err)

	_, err = wsengine.Dial(context.Background(), engine.Options{Server: "ws://127.0.0.1:1/ws"}, nil)
	require.Error(t, err)
}
