package signaling

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/messaging"
	"github.com/whisper/roomchat/internal/moderation"
	"github.com/whisper/roomchat/internal/presence"
	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/ratelimit"
	"github.com/whisper/roomchat/internal/sdkloader"
)

const testRoom = "global_chat_room"

// fakeLimiter allows the first n requests of each rule.
type fakeLimiter struct {
	mu    sync.Mutex
	n     int
	count map[string]int
}

func (f *fakeLimiter) Allow(_ context.Context, id string, rule ratelimit.Rule) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == nil {
		f.count = make(map[string]int)
	}
	f.count[rule.Key]++
	return f.count[rule.Key] <= f.n, nil
}

type testServer struct {
	*httptest.Server
	srv *Server
}

func newTestServer(t *testing.T, cfg Config, limiter RateLimiter) *testServer {
	t.Helper()
	log := logging.Discard()
	rooms, err := NewRooms("roomd-test", presence.NewMemoryStore(), messaging.NewLocalBus(), limiter, log)
	require.NoError(t, err)
	srv := NewServer(cfg, rooms, limiter, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &testServer{Server: ts, srv: srv}
}

func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, _, _, err := ws.Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, msgType string, payload any) {
	t.Helper()
	data, err := protocol.Encode(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientText(conn, data))
}

func recv(t *testing.T, conn net.Conn) (string, any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	msgType, msg, err := protocol.ParseServerMessage(data)
	require.NoError(t, err)
	return msgType, msg
}

func login(t *testing.T, conn net.Conn, userID, name string) protocol.ResultMsg {
	t.Helper()
	send(t, conn, protocol.TypeLoginRoom, protocol.LoginRoomMsg{
		ReqID: "login-" + userID, RoomID: testRoom,
		User: protocol.User{UserID: userID, UserName: name},
	})
	msgType, msg := recv(t, conn)
	require.Equal(t, protocol.TypeResult, msgType)
	return msg.(protocol.ResultMsg)
}

func TestServer_PingPong(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)
	conn := ts.dial(t)

	send(t, conn, protocol.TypePing, protocol.PingMsg{})
	msgType, _ := recv(t, conn)
	require.Equal(t, protocol.TypePong, msgType)
}

func TestServer_MalformedAndUnsupportedMessages(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, DefaultConfig(), nil)
	conn := ts.dial(t)

	req.NoError(wsutil.WriteClientText(conn, []byte("not json")))
	msgType, msg := recv(t, conn)
	req.Equal(protocol.TypeError, msgType)
	req.Equal("parse_error", msg.(protocol.ErrorMsg).Code)

	req.NoError(wsutil.WriteClientText(conn, []byte(`{"type":"teleport"}`)))
	msgType, msg = recv(t, conn)
	req.Equal(protocol.TypeError, msgType)
	req.Equal("parse_error", msg.(protocol.ErrorMsg).Code)
}

func TestServer_LoginAnnouncesToOthers(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, DefaultConfig(), nil)
	alice := ts.dial(t)
	bob := ts.dial(t)

	res := login(t, alice, "u-alice", "alice")
	req.Zero(res.ErrorCode)
	req.Equal("login-u-alice", res.ReqID)
	req.Empty(res.Users)

	res = login(t, bob, "u-bob", "bob")
	req.Equal([]protocol.User{{UserID: "u-alice", UserName: "alice"}}, res.Users)

	msgType, msg := recv(t, alice)
	req.Equal(protocol.TypeRoomUserUpdate, msgType)
	update := msg.(protocol.RoomUserUpdateMsg)
	req.Equal(protocol.UpdateAdd, update.UpdateType)
	req.Equal(testRoom, update.RoomID)
	req.Equal([]protocol.User{{UserID: "u-bob", UserName: "bob"}}, update.Users)
	req.Equal(2, ts.srv.rooms.LocalMembers(testRoom))
}

func TestServer_DisconnectLeavesRoom(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, DefaultConfig(), nil)
	alice := ts.dial(t)
	bob := ts.dial(t)
	login(t, alice, "u-alice", "alice")
	login(t, bob, "u-bob", "bob")
	recv(t, alice) // ADD bob

	req.NoError(bob.Close())

	msgType, msg := recv(t, alice)
	req.Equal(protocol.TypeRoomUserUpdate, msgType)
	update := msg.(protocol.RoomUserUpdateMsg)
	req.Equal(protocol.UpdateDelete, update.UpdateType)
	req.Equal("u-bob", update.Users[0].UserID)
	req.Eventually(func() bool { return ts.srv.Connections().Count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_BroadcastRateLimited(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, DefaultConfig(), &fakeLimiter{n: 1})
	conn := ts.dial(t)
	login(t, conn, "u-alice", "alice")

	for i, want := range []int{protocol.CodeOK, protocol.CodeRateLimited} {
		send(t, conn, protocol.TypeSendBroadcast, protocol.SendBroadcastMsg{
			ReqID: "b", RoomID: testRoom, Message: "hello",
		})
		_, msg := recv(t, conn)
		req.Equal(want, msg.(protocol.ResultMsg).ErrorCode, "broadcast %d", i)
	}
}

func TestServer_ConnectRateLimited(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), &fakeLimiter{n: 1})
	ts.dial(t)

	_, _, _, err := ws.Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")
	require.Error(t, err)
}

func TestServer_MaxConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	ts := newTestServer(t, cfg, nil)
	ts.dial(t)
	require.Eventually(t, func() bool { return ts.srv.Connections().Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, _, _, err := ws.Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")
	require.Error(t, err)
}

func TestServer_Manifest(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, DefaultConfig(), nil)

	resp, err := http.Get(ts.URL + "/sdk/manifest.json")
	req.NoError(err)
	defer resp.Body.Close()

	var m sdkloader.Manifest
	req.NoError(json.NewDecoder(resp.Body).Decode(&m))
	req.Equal(protocol.EngineEntryPoint, m.EntryPoint)
	req.Equal("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", m.SignalingURL)
}

func TestServer_ManifestAnnouncesPublicURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PublicWSURL = "wss://chat.example.com/ws"
	ts := newTestServer(t, cfg, nil)

	resp, err := http.Get(ts.URL + "/sdk/manifest.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	var m sdkloader.Manifest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	require.Equal(t, cfg.PublicWSURL, m.SignalingURL)
}

func TestServer_Health(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, DefaultConfig(), nil)
	ts.dial(t)
	req.Eventually(func() bool { return ts.srv.Connections().Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get(ts.URL + "/health")
	req.NoError(err)
	defer resp.Body.Close()

	var health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	req.NoError(json.NewDecoder(resp.Body).Decode(&health))
	req.Equal("ok", health.Status)
	req.Equal(1, health.Connections)
}

func TestServer_HeartbeatEvictsIdleConnections(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, DefaultConfig(), nil)
	ts.dial(t)
	req.Eventually(func() bool { return ts.srv.Connections().Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	hb := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}

	// A fresh connection is pinged and kept.
	ts.srv.checkConnections(hb, time.Now())
	req.Equal(1, ts.srv.Connections().Count())

	// One idle past Interval + Timeout is evicted.
	ts.srv.checkConnections(hb, time.Now().Add(time.Minute))
	req.Zero(ts.srv.Connections().Count())
}

func TestServer_RefusesForeignAppID(t *testing.T) {
	req := require.New(t)
	cfg := DefaultConfig()
	cfg.AppID = 42
	ts := newTestServer(t, cfg, nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(http.Header{protocol.HeaderAppID: []string{"7"}})}
	_, _, _, err := dialer.Dial(context.Background(), url)
	req.Error(err)

	dialer.Header = ws.HandshakeHeaderHTTP(http.Header{protocol.HeaderAppID: []string{"42"}})
	conn, _, _, err := dialer.Dial(context.Background(), url)
	req.NoError(err)
	_ = conn.Close()
}

func TestServer_SpamFilterBlocksBroadcast(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, DefaultConfig(), nil)
	ts.srv.rooms.SetSpamFilter(moderation.NewFilter())
	alice := ts.dial(t)
	bob := ts.dial(t)
	login(t, alice, "u-alice", "alice")
	login(t, bob, "u-bob", "bob")
	recv(t, alice) // ADD bob

	send(t, bob, protocol.TypeSendBroadcast, protocol.SendBroadcastMsg{
		ReqID: "spam", RoomID: testRoom, Message: "cheap pills at www.example.com",
	})
	_, msg := recv(t, bob)
	req.Equal(protocol.CodeInvalidMessage, msg.(protocol.ResultMsg).ErrorCode)

	send(t, bob, protocol.TypeSendBroadcast, protocol.SendBroadcastMsg{
		ReqID: "ok", RoomID: testRoom, Message: "hi alice",
	})
	_, msg = recv(t, bob)
	req.Zero(msg.(protocol.ResultMsg).ErrorCode)

	// Only the clean message reaches alice.
	msgType, msg := recv(t, alice)
	req.Equal(protocol.TypeBroadcastMessage, msgType)
	req.Equal("hi alice", msg.(protocol.BroadcastMessageMsg).Messages[0].Message)
}
