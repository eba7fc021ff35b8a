package messaging

import (
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/whisper/roomchat/internal/protocol"
)

func TestLocalBus_DeliversToEverySubscriber(t *testing.T) {
	req := require.New(t)
	bus := NewLocalBus()

	var got1, got2 []RoomEvent
	req.NoError(bus.Subscribe(func(ev RoomEvent) { got1 = append(got1, ev) }))
	req.NoError(bus.Subscribe(func(ev RoomEvent) { got2 = append(got2, ev) }))

	ev := RoomEvent{Kind: EventUsersAdded, RoomID: "r1", Users: []protocol.User{{UserID: "u1", UserName: "alice"}}}
	req.NoError(bus.Publish(ev))

	req.Equal([]RoomEvent{ev}, got1)
	req.Equal([]RoomEvent{ev}, got2)
}

func TestLocalBus_Closed(t *testing.T) {
	req := require.New(t)
	bus := NewLocalBus()
	called := false
	req.NoError(bus.Subscribe(func(RoomEvent) { called = true }))

	bus.Close()

	req.ErrorIs(bus.Publish(RoomEvent{Kind: EventMessage, RoomID: "r1"}), ErrClosed)
	req.ErrorIs(bus.Subscribe(func(RoomEvent) {}), ErrClosed)
	req.False(called)
}

// newNATSBus connects to a local NATS server; tests that call it are skipped
// when none is running on the default URL.
func newNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	bus, err := NewNATSBus(cfg, nil)
	if err != nil {
		t.Skipf("nats not available at %s: %v", nats.DefaultURL, err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func TestNATSBus_RoundTrip(t *testing.T) {
	req := require.New(t)
	bus := newNATSBus(t)

	var mu sync.Mutex
	var got []RoomEvent
	req.NoError(bus.Subscribe(func(ev RoomEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}))
	req.NoError(bus.conn.Flush())

	msg := &protocol.BroadcastMessage{Message: "hi", MessageID: 7, SendTime: 1700000000000,
		FromUser: protocol.User{UserID: "u1", UserName: "alice"}}
	req.NoError(bus.Publish(RoomEvent{Kind: EventMessage, RoomID: "test.nats.room", Origin: "roomd-test", Message: msg}))

	req.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	req.Equal("test.nats.room", got[0].RoomID)
	req.Equal(msg, got[0].Message)
}
