// Package messaging carries room events between roomd instances. Every
// instance publishes the membership changes and broadcasts of its own
// connections and delivers the events it receives to its local members, so a
// room spans instances transparently.
package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/roomchat/internal/logging"
)

// SubjectRoom is the subject prefix for room events: room.<room_id>.
const SubjectRoom = "room"

// NATSBus is a Bus over a NATS connection.
type NATSBus struct {
	conn *nats.Conn
	log  *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "roomd",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSBus connects to NATS. It returns an error if the initial connection
// fails.
func NewNATSBus(config NATSConfig, log *slog.Logger) (*NATSBus, error) {
	if log == nil {
		log = logging.Discard()
	}
	log = log.With("component", "nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}
	log.Info("connected", "url", nc.ConnectedUrl())

	return &NATSBus{conn: nc, log: log}, nil
}

// Publish sends ev to room.<ev.RoomID>.
func (b *NATSBus) Publish(ev RoomEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: encode %s event: %w", ev.Kind, err)
	}
	if err := b.conn.Publish(roomSubject(ev.RoomID), data); err != nil {
		return fmt.Errorf("messaging: publish to %s: %w", ev.RoomID, err)
	}
	return nil
}

// Subscribe delivers the events of every room to handler. Events that fail to
// decode are logged and dropped.
func (b *NATSBus) Subscribe(handler Handler) error {
	subject := SubjectRoom + ".>"
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev RoomEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Warn("dropping undecodable room event", "subject", msg.Subject, "err", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close drains all subscriptions and the connection.
func (b *NATSBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.log.Warn("drain subscription", "subject", sub.Subject, "err", err)
		}
	}
	b.subs = nil

	if err := b.conn.Drain(); err != nil {
		b.log.Warn("connection drain", "err", err)
	}
}

func roomSubject(roomID string) string {
	return SubjectRoom + "." + roomID
}
