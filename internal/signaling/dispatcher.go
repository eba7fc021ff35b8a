package signaling

import (
	"context"
	"log/slog"
	"time"

	"github.com/whisper/roomchat/internal/metrics"
	"github.com/whisper/roomchat/internal/protocol"
)

// requestTimeout bounds the presence, bus and rate limit calls of one request.
const requestTimeout = 5 * time.Second

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage (e.g. protocol.LoginRoomMsg).
type MessageHandler func(ctx context.Context, c *Connection, msg any)

// Dispatcher routes incoming messages to registered handlers by type. It
// answers ping itself and replies with an error message to malformed or
// unsupported messages.
type Dispatcher struct {
	handlers map[string]MessageHandler
	log      *slog.Logger
}

// NewDispatcher creates a Dispatcher with no handlers.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log,
	}
}

// Register associates a handler with a message type, replacing any previous
// one. Handlers must be registered before the server starts.
func (d *Dispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and runs the matching handler on the calling
// goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug("dispatch parse error", "conn", c.ID, "err", err)
		d.sendError(c, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(c)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug("unsupported message type", "type", msgType, "conn", c.ID)
		d.sendError(c, "unsupported_type", "unsupported message type")
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	handler(ctx, c, msg)
	metrics.RequestLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) sendError(c *Connection, code, message string) {
	data, err := protocol.Encode(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
	if err != nil {
		d.log.Error("build error message", "conn", c.ID, "err", err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		d.log.Debug("send error message", "conn", c.ID, "err", err)
	}
}

func (d *Dispatcher) sendPong(c *Connection) {
	data, err := protocol.Encode(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.log.Error("build pong message", "conn", c.ID, "err", err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		d.log.Debug("send pong message", "conn", c.ID, "err", err)
	}
}
