package signaling

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/roomchat/internal/protocol"
	"github.com/whisper/roomchat/internal/wsio"
)

// Connection represents a single WebSocket client connection with its
// associated metadata, its room login and a write mutex for serializing
// outbound frames.
type Connection struct {
	ID         string   // connection ID (UUID)
	Conn       net.Conn // underlying TCP connection
	RemoteAddr string
	AppID      string // value of the X-App-Id handshake header
	CreatedAt  time.Time

	writeTimeout time.Duration
	lastSeen     atomic.Int64 // unix nanoseconds of the last frame received
	writeMu      sync.Mutex   // serializes writes to this connection

	mu   sync.Mutex
	user protocol.User
	room string
}

func newConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		RemoteAddr:   conn.RemoteAddr().String(),
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

// WriteMessage sends a WebSocket text frame to this connection.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Write lets control-frame replies share the write mutex.
func (c *Connection) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return c.Conn.Write(p)
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// ReadMessage blocks for the next data message. Pings are answered and any
// frame counts as activity for the heartbeat.
func (c *Connection) ReadMessage() ([]byte, error) {
	return wsio.ReadData(c.Conn, c, ws.StateServerSide, c.touch)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the connection last sent a frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Login returns the user and room the connection is logged into, or an empty
// room.
func (c *Connection) Login() (protocol.User, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user, c.room
}

func (c *Connection) setLogin(user protocol.User, roomID string) {
	c.mu.Lock()
	c.user, c.room = user, roomID
	c.mu.Unlock()
}

// clearLogin logs the connection out and returns what it was logged into.
func (c *Connection) clearLogin() (protocol.User, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	user, room := c.user, c.room
	c.user, c.room = protocol.User{}, ""
	return user, room
}

// Registry is a thread-safe map of connection ID to Connection.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	r.byID[c.ID] = c
	r.mu.Unlock()
}

// Remove unregisters a connection by ID and closes it. It returns false if
// the connection was already gone, so racing removals clean up once.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	r.mu.Unlock()

	if ok {
		_ = c.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Count returns the current number of connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns a snapshot of all current connections.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	return conns
}
