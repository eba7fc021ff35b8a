// Package protocol defines the signaling wire protocol spoken between the
// websocket engine and the room server. All messages are JSON text frames
// that follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeLoginRoom     = "login_room"
	TypeLogoutRoom    = "logout_room"
	TypeSendBroadcast = "send_broadcast"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeResult           = "result"
	TypeRoomUserUpdate   = "room_user_update"
	TypeBroadcastMessage = "broadcast_message"
	TypeRoomStateUpdate  = "room_state_update"
	TypeError            = "error"
	TypePong             = "pong"
)

// Membership delta kinds carried by room_user_update.
const (
	UpdateAdd    = "ADD"
	UpdateDelete = "DELETE"
)

// Room connection states carried by room_state_update.
const (
	StateConnected    = "CONNECTED"
	StateDisconnected = "DISCONNECTED"
)

// Error codes carried by result and room_state_update. Zero means success.
const (
	CodeOK             = 0
	CodeNotLoggedIn    = 1001
	CodeRoomMismatch   = 1002
	CodeRateLimited    = 1003
	CodeInvalidMessage = 1004
	CodeInternal       = 1005
)

// Handshake headers sent by the engine when dialing the server.
const (
	HeaderAppID  = "X-App-Id"
	HeaderSecret = "X-Signaling-Secret"
)

// EngineEntryPoint names the websocket engine in SDK manifests. Version is the
// protocol revision announced alongside it.
const (
	EngineEntryPoint = "roomchat.wsengine/v1"
	Version          = "1.0.0"
)

// ---------------------------------------------------------------------------
// Envelope: initial parsing that extracts the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// User identifies a room member on the wire.
type User struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// LoginRoomMsg asks the server to add the user to a room.
type LoginRoomMsg struct {
	Type   string `json:"type"`
	ReqID  string `json:"req_id"`
	RoomID string `json:"room_id"`
	User   User   `json:"user"`
}

// LogoutRoomMsg asks the server to remove the connection's user from a room.
type LogoutRoomMsg struct {
	Type   string `json:"type"`
	ReqID  string `json:"req_id"`
	RoomID string `json:"room_id"`
}

// SendBroadcastMsg asks the server to deliver a text message to every other
// member of the room.
type SendBroadcastMsg struct {
	Type    string `json:"type"`
	ReqID   string `json:"req_id"`
	RoomID  string `json:"room_id"`
	Message string `json:"message"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ResultMsg answers a request identified by ReqID. Users is filled for
// login_room (current members, excluding the caller); MessageID for
// send_broadcast.
type ResultMsg struct {
	Type      string `json:"type"`
	ReqID     string `json:"req_id"`
	ErrorCode int    `json:"error_code"`
	MessageID int64  `json:"message_id,omitempty"`
	Users     []User `json:"users,omitempty"`
}

// RoomUserUpdateMsg notifies members that users joined (ADD) or left (DELETE).
type RoomUserUpdateMsg struct {
	Type       string `json:"type"`
	RoomID     string `json:"room_id"`
	UpdateType string `json:"update_type"`
	Users      []User `json:"users"`
}

// BroadcastMessage is one message inside a broadcast_message frame.
type BroadcastMessage struct {
	Message   string `json:"message"`
	MessageID int64  `json:"message_id"`
	SendTime  int64  `json:"send_time"` // unix milliseconds
	FromUser  User   `json:"from_user"`
}

// BroadcastMessageMsg delivers one or more broadcast messages of a room.
type BroadcastMessageMsg struct {
	Type     string             `json:"type"`
	RoomID   string             `json:"room_id"`
	Messages []BroadcastMessage `json:"messages"`
}

// RoomStateUpdateMsg reports a change of the connection's state in a room.
type RoomStateUpdateMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	State     string `json:"state"`
	ErrorCode int    `json:"error_code"`
}

// ErrorMsg is sent by the server to communicate a protocol-level error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

func decode[T any](env Envelope) (interface{}, error) {
	var m T
	if err := json.Unmarshal(env.Raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return m, nil
}

// ParseClientMessage parses raw websocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)
	switch env.Type {
	case TypeLoginRoom:
		msg, err = decode[LoginRoomMsg](env)
	case TypeLogoutRoom:
		msg, err = decode[LogoutRoomMsg](env)
	case TypeSendBroadcast:
		msg, err = decode[SendBroadcastMsg](env)
	case TypePing:
		msg, err = decode[PingMsg](env)
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
	return env.Type, msg, err
}

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)
	switch env.Type {
	case TypeResult:
		msg, err = decode[ResultMsg](env)
	case TypeRoomUserUpdate:
		msg, err = decode[RoomUserUpdateMsg](env)
	case TypeBroadcastMessage:
		msg, err = decode[BroadcastMessageMsg](env)
	case TypeRoomStateUpdate:
		msg, err = decode[RoomStateUpdateMsg](env)
	case TypeError:
		msg, err = decode[ErrorMsg](env)
	case TypePong:
		msg, err = decode[PongMsg](env)
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}
	return env.Type, msg, err
}

// Encode creates a JSON-encoded frame for any message struct. The msgType is
// injected into the payload under the "type" key so callers never have to
// fill the Type field themselves.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
