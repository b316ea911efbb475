package transport

import (
	"context"
	"encoding/json"
	"net/http"
)

// Frame is the envelope written to a client. Compressed payloads travel as
// base64-encoded gzip in Encoded; plain payloads as raw JSON in Data.
type Frame struct {
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data,omitempty"`
	Encoded    []byte          `json:"encoded,omitempty"`
	Compressed bool            `json:"compressed,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// Handlers are the lifecycle callbacks the distribution server registers.
// OnMessage receives raw inbound frames; the transport does not interpret
// them.
type Handlers struct {
	OnConnect    func(socketID string, r *http.Request)
	OnMessage    func(socketID string, data []byte)
	OnDisconnect func(socketID string)
}

// Transport is the socket capability boundary: connect/disconnect lifecycle,
// emit to one connection, broadcast to a room, and room membership. Wire
// framing belongs to the implementation, not to the consumers.
type Transport interface {
	Emit(socketID, event string, data []byte, compressed bool) bool
	BroadcastToRoom(room, event string, data []byte, compressed bool) int
	JoinRoom(socketID, room string)
	LeaveRoom(socketID, room string)
	Rooms(socketID string) []string
	Disconnect(socketID string)
	Close(ctx context.Context) error
}
