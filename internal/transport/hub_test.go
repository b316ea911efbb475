package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hubHarness struct {
	hub        *Hub
	server     *httptest.Server
	connects   chan string
	messages   chan []byte
	disconnect chan string
}

func newHubHarness(t *testing.T, config HubConfig) *hubHarness {
	t.Helper()
	h := &hubHarness{
		connects:   make(chan string, 8),
		messages:   make(chan []byte, 8),
		disconnect: make(chan string, 8),
	}
	h.hub = NewHub(config, Handlers{
		OnConnect:    func(socketID string, _ *http.Request) { h.connects <- socketID },
		OnMessage:    func(_ string, data []byte) { h.messages <- data },
		OnDisconnect: func(socketID string) { h.disconnect <- socketID },
	}, zerolog.Nop())
	h.server = httptest.NewServer(h.hub)
	t.Cleanup(h.server.Close)
	return h
}

func (h *hubHarness) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case socketID := <-h.connects:
		return conn, socketID
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect callback")
		return nil, ""
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestHub_EmitDeliversFrame(t *testing.T) {
	h := newHubHarness(t, HubConfig{})
	conn, socketID := h.dial(t)

	assert.Equal(t, 1, h.hub.Count())
	require.True(t, h.hub.Emit(socketID, "like:update", []byte(`{"likeCount":3}`), false))

	frame := readFrame(t, conn)
	assert.Equal(t, "like:update", frame.Event)
	assert.JSONEq(t, `{"likeCount":3}`, string(frame.Data))
	assert.False(t, frame.Compressed)
	assert.NotZero(t, frame.Timestamp)
}

func TestHub_EmitToUnknownSocket(t *testing.T) {
	h := newHubHarness(t, HubConfig{})
	assert.False(t, h.hub.Emit("nope", "like:update", []byte(`{}`), false))
}

func TestHub_BroadcastToRoom(t *testing.T) {
	h := newHubHarness(t, HubConfig{})
	connA, idA := h.dial(t)
	connB, idB := h.dial(t)
	_, idC := h.dial(t)

	h.hub.JoinRoom(idA, "content:c1")
	h.hub.JoinRoom(idB, "content:c1")
	assert.Equal(t, 2, h.hub.RoomSize("content:c1"))

	sent := h.hub.BroadcastToRoom("content:c1", "comment:update", []byte(`{"commentId":"m1"}`), false)
	assert.Equal(t, 2, sent)

	for _, conn := range []*websocket.Conn{connA, connB} {
		frame := readFrame(t, conn)
		assert.Equal(t, "comment:update", frame.Event)
	}

	// Members leave, the room shrinks, non-members were never counted.
	h.hub.LeaveRoom(idA, "content:c1")
	assert.Equal(t, 1, h.hub.RoomSize("content:c1"))
	assert.Empty(t, h.hub.Rooms(idC))

	sent = h.hub.BroadcastToRoom("content:empty", "comment:update", []byte(`{}`), false)
	assert.Equal(t, 0, sent)
}

func TestHub_RoomMembershipBookkeeping(t *testing.T) {
	h := newHubHarness(t, HubConfig{})
	_, socketID := h.dial(t)

	h.hub.JoinRoom(socketID, "user:u1")
	h.hub.JoinRoom(socketID, "content:c1")
	h.hub.JoinRoom(socketID, "content:c1") // joining twice is a no-op
	assert.ElementsMatch(t, []string{"user:u1", "content:c1"}, h.hub.Rooms(socketID))
	assert.Equal(t, 1, h.hub.RoomSize("content:c1"))

	// Unknown sockets never enter rooms.
	h.hub.JoinRoom("ghost", "content:c1")
	assert.Equal(t, 1, h.hub.RoomSize("content:c1"))
}

func TestHub_InboundMessagesReachHandler(t *testing.T) {
	h := newHubHarness(t, HubConfig{})
	conn, _ := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	select {
	case data := <-h.messages:
		assert.JSONEq(t, `{"type":"ping"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestHub_DisconnectCleansUp(t *testing.T) {
	h := newHubHarness(t, HubConfig{})
	_, socketID := h.dial(t)
	h.hub.JoinRoom(socketID, "content:c1")

	h.hub.Disconnect(socketID)

	select {
	case gone := <-h.disconnect:
		assert.Equal(t, socketID, gone)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}
	assert.Equal(t, 0, h.hub.Count())
	assert.Equal(t, 0, h.hub.RoomSize("content:c1"))
	assert.Empty(t, h.hub.RemoteAddr(socketID))
}

func TestHub_SendAfterUnregisterDoesNotPanic(t *testing.T) {
	h := newHubHarness(t, HubConfig{})
	_, socketID := h.dial(t)
	h.hub.JoinRoom(socketID, "content:c1")

	// A broadcast can fetch the client, lose the lock, and only then try to
	// queue the frame while the read pump tears the connection down.
	h.hub.mu.RLock()
	c := h.hub.clients[socketID]
	h.hub.mu.RUnlock()
	require.NotNil(t, c)

	h.hub.unregister(c)

	assert.NotPanics(t, func() {
		assert.False(t, c.trySend([]byte(`{}`)))
	})
	assert.Equal(t, 0, h.hub.BroadcastToRoom("content:c1", "like:update", []byte(`{}`), false))
	assert.False(t, h.hub.Emit(socketID, "like:update", []byte(`{}`), false))
}

func TestHub_UpgradeFloodGuard(t *testing.T) {
	h := newHubHarness(t, HubConfig{UpgradeRate: 0.001, UpgradeBurst: 1})
	h.dial(t)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHub_CloseShutsDownHeldConnections(t *testing.T) {
	h := newHubHarness(t, HubConfig{})
	conn, _ := h.dial(t)

	require.NoError(t, h.hub.Close(context.Background()))

	// The held connection is closed out from under the client.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
