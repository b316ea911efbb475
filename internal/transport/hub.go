package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is the reverse proxy's job in this deployment.
		return true
	},
}

// HubConfig holds the hub's tunables.
type HubConfig struct {
	// Connection-flood guard: sustained upgrades/sec and burst.
	UpgradeRate  float64
	UpgradeBurst int
}

// Hub implements Transport over gorilla/websocket with named rooms.
// It owns only sockets and room membership; admission, auth, and event
// semantics belong to the distribution server.
type Hub struct {
	config   HubConfig
	logger   zerolog.Logger
	handlers Handlers

	limiter *rate.Limiter

	mu      sync.RWMutex
	clients map[string]*client         // socketID -> client
	rooms   map[string]map[string]bool // room -> set of socketIDs
	byID    map[string][]string        // socketID -> joined rooms
	closed  bool
}

func NewHub(config HubConfig, handlers Handlers, logger zerolog.Logger) *Hub {
	if config.UpgradeRate <= 0 {
		config.UpgradeRate = 100
	}
	if config.UpgradeBurst <= 0 {
		config.UpgradeBurst = 200
	}
	return &Hub{
		config:   config,
		logger:   logger.With().Str("component", "transport").Logger(),
		handlers: handlers,
		limiter:  rate.NewLimiter(rate.Limit(config.UpgradeRate), config.UpgradeBurst),
		clients:  make(map[string]*client),
		rooms:    make(map[string]map[string]bool),
		byID:     make(map[string][]string),
	}
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("Upgrade failed")
		return
	}

	remote := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(remote); splitErr == nil {
		remote = host
	}

	c := &client{
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		hub:        h,
		logger:     h.logger,
		remoteAddr: remote,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	go c.writePump()

	if h.handlers.OnConnect != nil {
		h.handlers.OnConnect(c.id, r)
	}

	// readPump runs on the upgrade goroutine's successor; it returns on
	// disconnect and triggers unregister.
	go c.readPump()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, known := h.clients[c.id]
	if known {
		delete(h.clients, c.id)
		h.leaveAllLocked(c.id)
	}
	h.mu.Unlock()

	if known {
		c.closeSend()
	}

	if known && h.handlers.OnDisconnect != nil {
		h.handlers.OnDisconnect(c.id)
	}
}

// RemoteAddr returns the client IP for a socket, for rate-limiting keys.
func (h *Hub) RemoteAddr(socketID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[socketID]; ok {
		return c.remoteAddr
	}
	return ""
}

// Emit sends one frame to one connection. Returns false if the socket is
// gone or too slow to accept the frame (the slow socket is disconnected).
func (h *Hub) Emit(socketID, event string, data []byte, compressed bool) bool {
	h.mu.RLock()
	c, ok := h.clients[socketID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	frame, err := marshalFrame(event, data, compressed)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Frame marshal failed")
		return false
	}

	if !c.trySend(frame) {
		h.logger.Warn().Str("socket_id", socketID).Msg("Slow client disconnected")
		h.Disconnect(socketID)
		return false
	}
	return true
}

// BroadcastToRoom serializes once and fans out to every member of the room.
// Returns the number of sockets the frame was queued to.
func (h *Hub) BroadcastToRoom(room, event string, data []byte, compressed bool) int {
	frame, err := marshalFrame(event, data, compressed)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Str("room", room).Msg("Frame marshal failed")
		return 0
	}

	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		if c, ok := h.clients[id]; ok {
			members = append(members, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	var slow []string
	for _, c := range members {
		if c.trySend(frame) {
			sent++
		} else {
			slow = append(slow, c.id)
		}
	}
	for _, id := range slow {
		h.logger.Warn().Str("socket_id", id).Str("room", room).Msg("Slow client disconnected")
		h.Disconnect(id)
	}
	return sent
}

// JoinRoom adds a socket to a room. Unknown sockets are ignored.
func (h *Hub) JoinRoom(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[socketID]; !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]bool)
	}
	if !h.rooms[room][socketID] {
		h.rooms[room][socketID] = true
		h.byID[socketID] = append(h.byID[socketID], room)
	}
}

// LeaveRoom removes a socket from a room.
func (h *Hub) LeaveRoom(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.rooms[room]; set != nil {
		delete(set, socketID)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	joined := h.byID[socketID]
	for i, r := range joined {
		if r == room {
			h.byID[socketID] = append(joined[:i], joined[i+1:]...)
			break
		}
	}
}

func (h *Hub) leaveAllLocked(socketID string) {
	for _, room := range h.byID[socketID] {
		if set := h.rooms[room]; set != nil {
			delete(set, socketID)
			if len(set) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.byID, socketID)
}

// Rooms returns the rooms a socket has joined.
func (h *Hub) Rooms(socketID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	joined := h.byID[socketID]
	out := make([]string, len(joined))
	copy(out, joined)
	return out
}

// RoomSize returns the member count of a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Count returns the number of connected sockets.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Disconnect closes a socket's connection; the read pump's teardown runs the
// usual unregister path.
func (h *Hub) Disconnect(socketID string) {
	h.mu.RLock()
	c, ok := h.clients[socketID]
	h.mu.RUnlock()
	if ok {
		c.conn.Close()
	}
}

// Close stops accepting connections and closes every socket.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	all := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
	return nil
}

func marshalFrame(event string, data []byte, compressed bool) ([]byte, error) {
	frame := Frame{
		Event:      event,
		Compressed: compressed,
		Timestamp:  time.Now().UnixMilli(),
	}
	if compressed {
		frame.Encoded = data
	} else {
		frame.Data = json.RawMessage(data)
	}
	return json.Marshal(frame)
}
