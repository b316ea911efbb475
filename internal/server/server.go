package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/socialpulse/realtime/internal/auth"
	"github.com/socialpulse/realtime/internal/cluster"
	"github.com/socialpulse/realtime/internal/compression"
	"github.com/socialpulse/realtime/internal/perfmetrics"
	"github.com/socialpulse/realtime/internal/pool"
	"github.com/socialpulse/realtime/internal/transport"
	"github.com/socialpulse/realtime/internal/types"
)

// Server is the composition root of the distribution layer: the only
// component that talks to the socket transport. It maps domain events to
// target rooms, runs payloads through the compression engine, emits locally,
// and hands cross-node fan-out to the cluster manager.
type Server struct {
	logger  zerolog.Logger
	clock   clockwork.Clock
	gate    *auth.Gate
	pool    *pool.Pool
	cluster *cluster.Manager // nil when clustering is disabled
	engine  *compression.Engine
	metrics *perfmetrics.Engine

	transport transport.Transport
	hub       *transport.Hub

	// authenticated holds socketID -> userID for sockets that passed the
	// gate; unauthenticated sockets stay connected but join nothing.
	mu            sync.Mutex
	authenticated map[string]string

	shutdownOnce sync.Once
	forcedClosed int
}

// Options wires the server's collaborators.
type Options struct {
	Gate    *auth.Gate
	Pool    *pool.Pool
	Cluster *cluster.Manager
	Engine  *compression.Engine
	Metrics *perfmetrics.Engine
	Clock   clockwork.Clock
	Logger  zerolog.Logger

	// Hub configuration for the default gorilla transport.
	HubConfig transport.HubConfig
}

func New(opts Options) *Server {
	s := &Server{
		logger:        opts.Logger.With().Str("component", "distribution_server").Logger(),
		clock:         opts.Clock,
		gate:          opts.Gate,
		pool:          opts.Pool,
		cluster:       opts.Cluster,
		engine:        opts.Engine,
		metrics:       opts.Metrics,
		authenticated: make(map[string]string),
	}

	s.hub = transport.NewHub(opts.HubConfig, transport.Handlers{
		OnConnect:    s.handleConnect,
		OnMessage:    s.handleMessage,
		OnDisconnect: s.handleDisconnect,
	}, opts.Logger)
	s.transport = s.hub

	// Idle-evicted and force-closed pool entries tear down their sockets.
	s.pool.OnEvict(func(socketID, reason string) {
		s.logger.Debug().Str("socket_id", socketID).Str("reason", reason).Msg("Closing evicted connection")
		s.transport.Disconnect(socketID)
	})

	if s.cluster != nil {
		s.cluster.OnEvent(s.emitClusterEvent)
		s.cluster.OnServerFailure(func(serverID string, plan cluster.MigrationPlan) {
			s.logger.Warn().
				Str("failed_server", serverID).
				Str("strategy", string(plan.Strategy)).
				Strs("targets", plan.TargetServers).
				Msg("Peer failed, migration plan produced")
		})
	}

	return s
}

// Handler returns the websocket upgrade handler.
func (s *Server) Handler() http.Handler {
	return s.hub
}

// handleConnect acknowledges the socket and authenticates the handshake.
// Failed authentication keeps the socket connected for in-band
// re-authentication; it simply joins nothing and is told why on its own
// socket only.
func (s *Server) handleConnect(socketID string, r *http.Request) {
	ack, _ := json.Marshal(map[string]string{"socketId": socketID})
	s.transport.Emit(socketID, types.EmitConnectionEstablished, ack, false)

	result := s.gate.Authenticate(auth.ConnContext{
		Request: r,
		Origin:  s.hub.RemoteAddr(socketID),
	})
	if !result.Success {
		s.emitAuthFailure(socketID, result)
		return
	}
	s.admit(socketID, result.UserID, result.Username)
}

// admit runs pool admission and presence setup for an authenticated socket.
func (s *Server) admit(socketID, userID, username string) {
	workerID, err := s.pool.Admit(socketID, userID, username)
	if err != nil {
		s.metrics.RecordError("admission")
		s.emitError(socketID, types.CodeConnectionLimitReached, "connection limit reached")
		s.transport.Disconnect(socketID)
		return
	}

	s.mu.Lock()
	s.authenticated[socketID] = userID
	s.mu.Unlock()

	s.transport.JoinRoom(socketID, types.UserRoom(userID))
	s.transport.JoinRoom(socketID, types.GlobalRoom)
	s.metrics.RecordConnect(1)

	payload, _ := json.Marshal(map[string]any{
		"socketId": socketID,
		"userId":   userID,
		"workerId": workerID,
	})
	s.transport.Emit(socketID, types.EmitAuthenticated, payload, false)

	s.backup(socketID)

	s.logger.Info().
		Str("socket_id", socketID).
		Str("user_id", userID).
		Int("worker_id", workerID).
		Msg("Connection established")
}

// clientMessage is the inbound frame shape from clients.
type clientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Room  string `json:"room,omitempty"`
}

func (s *Server) handleMessage(socketID string, data []byte) {
	start := s.clock.Now()
	s.pool.Touch(socketID)
	s.metrics.RecordMessage("received", len(data), "client")

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug().Str("socket_id", socketID).Msg("Malformed client message dropped")
		return
	}

	switch msg.Type {
	case "authenticate":
		s.handleInBandAuth(socketID, msg.Token)
	case "subscribe":
		s.handleSubscribe(socketID, msg.Room)
	case "unsubscribe":
		s.transport.LeaveRoom(socketID, types.ContentRoom(msg.Room))
		s.backup(socketID)
	case "ping":
		s.transport.Emit(socketID, "pong", []byte(`{}`), false)
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("Unknown client message type")
	}

	s.metrics.RecordResponseTime(s.clock.Since(start))
}

func (s *Server) handleInBandAuth(socketID, token string) {
	s.mu.Lock()
	_, already := s.authenticated[socketID]
	s.mu.Unlock()
	if already {
		return
	}

	result := s.gate.Authenticate(auth.ConnContext{
		AuthToken: token,
		Origin:    s.hub.RemoteAddr(socketID),
	})
	if !result.Success {
		s.emitAuthFailure(socketID, result)
		return
	}
	s.admit(socketID, result.UserID, result.Username)
}

// handleSubscribe joins a content room. Only authenticated sockets may
// subscribe; others are told to authenticate first.
func (s *Server) handleSubscribe(socketID, room string) {
	s.mu.Lock()
	_, ok := s.authenticated[socketID]
	s.mu.Unlock()
	if !ok {
		s.emitError(socketID, types.CodeAuthenticationRequired, "authenticate before subscribing")
		return
	}
	if room == "" {
		return
	}
	s.transport.JoinRoom(socketID, types.ContentRoom(room))
	s.backup(socketID)
}

func (s *Server) handleDisconnect(socketID string) {
	s.mu.Lock()
	_, wasAuthed := s.authenticated[socketID]
	delete(s.authenticated, socketID)
	s.mu.Unlock()

	s.pool.Remove(socketID)
	if wasAuthed {
		s.metrics.RecordDisconnect(1)
	}

	if s.cluster != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.cluster.DropBackup(ctx, socketID)
		}()
	}
}

func (s *Server) emitAuthFailure(socketID string, result auth.Result) {
	if result.RateLimited {
		s.emitError(socketID, types.CodeRateLimitExceeded, result.Reason)
		return
	}
	s.emitError(socketID, types.CodeAuthenticationRequired, result.Reason)
}

// emitError sends a domain error event with a stable code to one socket.
// The reason text never goes anywhere but the requesting socket.
func (s *Server) emitError(socketID, code, message string) {
	payload, _ := json.Marshal(types.ErrorEvent{Code: code, Message: message})
	s.transport.Emit(socketID, types.EmitAuthError, payload, false)
}

// backup hands the socket's session context to the cluster store so a
// reconnect against another node can be restored. Best effort.
func (s *Server) backup(socketID string) {
	if s.cluster == nil {
		return
	}
	conn, ok := s.pool.Get(socketID)
	if !ok {
		return
	}
	rooms := s.transport.Rooms(socketID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.cluster.BackupConnection(ctx, cluster.ConnectionBackup{
			SocketID: socketID,
			UserID:   conn.UserID,
			Username: conn.Username,
			Rooms:    rooms,
		}); err != nil {
			s.logger.Debug().Err(err).Str("socket_id", socketID).Msg("Connection backup failed")
		}
	}()
}

// Shutdown drains gracefully: announce departure to peers, drain the pool,
// then close the transport. Idempotent. Returns the number of connections
// force-closed during the drain.
func (s *Server) Shutdown(ctx context.Context) int {
	s.shutdownOnce.Do(func() {
		s.logger.Info().Msg("Distribution server shutting down")

		if s.cluster != nil {
			if err := s.cluster.AnnounceShutdown(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Shutdown announcement failed")
			}
		}

		payload, _ := json.Marshal(map[string]string{"message": "server shutting down"})
		s.transport.BroadcastToRoom(types.GlobalRoom, types.EmitServerShutdown, payload, false)

		s.forcedClosed = s.pool.Shutdown(ctx)
		s.transport.Close(ctx)
	})
	return s.forcedClosed
}
