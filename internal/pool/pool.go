package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/socialpulse/realtime/internal/types"
)

// Admission errors. Rejections are synchronous and never queued.
var (
	ErrDraining  = errors.New("pool is draining")
	ErrCapacity  = errors.New("global connection capacity exhausted")
	ErrUserLimit = errors.New("per-user connection limit reached")
)

// Config holds the pool's tunables.
type Config struct {
	MaxConnections        int
	MaxConnectionsPerUser int
	WorkerCount           int
	LoadBalancing         bool
	RebalanceThreshold    int           // worker load spread that triggers a single-step rebalance
	IdleTimeout           time.Duration // connections idle longer than this are evicted
	DrainTimeout          time.Duration // how long Shutdown waits for natural drain
}

// Pool owns admission control and bookkeeping for socket connections.
// All state is private to the pool; other components receive copies.
type Pool struct {
	config Config
	clock  clockwork.Clock
	logger zerolog.Logger

	mu          sync.Mutex
	connections map[string]*types.Connection // by socketID
	byUser      map[string]map[string]bool   // userID -> set of socketIDs
	workerLoads []int                        // connections per worker
	draining    bool

	evicted int64 // lifetime idle evictions

	// onEvict is invoked (outside the lock) for each idle-evicted or
	// force-closed connection so the owner can tear down the socket.
	onEvict func(socketID string, reason string)
}

func New(config Config, clock clockwork.Clock, logger zerolog.Logger) *Pool {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	return &Pool{
		config:      config,
		clock:       clock,
		logger:      logger.With().Str("component", "connection_pool").Logger(),
		connections: make(map[string]*types.Connection),
		byUser:      make(map[string]map[string]bool),
		workerLoads: make([]int, config.WorkerCount),
	}
}

// OnEvict registers the eviction callback. Must be set before Start.
func (p *Pool) OnEvict(fn func(socketID string, reason string)) {
	p.onEvict = fn
}

// Admit registers a connection and returns its assigned worker index.
// Rejects when draining, at the user's cap, or at global capacity. The
// per-user cap is checked first so a user over their limit is told so even
// when the pool is also full.
func (p *Pool) Admit(socketID, userID, username string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining {
		return 0, ErrDraining
	}
	if len(p.byUser[userID]) >= p.config.MaxConnectionsPerUser {
		return 0, ErrUserLimit
	}
	if len(p.connections) >= p.config.MaxConnections {
		return 0, ErrCapacity
	}

	workerID := 0
	if p.config.LoadBalancing {
		workerID = p.leastLoadedWorkerLocked()
	}

	now := p.clock.Now()
	p.connections[socketID] = &types.Connection{
		SocketID:     socketID,
		UserID:       userID,
		Username:     username,
		WorkerID:     workerID,
		ConnectedAt:  now,
		LastActivity: now,
		IsHealthy:    true,
	}
	if p.byUser[userID] == nil {
		p.byUser[userID] = make(map[string]bool)
	}
	p.byUser[userID][socketID] = true
	p.workerLoads[workerID]++

	p.maybeRebalanceLocked()

	p.logger.Debug().
		Str("socket_id", socketID).
		Str("user_id", userID).
		Int("worker_id", workerID).
		Int("active", len(p.connections)).
		Msg("Connection admitted")

	return workerID, nil
}

// Remove deregisters a connection. Idempotent.
func (p *Pool) Remove(socketID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(socketID)
}

func (p *Pool) removeLocked(socketID string) {
	conn, ok := p.connections[socketID]
	if !ok {
		return
	}
	delete(p.connections, socketID)
	if set := p.byUser[conn.UserID]; set != nil {
		delete(set, socketID)
		if len(set) == 0 {
			delete(p.byUser, conn.UserID)
		}
	}
	if conn.WorkerID >= 0 && conn.WorkerID < len(p.workerLoads) {
		p.workerLoads[conn.WorkerID]--
	}
}

// Touch records activity on a connection, deferring idle eviction.
func (p *Pool) Touch(socketID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.connections[socketID]; ok {
		conn.LastActivity = p.clock.Now()
	}
}

// MarkUnhealthy flags a connection for external inspection. The pool never
// removes unhealthy connections itself; removal policy belongs to the caller.
func (p *Pool) MarkUnhealthy(socketID, issue string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.connections[socketID]; ok {
		conn.IsHealthy = false
		conn.HealthIssue = issue
	}
}

// Get returns a copy of a connection's record.
func (p *Pool) Get(socketID string) (types.Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.connections[socketID]
	if !ok {
		return types.Connection{}, false
	}
	return *conn, true
}

// UserSockets returns the socket ids currently held by a user.
func (p *Pool) UserSockets(userID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	sockets := make([]string, 0, len(p.byUser[userID]))
	for id := range p.byUser[userID] {
		sockets = append(sockets, id)
	}
	return sockets
}

// Count returns the number of active connections.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}

// UserCount returns a user's active connection count.
func (p *Pool) UserCount(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byUser[userID])
}

// WorkerLoads returns a copy of the per-worker connection counts.
func (p *Pool) WorkerLoads() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	loads := make([]int, len(p.workerLoads))
	copy(loads, p.workerLoads)
	return loads
}

// Draining reports whether shutdown has begun.
func (p *Pool) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

func (p *Pool) leastLoadedWorkerLocked() int {
	least := 0
	for i, load := range p.workerLoads {
		if load < p.workerLoads[least] {
			least = i
		}
	}
	return least
}

// maybeRebalanceLocked moves exactly one connection from the most- to the
// least-loaded worker when the spread exceeds the threshold. Single-step so
// repeated admissions converge without thrashing.
func (p *Pool) maybeRebalanceLocked() {
	if !p.config.LoadBalancing || p.config.RebalanceThreshold <= 0 || len(p.workerLoads) < 2 {
		return
	}

	most, least := 0, 0
	for i, load := range p.workerLoads {
		if load > p.workerLoads[most] {
			most = i
		}
		if load < p.workerLoads[least] {
			least = i
		}
	}
	if p.workerLoads[most]-p.workerLoads[least] <= p.config.RebalanceThreshold {
		return
	}

	for _, conn := range p.connections {
		if conn.WorkerID == most {
			conn.WorkerID = least
			p.workerLoads[most]--
			p.workerLoads[least]++
			p.logger.Info().
				Str("socket_id", conn.SocketID).
				Int("from_worker", most).
				Int("to_worker", least).
				Msg("Connection reassigned to balance worker load")
			return
		}
	}
}

// SweepIdle evicts connections idle past the configured timeout and returns
// how many were evicted. Eviction callbacks run outside the lock.
func (p *Pool) SweepIdle() int {
	if p.config.IdleTimeout <= 0 {
		return 0
	}

	p.mu.Lock()
	cutoff := p.clock.Now().Add(-p.config.IdleTimeout)
	var stale []string
	for id, conn := range p.connections {
		if conn.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		p.removeLocked(id)
	}
	p.evicted += int64(len(stale))
	p.mu.Unlock()

	for _, id := range stale {
		if p.onEvict != nil {
			p.onEvict(id, "idle timeout")
		}
	}

	if len(stale) > 0 {
		p.logger.Info().Int("evicted", len(stale)).Msg("Idle connections evicted")
	}
	return len(stale)
}

// StartSweep runs SweepIdle on a fixed interval until ctx is cancelled.
func (p *Pool) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := p.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				p.SweepIdle()
			}
		}
	}()
}

// Shutdown drains the pool: stop admitting, wait up to the drain timeout for
// connections to leave naturally, then force-clear the rest. Returns the
// number of connections force-closed. Idempotent.
func (p *Pool) Shutdown(ctx context.Context) int {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return 0
	}
	p.draining = true
	p.mu.Unlock()

	p.logger.Info().Int("active", p.Count()).Msg("Pool draining")

	deadline := p.clock.Now().Add(p.config.DrainTimeout)
	for p.Count() > 0 && p.clock.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return p.forceClear()
		case <-p.clock.After(100 * time.Millisecond):
		}
	}

	return p.forceClear()
}

func (p *Pool) forceClear() int {
	p.mu.Lock()
	remaining := make([]string, 0, len(p.connections))
	for id := range p.connections {
		remaining = append(remaining, id)
	}
	for _, id := range remaining {
		p.removeLocked(id)
	}
	p.mu.Unlock()

	for _, id := range remaining {
		if p.onEvict != nil {
			p.onEvict(id, "server shutdown")
		}
	}

	if len(remaining) > 0 {
		p.logger.Warn().Int("forced", len(remaining)).Msg("Connections force-closed during drain")
	}
	return len(remaining)
}
