package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/socialpulse/realtime/internal/types"
)

// ManagerConfig identifies this node and sets the cluster timings.
type ManagerConfig struct {
	ServerID          string
	ServerURL         string
	MaxConnections    int
	HeartbeatInterval time.Duration
	FailureTimeout    time.Duration
	BackupTTL         time.Duration
}

// Resources feeds the heartbeat with this node's current usage.
// Connections reports the local pool's active count; CPU and memory are
// percentages 0..100.
type Resources func() (connections int, cpuPct, memPct float64)

// Manager makes N server processes behave as one broadcast domain over an
// external pub/sub bus, while staying correct when the bus is unreachable:
// cross-node fan-out degrades, local emission does not.
type Manager struct {
	config Config
	bus    Bus
	clock  clockwork.Clock
	logger zerolog.Logger

	resources Resources
	startedAt time.Time

	mu    sync.Mutex
	nodes map[string]*types.ServerNode

	seen *dedupeSet

	// onEvent re-emits a cluster-delivered event to locally held sockets.
	onEvent func(EventMessage)
	// onFailure observers receive the failed node id and the produced plan.
	failureMu sync.Mutex
	onFailure []func(serverID string, plan MigrationPlan)
}

// Config is the manager's constructor configuration.
type Config = ManagerConfig

func NewManager(config Config, bus Bus, resources Resources, clock clockwork.Clock, logger zerolog.Logger) *Manager {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 5 * time.Second
	}
	if config.FailureTimeout <= 0 {
		config.FailureTimeout = 3 * config.HeartbeatInterval
	}
	if config.BackupTTL <= 0 {
		config.BackupTTL = 5 * time.Minute
	}
	if resources == nil {
		resources = func() (int, float64, float64) { return 0, 0, 0 }
	}
	return &Manager{
		config:    config,
		bus:       bus,
		clock:     clock,
		logger:    logger.With().Str("component", "cluster_manager").Str("server_id", config.ServerID).Logger(),
		resources: resources,
		nodes:     make(map[string]*types.ServerNode),
		seen:      newDedupeSet(4096, clock),
	}
}

// OnEvent registers the local re-emission hook. Must be set before Start.
func (m *Manager) OnEvent(fn func(EventMessage)) {
	m.onEvent = fn
}

// OnServerFailure registers a failure observer. Observers run synchronously
// on the detection goroutine; a panicking observer is recovered.
func (m *Manager) OnServerFailure(fn func(serverID string, plan MigrationPlan)) {
	m.failureMu.Lock()
	defer m.failureMu.Unlock()
	m.onFailure = append(m.onFailure, fn)
}

// Start subscribes to the cluster channels, registers this node, and begins
// the heartbeat and failure-detection loops.
func (m *Manager) Start(ctx context.Context) error {
	m.startedAt = m.clock.Now()

	err := m.bus.Subscribe(ctx, m.handleMessage,
		ChannelRegister,
		ChannelHeartbeat,
		ChannelShutdown,
		ChannelBroadcast,
		ChannelUserEvent,
		ChannelBatch,
	)
	if err != nil {
		return fmt.Errorf("cluster subscribe failed: %w", err)
	}

	if err := m.RegisterServer(ctx); err != nil {
		// Registration failing means the bus is down; the retry inside the
		// heartbeat loop will announce us once it comes back.
		m.logger.Warn().Err(err).Msg("Initial registration failed, will retry via heartbeat")
	}

	m.startHeartbeat(ctx)
	m.startFailureDetection(ctx)
	return nil
}

// RegisterServer publishes this node's identity and capacity and adds the
// local tracking entry.
func (m *Manager) RegisterServer(ctx context.Context) error {
	now := m.clock.Now()

	m.mu.Lock()
	m.nodes[m.config.ServerID] = &types.ServerNode{
		ServerID:       m.config.ServerID,
		ServerURL:      m.config.ServerURL,
		MaxConnections: m.config.MaxConnections,
		Status:         types.NodeHealthy,
		LastHeartbeat:  now,
	}
	m.mu.Unlock()

	msg := RegisterMessage{
		ServerID:       m.config.ServerID,
		ServerURL:      m.config.ServerURL,
		MaxConnections: m.config.MaxConnections,
		Timestamp:      now.UnixMilli(),
	}
	if err := m.publishJSON(ctx, ChannelRegister, msg); err != nil {
		return err
	}

	m.logger.Info().Str("server_url", m.config.ServerURL).Msg("Server registered with cluster")
	return nil
}

// startHeartbeat publishes a heartbeat on every tick and reclassifies this
// node's own health from its resource usage.
func (m *Manager) startHeartbeat(ctx context.Context) {
	go func() {
		ticker := m.clock.NewTicker(m.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				m.heartbeat(ctx)
			}
		}
	}()
}

func (m *Manager) heartbeat(ctx context.Context) {
	connections, cpuPct, memPct := m.resources()
	now := m.clock.Now()

	status := ClassifyHealth(cpuPct, memPct, connections, m.config.MaxConnections)

	m.mu.Lock()
	if self, ok := m.nodes[m.config.ServerID]; ok {
		self.CurrentLoad = connections
		self.Status = status
		self.LastHeartbeat = now
	}
	m.mu.Unlock()

	msg := HeartbeatMessage{
		ServerID:    m.config.ServerID,
		Timestamp:   now.UnixMilli(),
		Connections: connections,
		CPUUsage:    cpuPct,
		MemoryUsage: memPct,
		Uptime:      now.Sub(m.startedAt).Seconds(),
	}
	if err := m.publishJSON(ctx, ChannelHeartbeat, msg); err != nil {
		m.logger.Debug().Err(err).Msg("Heartbeat publish failed, bus unreachable")
	}
}

// ClassifyHealth derives a node status from resource usage: any metric above
// 90% is unhealthy, above 70% degraded.
func ClassifyHealth(cpuPct, memPct float64, connections, maxConnections int) types.NodeStatus {
	connRatio := 0.0
	if maxConnections > 0 {
		connRatio = float64(connections) / float64(maxConnections) * 100
	}

	worst := cpuPct
	if memPct > worst {
		worst = memPct
	}
	if connRatio > worst {
		worst = connRatio
	}

	switch {
	case worst > 90:
		return types.NodeUnhealthy
	case worst > 70:
		return types.NodeDegraded
	default:
		return types.NodeHealthy
	}
}

// startFailureDetection actively sweeps the node table so crashed peers are
// detected even when they never announce shutdown.
func (m *Manager) startFailureDetection(ctx context.Context) {
	go func() {
		ticker := m.clock.NewTicker(m.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				m.CheckFailures(ctx)
			}
		}
	}()
}

// CheckFailures removes peers not heard from within the failure timeout and
// raises exactly one server:failure per removed node. The failed node's last
// reported load is captured before removal so the migration planner can weigh
// it against the survivors' spare capacity.
func (m *Manager) CheckFailures(ctx context.Context) []string {
	now := m.clock.Now()

	type lostNode struct {
		id   string
		load int
	}

	m.mu.Lock()
	var failed []lostNode
	for id, node := range m.nodes {
		if id == m.config.ServerID {
			continue
		}
		if now.Sub(node.LastHeartbeat) > m.config.FailureTimeout {
			failed = append(failed, lostNode{id: id, load: node.CurrentLoad})
		}
	}
	for _, lost := range failed {
		delete(m.nodes, lost.id)
	}
	m.mu.Unlock()

	var ids []string
	for _, lost := range failed {
		m.logger.Warn().Str("failed_server", lost.id).Msg("Peer failure detected via heartbeat timeout")
		plan := m.planMigration(lost.id, lost.load)
		if err := m.publishJSON(ctx, ChannelMigration, plan); err != nil {
			m.logger.Error().Err(err).Str("failed_server", lost.id).Msg("Migration plan publish failed")
		}
		m.fireFailure(lost.id, plan)
		ids = append(ids, lost.id)
	}
	return ids
}

func (m *Manager) fireFailure(serverID string, plan MigrationPlan) {
	m.failureMu.Lock()
	observers := make([]func(string, MigrationPlan), len(m.onFailure))
	copy(observers, m.onFailure)
	m.failureMu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic_value", r).Msg("Failure observer panicked")
				}
			}()
			fn(serverID, plan)
		}()
	}
}

// handleMessage dispatches inbound bus messages. Malformed payloads are
// logged and dropped; nothing from the bus can crash the event loop.
func (m *Manager) handleMessage(channel string, payload []byte) {
	switch channel {
	case ChannelRegister:
		var msg RegisterMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.logger.Warn().Err(err).Str("channel", channel).Msg("Malformed cluster message dropped")
			return
		}
		m.handleRegister(msg)
	case ChannelHeartbeat:
		var msg HeartbeatMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.logger.Warn().Err(err).Str("channel", channel).Msg("Malformed cluster message dropped")
			return
		}
		m.handleHeartbeat(msg)
	case ChannelShutdown:
		var msg ShutdownMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.logger.Warn().Err(err).Str("channel", channel).Msg("Malformed cluster message dropped")
			return
		}
		m.handleShutdown(msg)
	case ChannelBroadcast, ChannelUserEvent:
		var msg EventMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.logger.Warn().Err(err).Str("channel", channel).Msg("Malformed cluster message dropped")
			return
		}
		m.handleEvent(msg)
	case ChannelBatch:
		var msg BatchMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.logger.Warn().Err(err).Str("channel", channel).Msg("Malformed cluster message dropped")
			return
		}
		for _, ev := range msg.Events {
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) handleRegister(msg RegisterMessage) {
	if msg.ServerID == m.config.ServerID {
		return
	}

	m.mu.Lock()
	m.nodes[msg.ServerID] = &types.ServerNode{
		ServerID:       msg.ServerID,
		ServerURL:      msg.ServerURL,
		MaxConnections: msg.MaxConnections,
		Status:         types.NodeHealthy,
		LastHeartbeat:  m.clock.Now(),
	}
	m.mu.Unlock()

	m.logger.Info().Str("peer", msg.ServerID).Str("url", msg.ServerURL).Msg("Peer joined cluster")
}

func (m *Manager) handleHeartbeat(msg HeartbeatMessage) {
	if msg.ServerID == m.config.ServerID {
		return
	}

	m.mu.Lock()
	node, ok := m.nodes[msg.ServerID]
	if !ok {
		// Heartbeat from a peer we never saw register (we joined later, or
		// its registration was lost). Track it from here on.
		node = &types.ServerNode{ServerID: msg.ServerID}
		m.nodes[msg.ServerID] = node
	}
	node.CurrentLoad = msg.Connections
	node.LastHeartbeat = m.clock.Now()
	node.Status = ClassifyHealth(msg.CPUUsage, msg.MemoryUsage, msg.Connections, node.MaxConnections)
	m.mu.Unlock()
}

func (m *Manager) handleShutdown(msg ShutdownMessage) {
	if msg.ServerID == m.config.ServerID {
		return
	}

	m.mu.Lock()
	delete(m.nodes, msg.ServerID)
	m.mu.Unlock()

	m.logger.Info().Str("peer", msg.ServerID).Msg("Peer announced shutdown")
}

func (m *Manager) handleEvent(msg EventMessage) {
	// A node receives its own publishes back from the bus; local emission
	// already happened on the distribution path.
	if msg.Origin == m.config.ServerID {
		return
	}
	if m.seen.SeenOrAdd(msg.EventID) {
		return
	}
	if m.onEvent != nil {
		m.onEvent(msg)
	}
}

// DistributeEvent publishes one event to the bus so every peer re-emits it
// to its locally held sockets.
func (m *Manager) DistributeEvent(ctx context.Context, msg EventMessage) error {
	if msg.EventID == "" {
		msg.EventID = uuid.NewString()
	}
	msg.Origin = m.config.ServerID
	msg.Timestamp = m.clock.Now().UnixMilli()

	channel := ChannelBroadcast
	if msg.Scope == ScopeUser {
		channel = ChannelUserEvent
	}
	return m.publishJSON(ctx, channel, msg)
}

// DistributeBatch publishes several events in one bus message.
func (m *Manager) DistributeBatch(ctx context.Context, events []EventMessage) error {
	if len(events) == 0 {
		return nil
	}
	now := m.clock.Now().UnixMilli()
	for i := range events {
		if events[i].EventID == "" {
			events[i].EventID = uuid.NewString()
		}
		events[i].Origin = m.config.ServerID
		events[i].Timestamp = now
	}
	return m.publishJSON(ctx, ChannelBatch, BatchMessage{
		Origin: m.config.ServerID,
		Events: events,
	})
}

// AnnounceShutdown tells peers this node is leaving cleanly.
func (m *Manager) AnnounceShutdown(ctx context.Context) error {
	return m.publishJSON(ctx, ChannelShutdown, ShutdownMessage{
		ServerID:  m.config.ServerID,
		Timestamp: m.clock.Now().UnixMilli(),
	})
}

// Nodes returns a snapshot of the node table.
func (m *Manager) Nodes() []types.ServerNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ServerNode, 0, len(m.nodes))
	for _, node := range m.nodes {
		out = append(out, *node)
	}
	return out
}

// NodeCount returns the number of known cluster members including self.
func (m *Manager) NodeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

// BackupConnection writes a connection's session context to the bus store
// with a TTL so another node can restore it after this one disappears.
func (m *Manager) BackupConnection(ctx context.Context, backup ConnectionBackup) error {
	backup.ServerID = m.config.ServerID
	backup.SavedAt = m.clock.Now().UnixMilli()
	data, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("failed to marshal connection backup: %w", err)
	}
	return m.bus.Set(ctx, backupKey(backup.SocketID), data, m.config.BackupTTL)
}

// RestoreConnection reads back a session context, if one was saved and has
// not expired.
func (m *Manager) RestoreConnection(ctx context.Context, socketID string) (*ConnectionBackup, error) {
	data, err := m.bus.Get(ctx, backupKey(socketID))
	if err != nil {
		return nil, err
	}
	var backup ConnectionBackup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection backup: %w", err)
	}
	return &backup, nil
}

// DropBackup removes a connection's saved context after a clean disconnect.
func (m *Manager) DropBackup(ctx context.Context, socketID string) error {
	return m.bus.Delete(ctx, backupKey(socketID))
}

func backupKey(socketID string) string {
	return "connection:backup:" + socketID
}

func (m *Manager) publishJSON(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", channel, err)
	}
	return m.bus.Publish(ctx, channel, data)
}
