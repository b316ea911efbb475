package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialpulse/realtime/internal/types"
)

// fakeBus is an in-memory Bus for exercising the manager without Redis.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	store     map[string][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		published: make(map[string][][]byte),
		store:     make(map[string][]byte),
	}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, func(string, []byte), ...string) error { return nil }

func (b *fakeBus) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store[key] = value
	return nil
}

func (b *fakeBus) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.store[key]
	if !ok {
		return nil, errors.New("key not found")
	}
	return value, nil
}

func (b *fakeBus) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.store, key)
	return nil
}

func (b *fakeBus) Connected() bool { return true }
func (b *fakeBus) Close() error    { return nil }

func (b *fakeBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

func (b *fakeBus) last(t *testing.T, channel string, v any) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.published[channel]
	require.NotEmpty(t, msgs)
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], v))
}

func newTestManager(t *testing.T, config Config, resources Resources) (*Manager, *fakeBus, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bus := newFakeBus()
	if config.ServerID == "" {
		config.ServerID = "node-1"
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 100
	}
	m := NewManager(config, bus, resources, clock, zerolog.Nop())
	return m, bus, clock
}

func registerPeer(t *testing.T, m *Manager, serverID string, maxConnections int) {
	t.Helper()
	payload, err := json.Marshal(RegisterMessage{
		ServerID:       serverID,
		ServerURL:      "ws://" + serverID + ":3000",
		MaxConnections: maxConnections,
	})
	require.NoError(t, err)
	m.handleMessage(ChannelRegister, payload)
}

func heartbeatPeer(t *testing.T, m *Manager, serverID string, connections int, cpuPct, memPct float64) {
	t.Helper()
	payload, err := json.Marshal(HeartbeatMessage{
		ServerID:    serverID,
		Connections: connections,
		CPUUsage:    cpuPct,
		MemoryUsage: memPct,
	})
	require.NoError(t, err)
	m.handleMessage(ChannelHeartbeat, payload)
}

func TestRegisterServer_TracksSelfAndAnnounces(t *testing.T) {
	m, bus, _ := newTestManager(t, Config{ServerURL: "ws://node-1:3000"}, nil)

	require.NoError(t, m.RegisterServer(context.Background()))
	assert.Equal(t, 1, m.NodeCount())
	assert.Equal(t, 1, bus.count(ChannelRegister))

	var msg RegisterMessage
	bus.last(t, ChannelRegister, &msg)
	assert.Equal(t, "node-1", msg.ServerID)
	assert.Equal(t, "ws://node-1:3000", msg.ServerURL)
	assert.Equal(t, 100, msg.MaxConnections)
}

func TestPeerLifecycle(t *testing.T) {
	m, _, _ := newTestManager(t, Config{}, nil)
	require.NoError(t, m.RegisterServer(context.Background()))

	registerPeer(t, m, "node-2", 100)
	assert.Equal(t, 2, m.NodeCount())

	// Own register echoed back from the bus is ignored.
	registerPeer(t, m, "node-1", 100)
	assert.Equal(t, 2, m.NodeCount())

	// A heartbeat from an unseen peer starts tracking it.
	heartbeatPeer(t, m, "node-3", 10, 20, 20)
	assert.Equal(t, 3, m.NodeCount())

	// Clean shutdown removes the peer.
	payload, err := json.Marshal(ShutdownMessage{ServerID: "node-2"})
	require.NoError(t, err)
	m.handleMessage(ChannelShutdown, payload)
	assert.Equal(t, 2, m.NodeCount())
}

func TestFailureDetection_HeartbeatGap(t *testing.T) {
	m, bus, clock := newTestManager(t, Config{
		HeartbeatInterval: 5 * time.Second,
		FailureTimeout:    15 * time.Second,
	}, nil)
	require.NoError(t, m.RegisterServer(context.Background()))
	registerPeer(t, m, "node-2", 100)

	var failures []string
	m.OnServerFailure(func(serverID string, plan MigrationPlan) {
		failures = append(failures, serverID)
	})

	// Heartbeats inside the timeout keep the peer.
	clock.Advance(10 * time.Second)
	heartbeatPeer(t, m, "node-2", 10, 20, 20)
	clock.Advance(10 * time.Second)
	assert.Empty(t, m.CheckFailures(context.Background()))
	assert.Equal(t, 2, m.NodeCount())

	// A gap past the timeout removes it and raises exactly one failure.
	clock.Advance(10 * time.Second)
	assert.Equal(t, []string{"node-2"}, m.CheckFailures(context.Background()))
	assert.Equal(t, 1, m.NodeCount())
	assert.Equal(t, []string{"node-2"}, failures)
	assert.Equal(t, 1, bus.count(ChannelMigration))

	// Re-checking raises nothing further.
	assert.Empty(t, m.CheckFailures(context.Background()))
	assert.Equal(t, []string{"node-2"}, failures)
	assert.Equal(t, 1, bus.count(ChannelMigration))
}

func TestFailureDetection_PlansWithFailedNodeLoad(t *testing.T) {
	m, bus, clock := newTestManager(t, Config{FailureTimeout: 15 * time.Second}, nil)
	registerPeer(t, m, "failed", 100)
	heartbeatPeer(t, m, "failed", 100, 20, 20)
	registerPeer(t, m, "node-a", 120)
	heartbeatPeer(t, m, "node-a", 60, 20, 20)
	registerPeer(t, m, "node-b", 120)
	heartbeatPeer(t, m, "node-b", 80, 20, 20)

	var plans []MigrationPlan
	m.OnServerFailure(func(_ string, plan MigrationPlan) {
		plans = append(plans, plan)
	})

	// Only "failed" goes quiet past the timeout.
	clock.Advance(20 * time.Second)
	heartbeatPeer(t, m, "node-a", 60, 20, 20)
	heartbeatPeer(t, m, "node-b", 80, 20, 20)
	assert.Equal(t, []string{"failed"}, m.CheckFailures(context.Background()))

	// Spare 60+40=100 is under twice the failed node's last reported load of
	// 100, so the plan must be a scarce-capacity takeover, exactly as when
	// the planner runs with the node still registered.
	require.Len(t, plans, 1)
	assert.Equal(t, StrategyTakeover, plans[0].Strategy)
	assert.Equal(t, []string{"node-a"}, plans[0].TargetServers)
	assert.Equal(t, 100, plans[0].SpareCapacity)

	var published MigrationPlan
	bus.last(t, ChannelMigration, &published)
	assert.Equal(t, StrategyTakeover, published.Strategy)
}

func TestFailureObserverPanicIsRecovered(t *testing.T) {
	m, _, clock := newTestManager(t, Config{FailureTimeout: 15 * time.Second}, nil)
	require.NoError(t, m.RegisterServer(context.Background()))
	registerPeer(t, m, "node-2", 100)

	var called int
	m.OnServerFailure(func(string, MigrationPlan) { panic("boom") })
	m.OnServerFailure(func(string, MigrationPlan) { called++ })

	clock.Advance(time.Minute)
	assert.NotPanics(t, func() { m.CheckFailures(context.Background()) })
	assert.Equal(t, 1, called)
}

func TestHandleEvent_DedupeAndOriginFilter(t *testing.T) {
	m, _, _ := newTestManager(t, Config{}, nil)

	var received []EventMessage
	m.OnEvent(func(msg EventMessage) { received = append(received, msg) })

	deliver := func(msg EventMessage) {
		payload, err := json.Marshal(msg)
		require.NoError(t, err)
		m.handleMessage(ChannelBroadcast, payload)
	}

	deliver(EventMessage{EventID: "e1", Origin: "node-2", Event: "emit:like-updated"})
	require.Len(t, received, 1)

	// At-least-once redelivery of the same id is dropped.
	deliver(EventMessage{EventID: "e1", Origin: "node-2", Event: "emit:like-updated"})
	assert.Len(t, received, 1)

	// Our own publish echoed back is dropped.
	deliver(EventMessage{EventID: "e2", Origin: "node-1", Event: "emit:like-updated"})
	assert.Len(t, received, 1)

	deliver(EventMessage{EventID: "e3", Origin: "node-3", Event: "emit:comment-added"})
	assert.Len(t, received, 2)
}

func TestHandleMessage_MalformedPayloadDropped(t *testing.T) {
	m, _, _ := newTestManager(t, Config{}, nil)
	require.NoError(t, m.RegisterServer(context.Background()))

	var received int
	m.OnEvent(func(EventMessage) { received++ })

	for _, channel := range []string{
		ChannelRegister, ChannelHeartbeat, ChannelShutdown,
		ChannelBroadcast, ChannelUserEvent, ChannelBatch,
	} {
		assert.NotPanics(t, func() {
			m.handleMessage(channel, []byte("{not json"))
		}, channel)
	}
	assert.Equal(t, 1, m.NodeCount())
	assert.Equal(t, 0, received)
}

func TestDistributeEvent_StampsAndRoutes(t *testing.T) {
	m, bus, _ := newTestManager(t, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, m.DistributeEvent(ctx, EventMessage{
		Scope:   ScopeBroadcast,
		Room:    "content:c1",
		Event:   "emit:like-updated",
		Payload: json.RawMessage(`{"contentId":"c1"}`),
	}))
	var broadcast EventMessage
	bus.last(t, ChannelBroadcast, &broadcast)
	assert.NotEmpty(t, broadcast.EventID)
	assert.Equal(t, "node-1", broadcast.Origin)

	require.NoError(t, m.DistributeEvent(ctx, EventMessage{
		Scope:        ScopeUser,
		TargetUserID: "u1",
		Event:        "emit:follower-added",
		Payload:      json.RawMessage(`{}`),
	}))
	assert.Equal(t, 1, bus.count(ChannelUserEvent))
	assert.Equal(t, 1, bus.count(ChannelBroadcast))
}

func TestDistributeBatch(t *testing.T) {
	m, bus, _ := newTestManager(t, Config{}, nil)

	require.NoError(t, m.DistributeBatch(context.Background(), nil))
	assert.Equal(t, 0, bus.count(ChannelBatch))

	events := []EventMessage{
		{Event: "emit:feed-update", Payload: json.RawMessage(`{}`)},
		{Event: "emit:feed-update", Payload: json.RawMessage(`{}`)},
	}
	require.NoError(t, m.DistributeBatch(context.Background(), events))

	var batch BatchMessage
	bus.last(t, ChannelBatch, &batch)
	assert.Equal(t, "node-1", batch.Origin)
	require.Len(t, batch.Events, 2)
	assert.NotEmpty(t, batch.Events[0].EventID)
	assert.NotEqual(t, batch.Events[0].EventID, batch.Events[1].EventID)
}

func TestConnectionBackup_RoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t, Config{BackupTTL: time.Minute}, nil)
	ctx := context.Background()

	require.NoError(t, m.BackupConnection(ctx, ConnectionBackup{
		SocketID: "s1",
		UserID:   "u1",
		Username: "alice",
		Rooms:    []string{"user:u1", "content:c1"},
	}))

	backup, err := m.RestoreConnection(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", backup.UserID)
	assert.Equal(t, "alice", backup.Username)
	assert.Equal(t, []string{"user:u1", "content:c1"}, backup.Rooms)
	assert.Equal(t, "node-1", backup.ServerID)

	require.NoError(t, m.DropBackup(ctx, "s1"))
	_, err = m.RestoreConnection(ctx, "s1")
	assert.Error(t, err)
}

func TestClassifyHealth(t *testing.T) {
	assert.Equal(t, types.NodeHealthy, ClassifyHealth(50, 50, 50, 100))
	assert.Equal(t, types.NodeDegraded, ClassifyHealth(75, 10, 0, 100))
	assert.Equal(t, types.NodeDegraded, ClassifyHealth(10, 80, 0, 100))
	assert.Equal(t, types.NodeDegraded, ClassifyHealth(10, 10, 75, 100))
	assert.Equal(t, types.NodeUnhealthy, ClassifyHealth(95, 10, 0, 100))
	assert.Equal(t, types.NodeUnhealthy, ClassifyHealth(10, 10, 95, 100))
	assert.Equal(t, types.NodeHealthy, ClassifyHealth(0, 0, 100, 0))
}

func TestMigrationPlan_Strategies(t *testing.T) {
	t.Run("takeover with one healthy peer", func(t *testing.T) {
		m, _, _ := newTestManager(t, Config{}, nil)
		registerPeer(t, m, "node-2", 100)
		heartbeatPeer(t, m, "node-2", 100, 20, 20)
		registerPeer(t, m, "node-3", 100)
		heartbeatPeer(t, m, "node-3", 40, 20, 20)

		plan := m.CreateConnectionMigrationPlan("node-2")
		assert.Equal(t, StrategyTakeover, plan.Strategy)
		assert.Equal(t, []string{"node-3"}, plan.TargetServers)
		assert.Equal(t, 60, plan.SpareCapacity)
	})

	t.Run("takeover when spare capacity is scarce", func(t *testing.T) {
		m, _, _ := newTestManager(t, Config{}, nil)
		registerPeer(t, m, "failed", 100)
		heartbeatPeer(t, m, "failed", 100, 20, 20)
		registerPeer(t, m, "node-a", 120)
		heartbeatPeer(t, m, "node-a", 60, 20, 20)
		registerPeer(t, m, "node-b", 120)
		heartbeatPeer(t, m, "node-b", 80, 20, 20)

		// Spare 60+40=100 < 2x the failed load of 100.
		plan := m.CreateConnectionMigrationPlan("failed")
		assert.Equal(t, StrategyTakeover, plan.Strategy)
		assert.Equal(t, []string{"node-a"}, plan.TargetServers)
	})

	t.Run("hybrid spreads across healthy peers", func(t *testing.T) {
		m, _, _ := newTestManager(t, Config{}, nil)
		registerPeer(t, m, "failed", 100)
		heartbeatPeer(t, m, "failed", 10, 20, 20)
		registerPeer(t, m, "node-a", 120)
		heartbeatPeer(t, m, "node-a", 80, 20, 20)
		registerPeer(t, m, "node-b", 120)
		heartbeatPeer(t, m, "node-b", 60, 20, 20)

		plan := m.CreateConnectionMigrationPlan("failed")
		assert.Equal(t, StrategyHybrid, plan.Strategy)
		// Most headroom first.
		assert.Equal(t, []string{"node-b", "node-a"}, plan.TargetServers)
		assert.Equal(t, 100, plan.SpareCapacity)
	})

	t.Run("unhealthy peers are never targets", func(t *testing.T) {
		m, _, _ := newTestManager(t, Config{}, nil)
		registerPeer(t, m, "failed", 100)
		registerPeer(t, m, "node-sick", 100)
		heartbeatPeer(t, m, "node-sick", 10, 95, 10)

		plan := m.CreateConnectionMigrationPlan("failed")
		assert.Equal(t, StrategyTakeover, plan.Strategy)
		assert.Empty(t, plan.TargetServers)
	})
}

func TestGetScalingMetrics(t *testing.T) {
	t.Run("scale up above 80 percent", func(t *testing.T) {
		m, _, _ := newTestManager(t, Config{}, func() (int, float64, float64) { return 90, 10, 10 })
		require.NoError(t, m.RegisterServer(context.Background()))
		m.heartbeat(context.Background())

		metrics := m.GetScalingMetrics()
		assert.Equal(t, RecommendScaleUp, metrics.Recommendation)
		assert.InDelta(t, 0.9, metrics.AverageLoad, 1e-9)
		assert.InDelta(t, 0.75, metrics.Confidence, 1e-9)
	})

	t.Run("scale down below 30 percent with multiple nodes", func(t *testing.T) {
		m, _, _ := newTestManager(t, Config{}, func() (int, float64, float64) { return 10, 10, 10 })
		require.NoError(t, m.RegisterServer(context.Background()))
		m.heartbeat(context.Background())
		registerPeer(t, m, "node-2", 100)
		heartbeatPeer(t, m, "node-2", 10, 10, 10)

		metrics := m.GetScalingMetrics()
		assert.Equal(t, RecommendScaleDown, metrics.Recommendation)
		assert.Equal(t, 1.0, metrics.Confidence)
	})

	t.Run("single underloaded node maintains", func(t *testing.T) {
		m, _, _ := newTestManager(t, Config{}, func() (int, float64, float64) { return 10, 10, 10 })
		require.NoError(t, m.RegisterServer(context.Background()))
		m.heartbeat(context.Background())

		metrics := m.GetScalingMetrics()
		assert.Equal(t, RecommendMaintain, metrics.Recommendation)
	})
}
