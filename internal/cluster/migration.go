package cluster

import (
	"sort"

	"github.com/socialpulse/realtime/internal/types"
)

// CreateConnectionMigrationPlan chooses how a failed node's clients should be
// redistributed across the remaining healthy nodes.
//
// Strategy selection:
//   - takeover: only one healthy node remains, or total spare capacity is
//     scarce relative to the failed node's load — everything goes to the
//     single node with the most headroom.
//   - hybrid: several healthy nodes with comfortable spare capacity —
//     reconnections are spread across all of them, most headroom first.
//
// This is planning-only output. Live sockets cannot be moved between
// processes; clients reconnect to a target node and restore their session
// context from the connection backup store.
func (m *Manager) CreateConnectionMigrationPlan(failedServerID string) MigrationPlan {
	m.mu.Lock()
	failedLoad := 0
	if failed, ok := m.nodes[failedServerID]; ok {
		failedLoad = failed.CurrentLoad
	}
	m.mu.Unlock()

	return m.planMigration(failedServerID, failedLoad)
}

// planMigration builds the plan from an explicit failed-node load, so the
// failure detector can plan after the node is already gone from the registry.
func (m *Manager) planMigration(failedServerID string, failedLoad int) MigrationPlan {
	m.mu.Lock()
	var healthy []types.ServerNode
	for id, node := range m.nodes {
		if id == failedServerID {
			continue
		}
		if node.Status != types.NodeUnhealthy {
			healthy = append(healthy, *node)
		}
	}
	m.mu.Unlock()

	plan := MigrationPlan{
		FailedServerID: failedServerID,
		CreatedAt:      m.clock.Now().UnixMilli(),
	}

	if len(healthy) == 0 {
		// Nothing to plan onto; callers treat an empty target list as a
		// scale-up signal.
		plan.Strategy = StrategyTakeover
		return plan
	}

	spare := 0
	for _, node := range healthy {
		if headroom := node.MaxConnections - node.CurrentLoad; headroom > 0 {
			spare += headroom
		}
	}
	plan.SpareCapacity = spare

	// Most headroom first.
	sort.Slice(healthy, func(i, j int) bool {
		return (healthy[i].MaxConnections - healthy[i].CurrentLoad) >
			(healthy[j].MaxConnections - healthy[j].CurrentLoad)
	})

	scarce := failedLoad > 0 && spare < failedLoad*2
	if len(healthy) == 1 || scarce {
		plan.Strategy = StrategyTakeover
		plan.TargetServers = []string{healthy[0].ServerID}
		return plan
	}

	plan.Strategy = StrategyHybrid
	for _, node := range healthy {
		plan.TargetServers = append(plan.TargetServers, node.ServerID)
	}
	return plan
}
