package cluster

import "encoding/json"

// Wire shapes published on the bus. All messages are JSON.

// RegisterMessage announces a node joining the broadcast domain.
type RegisterMessage struct {
	ServerID       string `json:"serverId"`
	ServerURL      string `json:"serverUrl"`
	MaxConnections int    `json:"maxConnections"`
	Timestamp      int64  `json:"timestamp"`
}

// HeartbeatMessage is published periodically by every node.
type HeartbeatMessage struct {
	ServerID    string  `json:"serverId"`
	Timestamp   int64   `json:"timestamp"`
	Connections int     `json:"connections"`
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
	Uptime      float64 `json:"uptime"`
}

// ShutdownMessage announces a clean departure.
type ShutdownMessage struct {
	ServerID  string `json:"serverId"`
	Timestamp int64  `json:"timestamp"`
}

// EventScope selects the target set of a distributed event.
type EventScope string

const (
	ScopeBroadcast EventScope = "broadcast"
	ScopeUser      EventScope = "user"
)

// EventMessage carries one domain event across node boundaries. EventID is a
// uuid used for idempotent re-emission: delivery is at-least-once, so
// receivers drop ids they have already seen.
type EventMessage struct {
	EventID      string          `json:"eventId"`
	Origin       string          `json:"origin"`
	Scope        EventScope      `json:"scope"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Room         string          `json:"room,omitempty"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload"`
	Compressed   bool            `json:"compressed,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

// BatchMessage carries several events in one bus publish.
type BatchMessage struct {
	Origin string         `json:"origin"`
	Events []EventMessage `json:"events"`
}

// MigrationStrategy names how a failed node's connections get redistributed.
type MigrationStrategy string

const (
	// StrategyTakeover routes everything to the single best target; chosen
	// when spare capacity is scarce or only one healthy node remains.
	StrategyTakeover MigrationStrategy = "takeover"
	// StrategyHybrid spreads reconnections across several targets.
	StrategyHybrid MigrationStrategy = "hybrid"
)

// MigrationPlan is planning-only output: this layer never moves live
// sockets. Clients reconnect to one of the target servers and restore their
// session context from the connection backup.
type MigrationPlan struct {
	FailedServerID string            `json:"failedServerId"`
	Strategy       MigrationStrategy `json:"strategy"`
	TargetServers  []string          `json:"targetServers"`
	SpareCapacity  int               `json:"spareCapacity"`
	CreatedAt      int64             `json:"createdAt"`
}

// ConnectionBackup is the session context written to the bus store under
// connection:backup:{socketId} with a TTL, so a client reconnecting to
// another node can be restored.
type ConnectionBackup struct {
	SocketID string   `json:"socketId"`
	UserID   string   `json:"userId"`
	Username string   `json:"username"`
	Rooms    []string `json:"rooms,omitempty"`
	ServerID string   `json:"serverId"`
	SavedAt  int64    `json:"savedAt"`
}
