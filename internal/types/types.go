package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Domain event types consumed from the upstream social API.
type EventType string

const (
	EventTypeLikeToggled    EventType = "like:toggled"
	EventTypeCommentCreated EventType = "comment:created"
	EventTypeCommentUpdated EventType = "comment:updated"
	EventTypeCommentDeleted EventType = "comment:deleted"
	EventTypeFollowToggled  EventType = "follow:toggled"
	EventTypeFeedItem       EventType = "feed:item"
)

// Client-facing event names emitted over the socket transport.
const (
	EmitConnectionEstablished = "connection:established"
	EmitAuthenticated         = "authenticated"
	EmitAuthError             = "auth:error"
	EmitLikeUpdate            = "like:update"
	EmitCommentUpdate         = "comment:update"
	EmitFollowUpdate          = "follow:update"
	EmitFeedUpdate            = "feed:update"
	EmitServerShutdown        = "server:shutdown"
)

// Stable error codes surfaced to end clients. Internal degradations
// (compression skipped, cluster degraded) never map to these.
const (
	CodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeConnectionLimitReached = "CONNECTION_LIMIT_REACHED"
)

// DomainEvent is the normalized inbound event shape. ActorID is the user who
// performed the interaction, TargetID the content (post/video/comment) or user
// acted upon.
type DomainEvent struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	ActorID   string          `json:"actorId"`
	TargetID  string          `json:"targetId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ErrorEvent is the only error shape an end client ever sees.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Room naming. A connection joins its personal room on authentication and
// content rooms on demand; "global" addresses every local connection.
const GlobalRoom = "global"

func UserRoom(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

func ContentRoom(contentID string) string {
	return fmt.Sprintf("content:%s", contentID)
}

// Connection is the pool's bookkeeping record for one transport session.
// Owned exclusively by the pool; other components receive copies.
type Connection struct {
	SocketID     string    `json:"socketId"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	WorkerID     int       `json:"workerId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IsHealthy    bool      `json:"isHealthy"`
	HealthIssue  string    `json:"healthIssue,omitempty"`
}

// ServerNode is one cluster member as seen by the local node, including self.
type ServerNode struct {
	ServerID       string     `json:"serverId"`
	ServerURL      string     `json:"serverUrl"`
	CurrentLoad    int        `json:"currentLoad"`
	MaxConnections int        `json:"maxConnections"`
	Status         NodeStatus `json:"status"`
	LastHeartbeat  time.Time  `json:"lastHeartbeat"`
}

type NodeStatus string

const (
	NodeHealthy   NodeStatus = "healthy"
	NodeDegraded  NodeStatus = "degraded"
	NodeUnhealthy NodeStatus = "unhealthy"
)

// AlertSeverity grades threshold alerts from the metrics and compression
// engines.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is pushed to registered callbacks and never persisted.
type Alert struct {
	Type      string        `json:"type"`
	Severity  AlertSeverity `json:"severity"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	Timestamp time.Time     `json:"timestamp"`
	Message   string        `json:"message"`
}
