package server

import (
	"context"
	"time"

	"github.com/socialpulse/realtime/internal/cluster"
	"github.com/socialpulse/realtime/internal/types"
)

// target is the resolved destination of one domain event.
type target struct {
	room  string
	emit  string
	scope cluster.EventScope
	user  string // set for user-scoped events
}

// resolveTarget maps a domain event to its room and client-facing event
// name. Target resolution is the only place event semantics live; everything
// downstream just delivers.
func resolveTarget(event types.DomainEvent) (target, bool) {
	switch event.Type {
	case types.EventTypeLikeToggled:
		return target{
			room:  types.ContentRoom(event.TargetID),
			emit:  types.EmitLikeUpdate,
			scope: cluster.ScopeBroadcast,
		}, true
	case types.EventTypeCommentCreated, types.EventTypeCommentUpdated, types.EventTypeCommentDeleted:
		return target{
			room:  types.ContentRoom(event.TargetID),
			emit:  types.EmitCommentUpdate,
			scope: cluster.ScopeBroadcast,
		}, true
	case types.EventTypeFollowToggled:
		// Follow notifications go to the followed user's personal room.
		return target{
			room:  types.UserRoom(event.TargetID),
			emit:  types.EmitFollowUpdate,
			scope: cluster.ScopeUser,
			user:  event.TargetID,
		}, true
	case types.EventTypeFeedItem:
		if event.TargetID == "" {
			// Platform-wide feed item.
			return target{
				room:  types.GlobalRoom,
				emit:  types.EmitFeedUpdate,
				scope: cluster.ScopeBroadcast,
			}, true
		}
		return target{
			room:  types.UserRoom(event.TargetID),
			emit:  types.EmitFeedUpdate,
			scope: cluster.ScopeUser,
			user:  event.TargetID,
		}, true
	default:
		return target{}, false
	}
}

// HandleDomainEvent distributes one inbound event: resolve the target,
// compress the payload, emit to locally held sockets, and publish to the
// cluster so peers emit to theirs.
func (s *Server) HandleDomainEvent(event types.DomainEvent) {
	start := s.clock.Now()

	t, ok := resolveTarget(event)
	if !ok {
		s.logger.Warn().Str("type", string(event.Type)).Msg("Unroutable domain event dropped")
		return
	}

	data, compressed := s.prepare(event.Payload)
	sent := s.transport.BroadcastToRoom(t.room, t.emit, data, compressed)
	s.metrics.RecordMessage("sent", len(data)*max(sent, 1), t.emit)
	if c := s.metrics.Collectors(); c != nil {
		c.EventsDistributed.WithLabelValues(string(event.Type), string(t.scope)).Inc()
	}

	if s.cluster != nil {
		msg := cluster.EventMessage{
			EventID:      event.ID,
			Scope:        t.scope,
			TargetUserID: t.user,
			Room:         t.room,
			Event:        t.emit,
			Payload:      event.Payload,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.cluster.DistributeEvent(ctx, msg); err != nil {
			// Bus outage: local emission already happened; peers catch up
			// when the bus recovers. Never surfaced to clients.
			s.logger.Debug().Err(err).Msg("Cluster distribution failed, local-only delivery")
		}
	}

	s.metrics.RecordResponseTime(s.clock.Since(start))
}

// HandleDomainEventBatch distributes several events with a single cluster
// publish.
func (s *Server) HandleDomainEventBatch(events []types.DomainEvent) {
	batch := make([]cluster.EventMessage, 0, len(events))
	for _, event := range events {
		t, ok := resolveTarget(event)
		if !ok {
			continue
		}
		data, compressed := s.prepare(event.Payload)
		s.transport.BroadcastToRoom(t.room, t.emit, data, compressed)
		batch = append(batch, cluster.EventMessage{
			EventID:      event.ID,
			Scope:        t.scope,
			TargetUserID: t.user,
			Room:         t.room,
			Event:        t.emit,
			Payload:      event.Payload,
		})
	}

	if s.cluster != nil && len(batch) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.cluster.DistributeBatch(ctx, batch); err != nil {
			s.logger.Debug().Err(err).Int("events", len(batch)).Msg("Cluster batch distribution failed")
		}
	}
}

// emitClusterEvent re-emits a peer's event to locally held sockets. The
// cluster manager has already deduplicated and filtered our own publishes.
func (s *Server) emitClusterEvent(msg cluster.EventMessage) {
	room := msg.Room
	if room == "" {
		if msg.Scope == cluster.ScopeUser {
			room = types.UserRoom(msg.TargetUserID)
		} else {
			room = types.GlobalRoom
		}
	}

	data, compressed := s.prepare(msg.Payload)
	sent := s.transport.BroadcastToRoom(room, msg.Event, data, compressed)
	if sent > 0 {
		s.metrics.RecordMessage("sent", len(data)*sent, msg.Event)
	}
}

// prepare runs a payload through the compression engine. Compression is
// always best-effort: any engine failure already fell back to the original
// bytes.
func (s *Server) prepare(payload []byte) ([]byte, bool) {
	if s.engine == nil || len(payload) == 0 {
		return payload, false
	}
	result := s.engine.Compress(payload)
	return result.Data, result.Compressed
}
