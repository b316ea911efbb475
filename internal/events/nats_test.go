package events

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialpulse/realtime/internal/types"
)

func TestTypeFromSubject(t *testing.T) {
	tests := map[string]types.EventType{
		"social.like.toggled":    types.EventTypeLikeToggled,
		"social.comment.created": types.EventTypeCommentCreated,
		"social.comment.updated": types.EventTypeCommentUpdated,
		"social.comment.deleted": types.EventTypeCommentDeleted,
		"social.follow.toggled":  types.EventTypeFollowToggled,
		"social.feed.item":       types.EventTypeFeedItem,
		"social.unknown.thing":   "",
	}
	for subject, want := range tests {
		assert.Equal(t, want, typeFromSubject(subject), subject)
	}
}

func TestDispatch(t *testing.T) {
	var received []types.DomainEvent
	s := &Subscriber{
		logger:  zerolog.Nop(),
		handler: func(event types.DomainEvent) { received = append(received, event) },
	}

	s.dispatch(&nats.Msg{
		Subject: "social.like.toggled",
		Data:    []byte(`{"id":"ev-1","type":"like:toggled","actorId":"u1","targetId":"c1"}`),
	})
	require.Len(t, received, 1)
	assert.Equal(t, "ev-1", received[0].ID)
	assert.Equal(t, types.EventTypeLikeToggled, received[0].Type)

	// The subject fills in a missing type field.
	s.dispatch(&nats.Msg{
		Subject: "social.comment.created",
		Data:    []byte(`{"id":"ev-2","actorId":"u1","targetId":"c1"}`),
	})
	require.Len(t, received, 2)
	assert.Equal(t, types.EventTypeCommentCreated, received[1].Type)

	// Malformed payloads are dropped.
	s.dispatch(&nats.Msg{Subject: "social.like.toggled", Data: []byte("{broken")})
	assert.Len(t, received, 2)
}
