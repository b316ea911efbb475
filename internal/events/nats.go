package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/socialpulse/realtime/internal/types"
)

// Subjects published by the upstream social API.
const (
	SubjectLike     = "social.like.toggled"
	SubjectComment  = "social.comment.*" // created, updated, deleted
	SubjectFollow   = "social.follow.toggled"
	SubjectFeedItem = "social.feed.item"
)

// Handler receives each normalized inbound event.
type Handler func(types.DomainEvent)

// SubscriberConfig holds the NATS connection options.
type SubscriberConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Subscriber consumes domain events from the upstream business logic over
// NATS and hands them to the distribution server. This is the inbound
// boundary only; nothing is ever published back upstream.
type Subscriber struct {
	conn    *nats.Conn
	logger  zerolog.Logger
	handler Handler

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewSubscriber(config SubscriberConfig, handler Handler, logger zerolog.Logger) (*Subscriber, error) {
	if config.MaxReconnects == 0 {
		config.MaxReconnects = -1 // retry forever
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 2 * time.Second
	}

	s := &Subscriber{
		logger:  logger.With().Str("component", "event_subscriber").Logger(),
		handler: handler,
	}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn().Err(err).Msg("Disconnected from upstream event bus")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			s.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to upstream event bus")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			s.logger.Error().Err(err).Msg("Upstream event bus error")
		}),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.conn = conn
	return s, nil
}

// Start subscribes to every domain event subject.
func (s *Subscriber) Start() error {
	subjects := []string{SubjectLike, SubjectComment, SubjectFollow, SubjectFeedItem}
	for _, subject := range subjects {
		sub, err := s.conn.Subscribe(subject, s.dispatch)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
		s.logger.Info().Str("subject", subject).Msg("Subscribed to upstream events")
	}
	return nil
}

func (s *Subscriber) dispatch(msg *nats.Msg) {
	var event types.DomainEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Malformed domain event dropped")
		return
	}
	if event.Type == "" {
		event.Type = typeFromSubject(msg.Subject)
	}
	s.handler(event)
}

func typeFromSubject(subject string) types.EventType {
	switch subject {
	case SubjectLike:
		return types.EventTypeLikeToggled
	case "social.comment.created":
		return types.EventTypeCommentCreated
	case "social.comment.updated":
		return types.EventTypeCommentUpdated
	case "social.comment.deleted":
		return types.EventTypeCommentDeleted
	case SubjectFollow:
		return types.EventTypeFollowToggled
	case SubjectFeedItem:
		return types.EventTypeFeedItem
	default:
		return ""
	}
}

// Close drains the subscriptions and closes the connection.
func (s *Subscriber) Close() {
	s.mu.Lock()
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
	}
}
