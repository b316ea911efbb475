package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Pub/sub channels shared by all cluster members.
const (
	ChannelRegister  = "cluster:register"
	ChannelHeartbeat = "cluster:heartbeat"
	ChannelShutdown  = "cluster:shutdown"
	ChannelBroadcast = "cluster:event:broadcast"
	ChannelUserEvent = "cluster:event:user"
	ChannelBatch     = "cluster:event:batch"
	ChannelMigration = "cluster:migration"
)

// Bus is the external publish/subscribe store the cluster coordinates
// through. Delivery is at-least-once with no global ordering; handlers must
// be idempotent.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, handler func(channel string, payload []byte), channels ...string) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Connected() bool
	Close() error
}

// RedisBus implements Bus over a Redis instance shared by the cluster.
type RedisBus struct {
	rdb    *redis.Client
	logger zerolog.Logger

	connected atomic.Bool

	mu   sync.Mutex
	subs []*redis.PubSub

	// reconnectBase seeds the exponential backoff after a dropped
	// subscription; capped at reconnectMax.
	reconnectBase time.Duration
	reconnectMax  time.Duration
}

func NewRedisBus(redisURL string, reconnectBase time.Duration, logger zerolog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if reconnectBase <= 0 {
		reconnectBase = time.Second
	}

	bus := &RedisBus{
		rdb:           redis.NewClient(opts),
		logger:        logger.With().Str("component", "cluster_bus").Logger(),
		reconnectBase: reconnectBase,
		reconnectMax:  30 * time.Second,
	}
	return bus, nil
}

// Ping verifies connectivity and records the state.
func (b *RedisBus) Ping(ctx context.Context) error {
	err := b.rdb.Ping(ctx).Err()
	b.connected.Store(err == nil)
	return err
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	err := b.rdb.Publish(ctx, channel, payload).Err()
	if err != nil {
		b.connected.Store(false)
		return err
	}
	b.connected.Store(true)
	return nil
}

// Subscribe delivers messages on the given channels to handler until ctx is
// cancelled. A dropped subscription is re-established with capped
// exponential backoff; while disconnected, callers keep operating locally.
func (b *RedisBus) Subscribe(ctx context.Context, handler func(channel string, payload []byte), channels ...string) error {
	sub := b.rdb.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		b.connected.Store(false)
		// Retry in the background rather than failing startup: single-node
		// operation continues while the bus is unreachable.
		go b.resubscribe(ctx, handler, channels)
		return nil
	}
	b.track(sub)
	b.connected.Store(true)

	go b.consume(ctx, sub, handler, channels)
	return nil
}

func (b *RedisBus) consume(ctx context.Context, sub *redis.PubSub, handler func(channel string, payload []byte), channels []string) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				// Channel closed: connection lost. Reconnect with backoff.
				b.connected.Store(false)
				sub.Close()
				b.resubscribe(ctx, handler, channels)
				return
			}
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *RedisBus) resubscribe(ctx context.Context, handler func(channel string, payload []byte), channels []string) {
	backoff := b.reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		sub := b.rdb.Subscribe(ctx, channels...)
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			b.logger.Warn().
				Err(err).
				Dur("backoff", backoff).
				Msg("Bus resubscribe failed, retrying")
			backoff *= 2
			if backoff > b.reconnectMax {
				backoff = b.reconnectMax
			}
			continue
		}

		b.track(sub)
		b.connected.Store(true)
		b.logger.Info().Strs("channels", channels).Msg("Bus subscription restored")
		go b.consume(ctx, sub, handler, channels)
		return
	}
}

func (b *RedisBus) track(sub *redis.PubSub) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

func (b *RedisBus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.rdb.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBus) Get(ctx context.Context, key string) ([]byte, error) {
	return b.rdb.Get(ctx, key).Bytes()
}

func (b *RedisBus) Delete(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, key).Err()
}

func (b *RedisBus) Connected() bool {
	return b.connected.Load()
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		sub.Close()
	}
	b.subs = nil
	b.mu.Unlock()
	return b.rdb.Close()
}
