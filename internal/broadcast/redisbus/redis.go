// Package redisbus carries broadcast frames over Redis pub/sub so every
// gateway process sees every meeting's traffic.
package redisbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/interpreta/internal/broadcast"
)

// DefaultPrefix namespaces broadcast channels.
const DefaultPrefix = "interpreta:meeting:"

// Bus implements broadcast.Bus on a go-redis client.
type Bus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// New creates a bus over client. The client is owned by the caller.
func New(client *redis.Client, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, prefix: DefaultPrefix, logger: logger.With("bus", "redis")}
}

// Channel returns the Redis channel for a topic.
func (b *Bus) Channel(topic string) string {
	return b.prefix + topic
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.Channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so frames
// published afterwards are delivered.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler broadcast.Handler) (broadcast.BusSubscription, error) {
	ps := b.client.Subscribe(ctx, b.Channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to redis channel: %w", err)
	}

	sub := &subscription{ps: ps}
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()
	return sub, nil
}

// Close is a no-op; the client belongs to the caller.
func (b *Bus) Close() error { return nil }

// Ping checks the connection for health reporting.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

type subscription struct {
	ps   *redis.PubSub
	once sync.Once
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.ps.Close() })
	return s.err
}
