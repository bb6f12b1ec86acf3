// Package amqpbus carries broadcast frames over a RabbitMQ topic exchange.
// Each subscription gets an exclusive auto-delete queue bound to its meeting.
package amqpbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/interpreta/internal/broadcast"
)

// ExchangeName is the non-durable exchange broadcast frames go through.
const ExchangeName = "interpreta.broadcast"

// RoutingKey maps a topic to its routing key.
func RoutingKey(topic string) string {
	return "meeting." + topic
}

// Bus implements broadcast.Bus on one AMQP connection.
type Bus struct {
	conn    *amqp.Connection
	pubMu   sync.Mutex
	pubChan *amqp.Channel
	logger  *slog.Logger
}

// Dial connects to url and declares the exchange.
func Dial(url string, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		false, // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &Bus{conn: conn, pubChan: ch, logger: logger.With("bus", "rabbitmq")}, nil
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	err := b.pubChan.PublishWithContext(ctx, ExchangeName, RoutingKey(topic), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to rabbitmq: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, topic string, handler broadcast.Handler) (broadcast.BusSubscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		"",
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err == nil {
		err = ch.QueueBind(q.Name, RoutingKey(topic), ExchangeName, false, nil)
	}
	var deliveries <-chan amqp.Delivery
	if err == nil {
		deliveries, err = ch.Consume(q.Name, "", true, true, false, false, nil)
	}
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &subscription{ch: ch}
	go func() {
		for d := range deliveries {
			handler(d.Body)
		}
	}()
	return sub, nil
}

// Ping reports whether the connection is open.
func (b *Bus) Ping(context.Context) error {
	if b.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

func (b *Bus) Close() error {
	b.pubMu.Lock()
	_ = b.pubChan.Close()
	b.pubMu.Unlock()
	return b.conn.Close()
}

type subscription struct {
	ch   *amqp.Channel
	once sync.Once
	err  error
}

// Close closes the channel, which cancels the consumer and drops the queue.
func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.ch.Close() })
	return s.err
}
