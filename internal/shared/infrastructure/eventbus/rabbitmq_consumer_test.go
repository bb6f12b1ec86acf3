package eventbus

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

type stubConsumer struct {
	err   error
	calls int
}

func (s *stubConsumer) EventTypes() []string { return []string{"meetings.session.*"} }

func (s *stubConsumer) Handle(context.Context, *ConsumedEvent) error {
	s.calls++
	return s.err
}

func newTestConsumer(handler EventConsumer) *RabbitMQConsumer {
	cfg := RabbitMQConsumerConfig{}.withDefaults()
	c := &RabbitMQConsumer{cfg: cfg, dispatcher: NewDispatcher(cfg.Logger), logger: cfg.Logger, metrics: cfg.Metrics}
	c.dispatcher.Add(handler)
	return c
}

func TestRabbitMQConsumer_Handle(t *testing.T) {
	ctx := context.Background()
	body := []byte(`{"event_id":"5a3c2b8e-7f21-4f3a-9a52-1c4d0c9e8b11","routing_key":"meetings.session.completed"}`)

	t.Run("acks a handled event", func(t *testing.T) {
		h := &stubConsumer{}
		c := newTestConsumer(h)
		assert.Equal(t, outcomeAck, c.handle(ctx, amqp.Delivery{RoutingKey: "meetings.session.completed", Body: body}))
		assert.Equal(t, 1, h.calls)
	})

	t.Run("requeues the first failure", func(t *testing.T) {
		c := newTestConsumer(&stubConsumer{err: errors.New("webdav down")})
		assert.Equal(t, outcomeRequeue, c.handle(ctx, amqp.Delivery{RoutingKey: "meetings.session.completed", Body: body}))
	})

	t.Run("dead-letters a redelivered failure", func(t *testing.T) {
		c := newTestConsumer(&stubConsumer{err: errors.New("webdav down")})
		d := amqp.Delivery{RoutingKey: "meetings.session.completed", Body: body, Redelivered: true}
		assert.Equal(t, outcomeDeadLetter, c.handle(ctx, d))
	})

	t.Run("dead-letters an undecodable body", func(t *testing.T) {
		h := &stubConsumer{}
		c := newTestConsumer(h)
		assert.Equal(t, outcomeDeadLetter, c.handle(ctx, amqp.Delivery{RoutingKey: "meetings.session.completed", Body: []byte("{")}))
		assert.Zero(t, h.calls)
	})

	t.Run("routing key comes from the delivery when the envelope has none", func(t *testing.T) {
		h := &stubConsumer{}
		c := newTestConsumer(h)
		d := amqp.Delivery{RoutingKey: "meetings.session.started", Body: []byte(`{"event_id":"5a3c2b8e-7f21-4f3a-9a52-1c4d0c9e8b11"}`)}
		assert.Equal(t, outcomeAck, c.handle(ctx, d))
		assert.Equal(t, 1, h.calls)
	})
}

func TestRabbitMQConsumerConfig_Defaults(t *testing.T) {
	cfg := RabbitMQConsumerConfig{Prefetch: -1}.withDefaults()
	assert.Equal(t, DefaultConsumerQueueName, cfg.QueueName)
	assert.Equal(t, ExchangeName, cfg.Exchange)
	assert.Equal(t, DefaultPrefetch, cfg.Prefetch)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Metrics)
}
