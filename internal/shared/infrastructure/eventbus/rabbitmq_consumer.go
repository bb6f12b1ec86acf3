package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

const (
	// DefaultConsumerQueueName is the durable queue the worker consumes from.
	DefaultConsumerQueueName = "interpreta.worker"

	// DefaultPrefetch bounds unacknowledged deliveries per worker.
	DefaultPrefetch = 8
)

// RabbitMQConsumerConfig configures the RabbitMQ consumer.
type RabbitMQConsumerConfig struct {
	URL       string
	QueueName string
	Exchange  string
	Prefetch  int
	Logger    *slog.Logger
	Metrics   observability.Metrics
}

// RabbitMQConsumer feeds the worker queue to a Dispatcher. A delivery that
// fails is requeued once; a second failure, or an envelope that cannot be
// decoded, is rejected into the "<queue>.dead" queue through the
// dead-letter exchange.
type RabbitMQConsumer struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	cfg        RabbitMQConsumerConfig
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    observability.Metrics

	mu      sync.Mutex
	running bool
	bound   map[string]bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewRabbitMQConsumer dials the broker and declares the exchange, the
// worker queue and its dead-letter queue. Bindings follow the consumers
// registered before or after Start.
func NewRabbitMQConsumer(cfg RabbitMQConsumerConfig) (*RabbitMQConsumer, error) {
	cfg = cfg.withDefaults()

	conn, ch, err := dialExchange(cfg.URL, cfg.Exchange)
	if err != nil {
		return nil, err
	}
	if err := declareWorkerQueue(ch, cfg.QueueName); err != nil {
		_ = closeAMQP(conn, ch)
		return nil, err
	}
	cfg.Logger.Info("rabbitmq consumer connected", "queue", cfg.QueueName, "exchange", cfg.Exchange)

	return &RabbitMQConsumer{
		conn:       conn,
		channel:    ch,
		cfg:        cfg,
		dispatcher: NewDispatcher(cfg.Logger),
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		bound:      make(map[string]bool),
		done:       make(chan struct{}),
	}, nil
}

func (cfg RabbitMQConsumerConfig) withDefaults() RabbitMQConsumerConfig {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultConsumerQueueName
	}
	if cfg.Exchange == "" {
		cfg.Exchange = ExchangeName
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	return cfg
}

func declareWorkerQueue(ch *amqp.Channel, queue string) error {
	dead := queue + ".dead"
	if err := ch.ExchangeDeclare(DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare %s: %w", dead, err)
	}
	if err := ch.QueueBind(dead, "", DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind %s: %w", dead, err)
	}
	args := amqp.Table{"x-dead-letter-exchange": DeadLetterExchange}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare %s: %w", queue, err)
	}
	return nil
}

// RegisterConsumer adds a handler. Once consuming, its patterns are bound
// immediately; before that, Start binds them.
func (c *RabbitMQConsumer) RegisterConsumer(consumer EventConsumer) {
	c.dispatcher.Add(consumer)

	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		if err := c.bindAll(); err != nil {
			c.logger.Error("failed to bind consumer patterns", "patterns", consumer.EventTypes(), "error", err)
		}
	}
}

func (c *RabbitMQConsumer) bindAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pattern := range c.dispatcher.Patterns() {
		if c.bound[pattern] {
			continue
		}
		if err := c.channel.QueueBind(c.cfg.QueueName, pattern, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s: %w", pattern, err)
		}
		c.bound[pattern] = true
		c.logger.Debug("bound worker queue", "queue", c.cfg.QueueName, "pattern", pattern)
	}
	return nil
}

// Start consumes until ctx is done, Close is called, or the broker closes
// the delivery channel.
func (c *RabbitMQConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.mu.Unlock()

	if err := c.bindAll(); err != nil {
		return err
	}
	if err := c.channel.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	deliveries, err := c.channel.Consume(c.cfg.QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	c.logger.Info("consuming lifecycle events", "queue", c.cfg.QueueName, "prefetch", c.cfg.Prefetch, "consumers", c.dispatcher.Len())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq closed the delivery channel")
			}
			c.settle(d, c.handle(ctx, d))
		}
	}
}

// outcome is what happens to a delivery after handling.
type outcome int

const (
	outcomeAck outcome = iota
	outcomeRequeue
	outcomeDeadLetter
)

func (c *RabbitMQConsumer) handle(ctx context.Context, d amqp.Delivery) outcome {
	event, err := decodeEnvelope(d.RoutingKey, d.Body)
	if err != nil {
		c.logger.Error("rejecting lifecycle event", "routing_key", d.RoutingKey, "error", err)
		return outcomeDeadLetter
	}

	start := time.Now()
	err = c.dispatcher.Dispatch(ctx, event)
	logger := c.logger.With(
		"routing_key", event.RoutingKey,
		"event_id", event.EventID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	switch {
	case err == nil:
		logger.Debug("lifecycle event handled")
		return outcomeAck
	case !d.Redelivered:
		logger.Warn("lifecycle event failed, requeueing", "error", err)
		return outcomeRequeue
	default:
		logger.Error("lifecycle event failed twice, dead-lettering", "error", err)
		return outcomeDeadLetter
	}
}

func (c *RabbitMQConsumer) settle(d amqp.Delivery, o outcome) {
	key := observability.T("routing_key", d.RoutingKey)
	var err error
	switch o {
	case outcomeAck:
		c.metrics.Counter(observability.MetricEventsConsumed, 1, key)
		err = d.Ack(false)
	case outcomeRequeue:
		c.metrics.Counter(observability.MetricEventsRedelivered, 1, key)
		err = d.Nack(false, true)
	case outcomeDeadLetter:
		c.metrics.Counter(observability.MetricEventsDeadLettered, 1, key)
		err = d.Reject(false)
	}
	if err != nil {
		c.logger.Error("failed to settle delivery", "routing_key", d.RoutingKey, "error", err)
	}
}

// Ping reports whether the broker connection is still open.
func (c *RabbitMQConsumer) Ping(context.Context) error {
	return pingAMQP(c.conn)
}

// Close stops Start and closes the connection. It is safe to call twice.
func (c *RabbitMQConsumer) Close() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	err := closeAMQP(c.conn, c.channel)
	c.logger.Info("rabbitmq consumer closed")
	return err
}
