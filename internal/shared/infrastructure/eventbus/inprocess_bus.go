package eventbus

import (
	"context"
	"log/slog"
	"sync"
)

// InProcessEventBus is the broker-less stand-in for RabbitMQ. The outbox
// relay publishes into it and it dispatches on the caller's goroutine, so
// it is both the Publisher and the worker's Consumer.
type InProcessEventBus struct {
	dispatcher *Dispatcher
	logger     *slog.Logger

	// serialises deliveries the way a single queue consumer would
	mu sync.Mutex
}

// NewInProcessEventBus creates a new in-process event bus.
func NewInProcessEventBus(logger *slog.Logger) *InProcessEventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessEventBus{dispatcher: NewDispatcher(logger), logger: logger}
}

func (b *InProcessEventBus) RegisterConsumer(consumer EventConsumer) {
	b.dispatcher.Add(consumer)
}

// Publish delivers the envelope. Decode and consumer failures are logged
// and swallowed: there is no queue to redeliver from, and returning an
// error would only make the outbox publish the row again.
func (b *InProcessEventBus) Publish(ctx context.Context, routingKey string, payload []byte) error {
	event, err := decodeEnvelope(routingKey, payload)
	if err != nil {
		b.logger.Error("dropping lifecycle event", "routing_key", routingKey, "error", err)
		return nil
	}
	if err := b.Dispatch(ctx, event); err != nil {
		b.logger.Warn("lifecycle event not fully handled", "routing_key", event.RoutingKey, "event_id", event.EventID)
	}
	return nil
}

// Dispatch delivers a decoded event and returns consumer errors.
func (b *InProcessEventBus) Dispatch(ctx context.Context, event *ConsumedEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dispatcher.Dispatch(ctx, event)
}

// Consumers is the number of registered consumers.
func (b *InProcessEventBus) Consumers() int {
	return b.dispatcher.Len()
}

// Start blocks until ctx is done; delivery happens inside Publish.
func (b *InProcessEventBus) Start(ctx context.Context) error {
	b.logger.Info("in-process event bus started", "consumers", b.dispatcher.Len())
	<-ctx.Done()
	return ctx.Err()
}

func (b *InProcessEventBus) Close() error { return nil }
