package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Dispatcher routes lifecycle events to consumers whose patterns match the
// routing key. Patterns use AMQP topic syntax: "*" is one dot-separated
// word and "#" is zero or more, so "meetings.session.*" covers every
// session transition.
type Dispatcher struct {
	mu        sync.RWMutex
	consumers []EventConsumer
	logger    *slog.Logger
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// Add registers a consumer.
func (d *Dispatcher) Add(consumer EventConsumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers = append(d.consumers, consumer)
	d.logger.Debug("registered event consumer", "patterns", consumer.EventTypes())
}

// Patterns is the sorted, de-duplicated set of binding patterns.
func (d *Dispatcher) Patterns() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, c := range d.consumers {
		out = append(out, c.EventTypes()...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Len is the number of registered consumers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.consumers)
}

// Dispatch hands the event to each matching consumer once, even when
// several of its patterns match. Every consumer runs; failures are joined.
func (d *Dispatcher) Dispatch(ctx context.Context, event *ConsumedEvent) error {
	d.mu.RLock()
	matched := make([]EventConsumer, 0, len(d.consumers))
	for _, c := range d.consumers {
		if slices.ContainsFunc(c.EventTypes(), func(p string) bool { return MatchRoutingKey(p, event.RoutingKey) }) {
			matched = append(matched, c)
		}
	}
	d.mu.RUnlock()

	if len(matched) == 0 {
		d.logger.Debug("no consumer for routing key", "routing_key", event.RoutingKey)
		return nil
	}

	var errs []error
	for _, c := range matched {
		if err := c.Handle(ctx, event); err != nil {
			d.logger.Error("event consumer failed",
				"routing_key", event.RoutingKey,
				"event_id", event.EventID,
				"aggregate_id", event.AggregateID,
				"correlation_id", event.Metadata.CorrelationID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MatchRoutingKey reports whether key matches an AMQP topic pattern.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
