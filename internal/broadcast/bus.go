// Package broadcast fans server messages out to every connection subscribed
// to a meeting. The Router keeps one bounded queue per subscriber and moves
// encoded frames between processes through a Bus.
package broadcast

import (
	"context"
	"sync"
)

// Handler receives one encoded frame published on a topic.
type Handler func(payload []byte)

// Bus carries frames between router instances. Topic is the meeting id.
// Handlers must not block; the router's handler only enqueues.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) (BusSubscription, error)
	Close() error
}

// BusSubscription stops delivery to one handler.
type BusSubscription interface {
	Close() error
}

// LocalBus delivers synchronously inside the process.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string]map[*localSubscription]Handler
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string]map[*localSubscription]Handler)}
}

// Publish calls every handler of topic before returning.
func (b *LocalBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, topic string, handler Handler) (BusSubscription, error) {
	sub := &localSubscription{bus: b, topic: topic}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[*localSubscription]Handler)
	}
	b.handlers[topic][sub] = handler
	return sub, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.handlers)
	return nil
}

type localSubscription struct {
	bus   *LocalBus
	topic string
}

func (s *localSubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.handlers[s.topic], s)
	if len(s.bus.handlers[s.topic]) == 0 {
		delete(s.bus.handlers, s.topic)
	}
	return nil
}
