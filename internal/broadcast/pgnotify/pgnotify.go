// Package pgnotify carries broadcast frames over PostgreSQL LISTEN/NOTIFY.
// Frames are published with pg_notify through the pgx pool and received on
// a single lib/pq listener connection shared by all topics.
package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/felixgeelhaar/interpreta/internal/broadcast"
)

// MaxPayloadBytes stays under PostgreSQL's 8000 byte NOTIFY limit.
const MaxPayloadBytes = 7900

// ErrPayloadTooLarge is returned for frames NOTIFY cannot carry.
var ErrPayloadTooLarge = errors.New("payload exceeds NOTIFY limit")

// Notifier runs pg_notify. *pgxpool.Pool satisfies it.
type Notifier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Listener is the part of *pq.Listener the bus uses.
type Listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Bus implements broadcast.Bus.
type Bus struct {
	notifier Notifier
	listener Listener
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[string]map[*subscription]broadcast.Handler
	stop     chan struct{}
	stopped  sync.WaitGroup
}

// Open creates a pq listener on dsn and starts dispatching notifications.
func Open(dsn string, notifier Notifier, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("bus", "postgres")
	listener := pq.NewListener(dsn, 500*time.Millisecond, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("listener connection event", "event", int(ev), "error", err)
		}
	})
	return New(notifier, listener, logger)
}

// New wires a bus from its parts and starts the dispatch loop.
func New(notifier Notifier, listener Listener, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		notifier: notifier,
		listener: listener,
		logger:   logger,
		handlers: make(map[string]map[*subscription]broadcast.Handler),
		stop:     make(chan struct{}),
	}
	b.stopped.Add(1)
	go b.run()
	return b
}

// Channel maps a topic to a NOTIFY channel name. Meeting ids are uuids, so
// dropping the dashes keeps the identifier well under 63 bytes.
func Channel(topic string) string {
	return "interpreta_" + strings.ReplaceAll(topic, "-", "")
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return fmt.Errorf("%d bytes: %w", len(payload), ErrPayloadTooLarge)
	}
	if _, err := b.notifier.Exec(ctx, "SELECT pg_notify($1, $2)", Channel(topic), string(payload)); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, topic string, handler broadcast.Handler) (broadcast.BusSubscription, error) {
	channel := Channel(topic)
	sub := &subscription{bus: b, channel: channel}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.handlers[channel]) == 0 {
		if err := b.listener.Listen(channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
		}
		b.handlers[channel] = make(map[*subscription]broadcast.Handler)
	}
	b.handlers[channel][sub] = handler
	return sub, nil
}

// Ping checks the listener connection.
func (b *Bus) Ping(context.Context) error {
	return b.listener.Ping()
}

func (b *Bus) Close() error {
	select {
	case <-b.stop:
		return nil
	default:
	}
	close(b.stop)
	err := b.listener.Close()
	b.stopped.Wait()
	return err
}

func (b *Bus) run() {
	defer b.stopped.Done()
	notifications := b.listener.NotificationChannel()
	for {
		select {
		case <-b.stop:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			// nil signals a reconnect; anything sent meanwhile is lost.
			if n == nil {
				b.logger.Warn("listener reconnected, notifications may have been missed")
				continue
			}
			b.dispatch(n.Channel, []byte(n.Extra))
		}
	}
}

func (b *Bus) dispatch(channel string, payload []byte) {
	b.mu.Lock()
	handlers := make([]broadcast.Handler, 0, len(b.handlers[channel]))
	for _, h := range b.handlers[channel] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

type subscription struct {
	bus     *Bus
	channel string
	once    sync.Once
	err     error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[s.channel], s)
		if len(b.handlers[s.channel]) == 0 {
			delete(b.handlers, s.channel)
			if err := b.listener.Unlisten(s.channel); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
				s.err = err
			}
		}
	})
	return s.err
}
