package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/meetings/protocol"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

// DefaultQueueSize is the per-subscriber queue length when none is configured.
const DefaultQueueSize = 256

var (
	// ErrSlowSubscriber is the drop reason for a subscriber whose queue filled up.
	ErrSlowSubscriber = errors.New("subscriber queue overflow")
	// ErrUnsubscribed is the drop reason after Unsubscribe.
	ErrUnsubscribed = errors.New("unsubscribed")
)

// SubscriberOptions describe one subscriber.
type SubscriberOptions struct {
	// ParticipantID labels the subscriber in logs.
	ParticipantID uuid.UUID
	// QueueSize overrides the router default.
	QueueSize int
}

// Subscription is one subscriber's queue. Frames arrive on C until Done is
// closed; Err then reports why.
type Subscription struct {
	meetingID   uuid.UUID
	participant atomic.Pointer[uuid.UUID]
	queue       chan []byte
	done        chan struct{}
	once        sync.Once
	err         error
}

func (s *Subscription) MeetingID() uuid.UUID { return s.meetingID }

// Bind labels the subscription with the participant it serves, for
// subscribers that exist before the participant does.
func (s *Subscription) Bind(participantID uuid.UUID) {
	s.participant.Store(&participantID)
}

// ParticipantID is uuid.Nil until bound.
func (s *Subscription) ParticipantID() uuid.UUID {
	if id := s.participant.Load(); id != nil {
		return *id
	}
	return uuid.Nil
}

// C delivers encoded frames in publish order.
func (s *Subscription) C() <-chan []byte { return s.queue }

// Done is closed when the subscription is dropped or unsubscribed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is nil until Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Subscription) finish(reason error) bool {
	finished := false
	s.once.Do(func() {
		s.err = reason
		close(s.done)
		finished = true
	})
	return finished
}

type topic struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	busSub BusSubscription
	refs   int
}

// Router maps meetings to subscribers. Publish never blocks on a subscriber.
type Router struct {
	bus       Bus
	queueSize int
	logger    *slog.Logger
	metrics   observability.Metrics

	mu     sync.Mutex
	topics map[uuid.UUID]*topic
}

// NewRouter creates a router over bus.
func NewRouter(bus Bus, queueSize int, logger *slog.Logger, metrics observability.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Router{
		bus:       bus,
		queueSize: queueSize,
		logger:    logger.With("component", "broadcast"),
		metrics:   metrics,
		topics:    make(map[uuid.UUID]*topic),
	}
}

// Subscribe registers a subscriber on meetingID. The first subscriber of a
// meeting opens the bus subscription.
func (r *Router) Subscribe(ctx context.Context, meetingID uuid.UUID, opts SubscriberOptions) (*Subscription, error) {
	size := opts.QueueSize
	if size <= 0 {
		size = r.queueSize
	}
	sub := &Subscription{
		meetingID: meetingID,
		queue:     make(chan []byte, size),
		done:      make(chan struct{}),
	}
	if opts.ParticipantID != uuid.Nil {
		sub.Bind(opts.ParticipantID)
	}

	t := r.acquire(meetingID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.busSub == nil {
		busSub, err := r.bus.Subscribe(ctx, meetingID.String(), func(payload []byte) {
			r.deliver(meetingID, payload)
		})
		if err != nil {
			r.releaseLocked(meetingID, t)
			return nil, fmt.Errorf("failed to subscribe to meeting %s: %w", meetingID, err)
		}
		t.busSub = busSub
	}
	t.subs[sub] = struct{}{}
	r.metrics.Gauge(observability.MetricSubscribers, float64(len(t.subs)), observability.T("meeting_id", meetingID.String()))
	return sub, nil
}

// Unsubscribe removes sub. It is safe to call more than once and after the
// subscriber was dropped.
func (r *Router) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.finish(ErrUnsubscribed)

	r.mu.Lock()
	t, ok := r.topics[sub.meetingID]
	r.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, present := t.subs[sub]; !present {
		return
	}
	delete(t.subs, sub)
	r.releaseLocked(sub.meetingID, t)
}

// Publish encodes msg once and hands it to the bus.
func (r *Router) Publish(ctx context.Context, meetingID uuid.UUID, msg protocol.ServerMessage) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, meetingID.String(), payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.MessageType(), err)
	}
	r.metrics.Counter(observability.MetricBroadcastPublished, 1, observability.T("type", msg.MessageType()))
	return nil
}

// SubscriberCount reports how many subscribers meetingID has in this process.
func (r *Router) SubscriberCount(meetingID uuid.UUID) int {
	r.mu.Lock()
	t, ok := r.topics[meetingID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close drops every subscriber and closes the bus.
func (r *Router) Close() error {
	r.mu.Lock()
	topics := r.topics
	r.topics = make(map[uuid.UUID]*topic)
	r.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for sub := range t.subs {
			sub.finish(ErrUnsubscribed)
		}
		if t.busSub != nil {
			_ = t.busSub.Close()
		}
		t.mu.Unlock()
	}
	return r.bus.Close()
}

func (r *Router) deliver(meetingID uuid.UUID, payload []byte) {
	r.mu.Lock()
	t, ok := r.topics[meetingID]
	r.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	delivered := 0
	for sub := range t.subs {
		select {
		case <-sub.done:
			continue
		default:
		}
		select {
		case sub.queue <- payload:
			delivered++
		default:
			// The owner sees Done and unsubscribes; until then the
			// subscriber is skipped.
			sub.finish(ErrSlowSubscriber)
			r.logger.Warn("dropping slow subscriber",
				observability.MeetingIDKey, meetingID,
				observability.ParticipantIDKey, sub.ParticipantID(),
			)
			r.metrics.Counter(observability.MetricBroadcastDropped, 1)
		}
	}
	r.metrics.Counter(observability.MetricBroadcastDelivered, int64(delivered))
}

func (r *Router) acquire(meetingID uuid.UUID) *topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[meetingID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		r.topics[meetingID] = t
	}
	t.refs++
	return t
}

// releaseLocked drops one reference; t.mu must be held. The last reference
// closes the bus subscription and forgets the topic.
func (r *Router) releaseLocked(meetingID uuid.UUID, t *topic) {
	r.mu.Lock()
	t.refs--
	last := t.refs == 0
	if last && r.topics[meetingID] == t {
		delete(r.topics, meetingID)
	}
	r.mu.Unlock()

	if !last || t.busSub == nil {
		return
	}
	if err := t.busSub.Close(); err != nil {
		r.logger.Warn("failed to close bus subscription", observability.MeetingIDKey, meetingID, "error", err)
	}
	t.busSub = nil
}
