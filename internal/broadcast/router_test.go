package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/interpreta/internal/meetings/protocol"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

func chat(text string) protocol.ChatBroadcast {
	return protocol.ChatBroadcast{Utterance: protocol.Utterance{
		ParticipantID:    uuid.New(),
		Name:             "Ana",
		OriginalText:     text,
		OriginalLanguage: "en",
		Translations:     map[string]string{},
	}}
}

func frameText(t *testing.T, frame []byte) string {
	t.Helper()
	var decoded struct {
		Type         string `json:"type"`
		OriginalText string `json:"original_text"`
	}
	require.NoError(t, json.Unmarshal(frame, &decoded))
	assert.Equal(t, protocol.TypeChat, decoded.Type)
	return decoded.OriginalText
}

func receive(t *testing.T, sub *Subscription) []byte {
	t.Helper()
	select {
	case frame := <-sub.C():
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return nil
	}
}

func TestRouter_FanOut(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewInMemoryMetrics()
	router := NewRouter(NewLocalBus(), 8, nil, metrics)
	meeting := uuid.New()
	other := uuid.New()

	a, err := router.Subscribe(ctx, meeting, SubscriberOptions{})
	require.NoError(t, err)
	b, err := router.Subscribe(ctx, meeting, SubscriberOptions{})
	require.NoError(t, err)
	elsewhere, err := router.Subscribe(ctx, other, SubscriberOptions{})
	require.NoError(t, err)

	require.NoError(t, router.Publish(ctx, meeting, chat("hello")))

	assert.Equal(t, "hello", frameText(t, receive(t, a)))
	assert.Equal(t, "hello", frameText(t, receive(t, b)))
	assert.Empty(t, elsewhere.C())
	assert.Equal(t, 2, router.SubscriberCount(meeting))
	assert.EqualValues(t, 1, metrics.CounterValue(observability.MetricBroadcastPublished, observability.T("type", protocol.TypeChat)))
}

func TestRouter_PreservesPublishOrder(t *testing.T) {
	ctx := context.Background()
	router := NewRouter(NewLocalBus(), 64, nil, nil)
	meeting := uuid.New()

	sub, err := router.Subscribe(ctx, meeting, SubscriberOptions{})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, router.Publish(ctx, meeting, chat(fmt.Sprintf("m%d", i))))
	}
	for i := 0; i < 50; i++ {
		assert.Equal(t, fmt.Sprintf("m%d", i), frameText(t, receive(t, sub)))
	}
}

func TestRouter_DropsSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewInMemoryMetrics()
	router := NewRouter(NewLocalBus(), 8, nil, metrics)
	meeting := uuid.New()

	slow, err := router.Subscribe(ctx, meeting, SubscriberOptions{QueueSize: 2})
	require.NoError(t, err)
	fast, err := router.Subscribe(ctx, meeting, SubscriberOptions{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, router.Publish(ctx, meeting, chat(fmt.Sprintf("m%d", i))))
		receive(t, fast)
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	assert.ErrorIs(t, slow.Err(), ErrSlowSubscriber)
	assert.Nil(t, fast.Err())
	assert.EqualValues(t, 1, metrics.CounterValue(observability.MetricBroadcastDropped))

	// A dropped subscriber stops receiving; others are unaffected.
	require.NoError(t, router.Publish(ctx, meeting, chat("after")))
	assert.Equal(t, "after", frameText(t, receive(t, fast)))
	assert.Len(t, slow.C(), 2)

	router.Unsubscribe(slow)
	assert.Equal(t, 1, router.SubscriberCount(meeting))
}

func TestSubscription_Bind(t *testing.T) {
	ctx := context.Background()
	router := NewRouter(NewLocalBus(), 8, nil, nil)
	meeting := uuid.New()

	early, err := router.Subscribe(ctx, meeting, SubscriberOptions{})
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, early.ParticipantID())

	// A subscription taken before the join receives what the join publishes.
	require.NoError(t, router.Publish(ctx, meeting, chat("welcome")))
	participant := uuid.New()
	early.Bind(participant)
	assert.Equal(t, participant, early.ParticipantID())
	assert.Equal(t, "welcome", frameText(t, receive(t, early)))

	labelled, err := router.Subscribe(ctx, meeting, SubscriberOptions{ParticipantID: participant})
	require.NoError(t, err)
	assert.Equal(t, participant, labelled.ParticipantID())
}

func TestRouter_UnsubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	router := NewRouter(NewLocalBus(), 8, nil, nil)
	meeting := uuid.New()

	sub, err := router.Subscribe(ctx, meeting, SubscriberOptions{})
	require.NoError(t, err)

	router.Unsubscribe(sub)
	router.Unsubscribe(sub)
	router.Unsubscribe(nil)

	assert.ErrorIs(t, sub.Err(), ErrUnsubscribed)
	assert.Equal(t, 0, router.SubscriberCount(meeting))
	require.NoError(t, router.Publish(ctx, meeting, chat("nobody")))
	assert.Empty(t, sub.C())
}

type countingBus struct {
	*LocalBus
	mu        sync.Mutex
	opened    int
	closed    int
	failAfter int
}

type countingSubscription struct {
	inner BusSubscription
	bus   *countingBus
}

func (s countingSubscription) Close() error {
	s.bus.mu.Lock()
	s.bus.closed++
	s.bus.mu.Unlock()
	return s.inner.Close()
}

func (b *countingBus) Subscribe(ctx context.Context, topic string, handler Handler) (BusSubscription, error) {
	b.mu.Lock()
	if b.failAfter > 0 && b.opened >= b.failAfter {
		b.mu.Unlock()
		return nil, errors.New("bus unavailable")
	}
	b.opened++
	b.mu.Unlock()
	inner, err := b.LocalBus.Subscribe(ctx, topic, handler)
	if err != nil {
		return nil, err
	}
	return countingSubscription{inner: inner, bus: b}, nil
}

func TestRouter_SharesOneBusSubscriptionPerMeeting(t *testing.T) {
	ctx := context.Background()
	bus := &countingBus{LocalBus: NewLocalBus()}
	router := NewRouter(bus, 8, nil, nil)
	meeting := uuid.New()

	a, err := router.Subscribe(ctx, meeting, SubscriberOptions{})
	require.NoError(t, err)
	b, err := router.Subscribe(ctx, meeting, SubscriberOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.opened)

	router.Unsubscribe(a)
	assert.Equal(t, 0, bus.closed)
	router.Unsubscribe(b)
	assert.Equal(t, 1, bus.closed)

	// Resubscribing after the last subscriber left opens a fresh subscription.
	_, err = router.Subscribe(ctx, meeting, SubscriberOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, bus.opened)
}

func TestRouter_SubscribeFailureReleasesTopic(t *testing.T) {
	ctx := context.Background()
	bus := &countingBus{LocalBus: NewLocalBus(), failAfter: 1}
	router := NewRouter(bus, 8, nil, nil)

	_, err := router.Subscribe(ctx, uuid.New(), SubscriberOptions{})
	require.NoError(t, err)

	meeting := uuid.New()
	_, err = router.Subscribe(ctx, meeting, SubscriberOptions{})
	require.Error(t, err)
	assert.Equal(t, 0, router.SubscriberCount(meeting))
}

func TestRouter_ConcurrentSubscribers(t *testing.T) {
	ctx := context.Background()
	router := NewRouter(NewLocalBus(), 128, nil, nil)
	meeting := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := router.Subscribe(ctx, meeting, SubscriberOptions{})
			if !assert.NoError(t, err) {
				return
			}
			_ = router.Publish(ctx, meeting, chat("x"))
			router.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, router.SubscriberCount(meeting))
}

func TestRouter_CloseFinishesSubscribers(t *testing.T) {
	ctx := context.Background()
	router := NewRouter(NewLocalBus(), 8, nil, nil)

	sub, err := router.Subscribe(ctx, uuid.New(), SubscriberOptions{})
	require.NoError(t, err)
	require.NoError(t, router.Close())

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrUnsubscribed)
}
