package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/interpreta/internal/meetings/application/registry"
	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/meetings/infrastructure/adapters"
	"github.com/felixgeelhaar/interpreta/internal/meetings/infrastructure/persistence"
	"github.com/felixgeelhaar/interpreta/internal/meetings/protocol"
	sharedDomain "github.com/felixgeelhaar/interpreta/internal/shared/domain"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type mockTranslator struct {
	mock.Mock
}

func (m *mockTranslator) Translate(_ context.Context, text, source, target string) (string, error) {
	args := m.Called(text, source, target)
	return args.String(0), args.Error(1)
}

type translatorFunc func(ctx context.Context, text, source, target string) (string, error)

func (f translatorFunc) Translate(ctx context.Context, text, source, target string) (string, error) {
	return f(ctx, text, source, target)
}

type failingTranscriber struct{}

func (failingTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return "", domain.ErrAdapterFailure
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []protocol.ServerMessage
}

func (b *recordingBroadcaster) Publish(_ context.Context, _ uuid.UUID, msg protocol.ServerMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	return nil
}

func (b *recordingBroadcaster) utterances(typ string) []protocol.Utterance {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.Utterance
	for _, m := range b.messages {
		switch msg := m.(type) {
		case protocol.SpeechBroadcast:
			if typ == protocol.TypeSpeech {
				out = append(out, msg.Utterance)
			}
		case protocol.ChatBroadcast:
			if typ == protocol.TypeChat {
				out = append(out, msg.Utterance)
			}
		}
	}
	return out
}

type fixture struct {
	store     *persistence.MemoryStore
	registry  *registry.Registry
	broadcast *recordingBroadcaster
	clock     *sharedDomain.ManualClock
	metrics   *observability.InMemoryMetrics
	meeting   registry.SessionView
}

func newFixture(t *testing.T, plan domain.Plan) *fixture {
	t.Helper()
	f := &fixture{
		store:     persistence.NewMemoryStore(),
		broadcast: &recordingBroadcaster{},
		clock:     sharedDomain.NewManualClock(epoch),
		metrics:   observability.NewInMemoryMetrics(),
	}
	f.registry = registry.New(registry.Dependencies{
		Meetings:     f.store.Meetings(),
		Participants: f.store.Participants(),
		Transcripts:  f.store.Transcripts(),
		Accounts:     f.store.Accounts(),
		Outbox:       f.store.OutboxWriter(),
		UnitOfWork:   f.store,
		Broadcaster:  f.broadcast,
		Clock:        f.clock,
		Metrics:      f.metrics,
	})

	owner := &domain.Account{
		ID:                uuid.New(),
		DisplayName:       "Owner",
		Email:             "owner@example.com",
		PreferredLanguage: "en",
		Plan:              plan,
		AvailableMinutes:  60,
	}
	require.NoError(t, f.store.Accounts().Save(context.Background(), owner))
	view, err := f.registry.CreateSession(context.Background(), registry.CreateSessionInput{Title: "Interview A", OwnerID: owner.ID})
	require.NoError(t, err)
	f.meeting = view
	return f
}

func (f *fixture) join(t *testing.T, name, language string) registry.ParticipantView {
	t.Helper()
	p, err := f.registry.Join(context.Background(), f.meeting.ID, registry.JoinRequest{
		Guest: &registry.Guest{Name: name, Language: language},
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) pipeline(translator domain.Translator, cfg Config) *Pipeline {
	return New(Dependencies{
		Sessions:    f.registry,
		Transcripts: f.store.Transcripts(),
		Transcriber: adapters.EchoTranscriber{},
		Translator:  translator,
		Broadcaster: f.broadcast,
		Clock:       f.clock,
		Metrics:     f.metrics,
		Config:      cfg,
	})
}

func TestIngestSpeech(t *testing.T) {
	ctx := context.Background()

	t.Run("translates for every other language", func(t *testing.T) {
		f := newFixture(t, domain.PlanFree)
		ana := f.join(t, "Ana", "en")
		f.join(t, "Ion", "ro")
		f.join(t, "Marie", "fr")

		tr := &mockTranslator{}
		tr.On("Translate", "hello", "en", "ro").Return("salut", nil).Once()
		tr.On("Translate", "hello", "en", "fr").Return("bonjour", nil).Once()

		err := f.pipeline(tr, Config{}).IngestSpeech(ctx, SpeechInput{
			MeetingID:     f.meeting.ID,
			ParticipantID: ana.ID,
			Audio:         []byte("hello"),
			Locale:        "en-US",
			Timestamp:     "12:00:01",
		})
		require.NoError(t, err)
		tr.AssertExpectations(t)

		segments, err := f.store.Transcripts().ListSegments(ctx, f.meeting.ID)
		require.NoError(t, err)
		require.Len(t, segments, 1)
		assert.Equal(t, int64(1), segments[0].Sequence)
		assert.Equal(t, domain.KindSpeech, segments[0].Kind)
		assert.Equal(t, "en", segments[0].OriginalLanguage)

		latest, err := f.store.Transcripts().LatestTranslations(ctx, f.meeting.ID)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"ro": "salut", "fr": "bonjour"}, latest[segments[0].ID])

		events := f.broadcast.utterances(protocol.TypeSpeech)
		require.Len(t, events, 1)
		assert.Equal(t, ana.ID, events[0].ParticipantID)
		assert.Equal(t, "Ana", events[0].Name)
		assert.Equal(t, int64(1), events[0].Sequence)
		assert.Equal(t, map[string]string{"ro": "salut", "fr": "bonjour"}, events[0].Translations)
		assert.NotContains(t, events[0].Translations, "en")
		assert.Equal(t, "12:00:01", events[0].ClientTimestamp)
		assert.Equal(t, epoch, events[0].Timestamp)
	})

	t.Run("one failing language is omitted", func(t *testing.T) {
		f := newFixture(t, domain.PlanFree)
		ana := f.join(t, "Ana", "en")
		f.join(t, "Ion", "ro")
		f.join(t, "Marie", "fr")

		tr := &mockTranslator{}
		tr.On("Translate", "hello", "en", "ro").Return("salut", nil)
		tr.On("Translate", "hello", "en", "fr").Return("", errors.New("upstream 503"))

		err := f.pipeline(tr, Config{}).IngestSpeech(ctx, SpeechInput{MeetingID: f.meeting.ID, ParticipantID: ana.ID, Audio: []byte("hello"), Locale: "en"})
		require.NoError(t, err)

		events := f.broadcast.utterances(protocol.TypeSpeech)
		require.Len(t, events, 1)
		assert.Equal(t, map[string]string{"ro": "salut"}, events[0].Translations)
		assert.Equal(t, int64(1), f.metrics.CounterValue(observability.MetricTranslationFailures, observability.T("lang", "fr")))

		segments, _ := f.store.Transcripts().ListSegments(ctx, f.meeting.ID)
		latest, _ := f.store.Transcripts().LatestTranslations(ctx, f.meeting.ID)
		assert.Equal(t, map[string]string{"ro": "salut"}, latest[segments[0].ID])
	})

	t.Run("slow language times out", func(t *testing.T) {
		f := newFixture(t, domain.PlanFree)
		ana := f.join(t, "Ana", "en")
		f.join(t, "Ion", "ro")
		f.join(t, "Marie", "fr")

		tr := translatorFunc(func(ctx context.Context, text, _, target string) (string, error) {
			if target == "fr" {
				<-ctx.Done()
				return "", ctx.Err()
			}
			return "[" + target + "] " + text, nil
		})

		err := f.pipeline(tr, Config{TranslateTimeout: 20 * time.Millisecond}).IngestSpeech(ctx, SpeechInput{MeetingID: f.meeting.ID, ParticipantID: ana.ID, Audio: []byte("hello"), Locale: "en"})
		require.NoError(t, err)

		events := f.broadcast.utterances(protocol.TypeSpeech)
		require.Len(t, events, 1)
		assert.Equal(t, map[string]string{"ro": "[ro] hello"}, events[0].Translations)
	})

	t.Run("failed or empty transcription drops the chunk", func(t *testing.T) {
		f := newFixture(t, domain.PlanFree)
		ana := f.join(t, "Ana", "en")
		f.join(t, "Ion", "ro")

		p := f.pipeline(adapters.TaggingTranslator{}, Config{})
		require.NoError(t, p.IngestSpeech(ctx, SpeechInput{MeetingID: f.meeting.ID, ParticipantID: ana.ID, Audio: []byte("   "), Locale: "en"}))

		p.transcriber = failingTranscriber{}
		require.NoError(t, p.IngestSpeech(ctx, SpeechInput{MeetingID: f.meeting.ID, ParticipantID: ana.ID, Audio: []byte("hi"), Locale: "en"}))

		segments, err := f.store.Transcripts().ListSegments(ctx, f.meeting.ID)
		require.NoError(t, err)
		assert.Empty(t, segments)
		assert.Empty(t, f.broadcast.utterances(protocol.TypeSpeech))
		assert.Equal(t, int64(1), f.metrics.CounterValue(observability.MetricSpeechDropped, observability.T("reason", "empty")))
		assert.Equal(t, int64(1), f.metrics.CounterValue(observability.MetricSpeechDropped, observability.T("reason", "transcription_failed")))
	})

	t.Run("speaker must be active", func(t *testing.T) {
		f := newFixture(t, domain.PlanFree)
		ana := f.join(t, "Ana", "en")
		f.join(t, "Ion", "ro")
		require.NoError(t, f.registry.Leave(ctx, f.meeting.ID, ana.ID))

		err := f.pipeline(adapters.TaggingTranslator{}, Config{}).IngestSpeech(ctx, SpeechInput{MeetingID: f.meeting.ID, ParticipantID: ana.ID, Audio: []byte("hello"), Locale: "en"})
		require.ErrorIs(t, err, domain.ErrInvalidState)
		assert.Empty(t, f.broadcast.utterances(protocol.TypeSpeech))
	})

	t.Run("concurrent speech gets gap free sequences", func(t *testing.T) {
		f := newFixture(t, domain.PlanFree)
		ana := f.join(t, "Ana", "en")
		ion := f.join(t, "Ion", "ro")
		p := f.pipeline(adapters.TaggingTranslator{}, Config{})

		const n = 40
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			speaker := ana
			locale := "en"
			if i%2 == 1 {
				speaker, locale = ion, "ro"
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, p.IngestSpeech(ctx, SpeechInput{MeetingID: f.meeting.ID, ParticipantID: speaker.ID, Audio: []byte("line"), Locale: locale}))
			}()
		}
		wg.Wait()

		segments, err := f.store.Transcripts().ListSegments(ctx, f.meeting.ID)
		require.NoError(t, err)
		require.Len(t, segments, n)
		for i, seg := range segments {
			assert.Equal(t, int64(i+1), seg.Sequence)
		}
		assert.Len(t, f.broadcast.utterances(protocol.TypeSpeech), n)
	})

	t.Run("fan-out is bounded", func(t *testing.T) {
		f := newFixture(t, domain.PlanPremium)
		ana := f.join(t, "Ana", "en")
		for _, lang := range []string{"ro", "fr", "de", "es", "it", "pt"} {
			f.join(t, "Guest "+lang, lang)
		}

		var inFlight, peak atomic.Int32
		tr := translatorFunc(func(_ context.Context, text, _, target string) (string, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return target + ":" + text, nil
		})

		err := f.pipeline(tr, Config{MaxConcurrency: 2}).IngestSpeech(ctx, SpeechInput{MeetingID: f.meeting.ID, ParticipantID: ana.ID, Audio: []byte("hello"), Locale: "en"})
		require.NoError(t, err)

		events := f.broadcast.utterances(protocol.TypeSpeech)
		require.Len(t, events, 1)
		assert.Len(t, events[0].Translations, 6)
		assert.LessOrEqual(t, peak.Load(), int32(2))
	})
}

func TestIngestChatText(t *testing.T) {
	ctx := context.Background()

	t.Run("ephemeral by default", func(t *testing.T) {
		f := newFixture(t, domain.PlanFree)
		ana := f.join(t, "Ana", "en")
		f.join(t, "Ion", "ro")

		err := f.pipeline(adapters.TaggingTranslator{}, Config{}).IngestChatText(ctx, ChatInput{
			MeetingID:     f.meeting.ID,
			ParticipantID: ana.ID,
			Text:          " good morning ",
			Language:      "en-GB",
		})
		require.NoError(t, err)

		events := f.broadcast.utterances(protocol.TypeChat)
		require.Len(t, events, 1)
		assert.Zero(t, events[0].Sequence)
		assert.Equal(t, "good morning", events[0].OriginalText)
		assert.Equal(t, "en", events[0].OriginalLanguage)
		assert.Equal(t, map[string]string{"ro": "[ro] good morning"}, events[0].Translations)

		segments, err := f.store.Transcripts().ListSegments(ctx, f.meeting.ID)
		require.NoError(t, err)
		assert.Empty(t, segments)
	})

	t.Run("language falls back to the speaker's", func(t *testing.T) {
		f := newFixture(t, domain.PlanFree)
		ion := f.join(t, "Ion", "ro")
		f.join(t, "Ana", "en")

		require.NoError(t, f.pipeline(adapters.TaggingTranslator{}, Config{}).IngestChatText(ctx, ChatInput{MeetingID: f.meeting.ID, ParticipantID: ion.ID, Text: "salut"}))

		events := f.broadcast.utterances(protocol.TypeChat)
		require.Len(t, events, 1)
		assert.Equal(t, "ro", events[0].OriginalLanguage)
		assert.Equal(t, map[string]string{"en": "[en] salut"}, events[0].Translations)
	})

	t.Run("persisted when configured", func(t *testing.T) {
		f := newFixture(t, domain.PlanFree)
		ana := f.join(t, "Ana", "en")
		f.join(t, "Ion", "ro")
		p := f.pipeline(adapters.TaggingTranslator{}, Config{PersistChat: true})

		require.NoError(t, p.IngestSpeech(ctx, SpeechInput{MeetingID: f.meeting.ID, ParticipantID: ana.ID, Audio: []byte("hello"), Locale: "en"}))
		require.NoError(t, p.IngestChatText(ctx, ChatInput{MeetingID: f.meeting.ID, ParticipantID: ana.ID, Text: "see the link", Language: "en"}))

		segments, err := f.store.Transcripts().ListSegments(ctx, f.meeting.ID)
		require.NoError(t, err)
		require.Len(t, segments, 2)
		assert.Equal(t, domain.KindChat, segments[1].Kind)
		assert.Equal(t, int64(2), segments[1].Sequence)

		events := f.broadcast.utterances(protocol.TypeChat)
		require.Len(t, events, 1)
		assert.Equal(t, int64(2), events[0].Sequence)
	})

	t.Run("empty text is invalid", func(t *testing.T) {
		f := newFixture(t, domain.PlanFree)
		ana := f.join(t, "Ana", "en")

		err := f.pipeline(adapters.TaggingTranslator{}, Config{}).IngestChatText(ctx, ChatInput{MeetingID: f.meeting.ID, ParticipantID: ana.ID, Text: "  "})
		require.ErrorIs(t, err, domain.ErrInvalidInput)
		assert.Empty(t, f.broadcast.utterances(protocol.TypeChat))
	})
}

func TestGetTranscripts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.PlanFree)
	ana := f.join(t, "Ana", "en")
	ion := f.join(t, "Ion", "ro")
	p := f.pipeline(adapters.TaggingTranslator{}, Config{})

	require.NoError(t, p.IngestSpeech(ctx, SpeechInput{MeetingID: f.meeting.ID, ParticipantID: ana.ID, Audio: []byte("hello"), Locale: "en"}))
	require.NoError(t, p.IngestSpeech(ctx, SpeechInput{MeetingID: f.meeting.ID, ParticipantID: ion.ID, Audio: []byte("bună ziua"), Locale: "ro"}))

	t.Run("display language resolution", func(t *testing.T) {
		views, err := p.GetTranscripts(ctx, f.meeting.ID, "ro-RO")
		require.NoError(t, err)
		require.Len(t, views, 2)
		assert.Equal(t, "[ro] hello", views[0].Text)
		assert.Equal(t, "bună ziua", views[1].Text)

		views, err = p.GetTranscripts(ctx, f.meeting.ID, "de")
		require.NoError(t, err)
		assert.Equal(t, "hello", views[0].Text)
		assert.Equal(t, map[string]string{"ro": "[ro] hello"}, views[0].Translations)

		views, err = p.GetTranscripts(ctx, f.meeting.ID, "")
		require.NoError(t, err)
		assert.Equal(t, "bună ziua", views[1].Text)
	})

	t.Run("latest translation wins", func(t *testing.T) {
		views, err := p.GetTranscripts(ctx, f.meeting.ID, "ro")
		require.NoError(t, err)

		f.clock.Advance(time.Minute)
		fix := domain.NewTranslation(views[0].SegmentID, "ro", "salut", f.clock.Now())
		require.NoError(t, f.registry.RecordTranslations(ctx, f.meeting.ID, []domain.Translation{fix}))

		views, err = p.GetTranscripts(ctx, f.meeting.ID, "ro")
		require.NoError(t, err)
		assert.Equal(t, "salut", views[0].Text)
	})

	t.Run("unknown meeting", func(t *testing.T) {
		_, err := p.GetTranscripts(ctx, uuid.New(), "en")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}
