package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/meetings/infrastructure/persistence"
	"github.com/felixgeelhaar/interpreta/internal/meetings/protocol"
	sharedDomain "github.com/felixgeelhaar/interpreta/internal/shared/domain"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

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

func (b *recordingBroadcaster) ofType(typ string) []protocol.ServerMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.ServerMessage
	for _, m := range b.messages {
		if m.MessageType() == typ {
			out = append(out, m)
		}
	}
	return out
}

type flakyParticipants struct {
	domain.ParticipantRepository
	failures atomic.Int32
}

func (f *flakyParticipants) Save(ctx context.Context, p *domain.Participant) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return f.ParticipantRepository.Save(ctx, p)
}

// staleRevisions answers one Revision call with a frozen value, like a read
// that lands just before another process commits.
type staleRevisions struct {
	domain.MeetingRepository
	frozen atomic.Pointer[int64]
}

func (s *staleRevisions) Revision(ctx context.Context, id uuid.UUID) (int64, error) {
	if rev := s.frozen.Swap(nil); rev != nil {
		return *rev, nil
	}
	return s.MeetingRepository.Revision(ctx, id)
}

type fixture struct {
	store     *persistence.MemoryStore
	registry  *Registry
	broadcast *recordingBroadcaster
	clock     *sharedDomain.ManualClock
	metrics   *observability.InMemoryMetrics
	flaky     *flakyParticipants
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     persistence.NewMemoryStore(),
		broadcast: &recordingBroadcaster{},
		clock:     sharedDomain.NewManualClock(epoch),
		metrics:   observability.NewInMemoryMetrics(),
	}
	f.flaky = &flakyParticipants{ParticipantRepository: f.store.Participants()}
	f.registry = f.newRegistry()
	return f
}

// newRegistry builds a registry with an empty cache over the same store, as
// a second process would.
func (f *fixture) newRegistry() *Registry {
	return f.newRegistryOver(f.store.Meetings())
}

func (f *fixture) newRegistryOver(meetings domain.MeetingRepository) *Registry {
	return New(Dependencies{
		Meetings:     meetings,
		Participants: f.flaky,
		Transcripts:  f.store.Transcripts(),
		Accounts:     f.store.Accounts(),
		Outbox:       f.store.OutboxWriter(),
		UnitOfWork:   f.store,
		Broadcaster:  f.broadcast,
		Clock:        f.clock,
		Metrics:      f.metrics,
	})
}

func (f *fixture) account(t *testing.T, plan domain.Plan, mutate ...func(a *domain.Account)) *domain.Account {
	t.Helper()
	a := &domain.Account{
		ID:                uuid.New(),
		DisplayName:       "Owner " + string(plan),
		Email:             fmt.Sprintf("%s@example.com", uuid.NewString()[:6]),
		PreferredLanguage: "en",
		Plan:              plan,
		AvailableMinutes:  120,
	}
	for _, m := range mutate {
		m(a)
	}
	require.NoError(t, f.store.Accounts().Save(context.Background(), a))
	return a
}

func (f *fixture) session(t *testing.T, owner *domain.Account, overrides ...domain.SettingsOverrides) SessionView {
	t.Helper()
	in := CreateSessionInput{Title: "Interview A", OwnerID: owner.ID}
	if len(overrides) > 0 {
		in.Settings = overrides[0]
	}
	view, err := f.registry.CreateSession(context.Background(), in)
	require.NoError(t, err)
	return view
}

func (f *fixture) guest(t *testing.T, meetingID uuid.UUID, name, language string) ParticipantView {
	t.Helper()
	p, err := f.registry.Join(context.Background(), meetingID, JoinRequest{Guest: &Guest{Name: name, Language: language}})
	require.NoError(t, err)
	return p
}

func (f *fixture) routingKeys() []string {
	var keys []string
	for _, m := range f.store.OutboxRepository().All() {
		keys = append(keys, m.RoutingKey)
	}
	return keys
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults and one open session on the free plan", func(t *testing.T) {
		f := newFixture(t)
		owner := f.account(t, domain.PlanFree)

		view := f.session(t, owner)

		assert.Equal(t, "Interview A", view.Title)
		assert.Equal(t, domain.StatusScheduled, view.Status)
		assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), view.JoinToken)
		assert.Equal(t, "en", view.SourceLanguage)
		assert.Equal(t, "ro", view.TargetLanguage)
		assert.Equal(t, domain.Settings{
			MeetingType:       "interview",
			MaxParticipants:   3,
			EnableSuggestions: true,
			EnableRecording:   true,
			DurationMinutes:   60,
		}, view.Settings)
		assert.Equal(t, 0, view.ActiveParticipants)
		assert.Equal(t, 1, view.TotalParticipants)
		assert.Nil(t, view.StartTime)

		_, err := f.registry.CreateSession(ctx, CreateSessionInput{Title: "Interview B", OwnerID: owner.ID})
		require.ErrorIs(t, err, domain.ErrLimitExceeded)

		assert.Equal(t, []string{domain.RoutingSessionCreated}, f.routingKeys())
		assert.EqualValues(t, 1, f.metrics.CounterValue(observability.MetricSessionsCreated, observability.T("plan", "free")))
		assert.EqualValues(t, 1, f.metrics.CounterValue(observability.MetricSessionsRejected, observability.T("plan", "free")))
	})

	t.Run("premium allows five open sessions", func(t *testing.T) {
		f := newFixture(t)
		owner := f.account(t, domain.PlanPremium)

		for i := 0; i < 5; i++ {
			view := f.session(t, owner)
			assert.Equal(t, 10, view.Settings.MaxParticipants)
		}
		_, err := f.registry.CreateSession(ctx, CreateSessionInput{Title: "Sixth", OwnerID: owner.ID})
		require.ErrorIs(t, err, domain.ErrLimitExceeded)
	})

	t.Run("free plan without minutes is rejected", func(t *testing.T) {
		f := newFixture(t)
		owner := f.account(t, domain.PlanFree, func(a *domain.Account) { a.AvailableMinutes = 0 })

		_, err := f.registry.CreateSession(ctx, CreateSessionInput{Title: "Interview A", OwnerID: owner.ID})
		require.ErrorIs(t, err, domain.ErrLimitExceeded)
		assert.Empty(t, f.routingKeys())
	})

	t.Run("free plan participant cap", func(t *testing.T) {
		f := newFixture(t)
		owner := f.account(t, domain.PlanFree)

		_, err := f.registry.CreateSession(ctx, CreateSessionInput{
			Title:    "Interview A",
			OwnerID:  owner.ID,
			Settings: domain.SettingsOverrides{MaxParticipants: 5},
		})
		require.ErrorIs(t, err, domain.ErrLimitExceeded)
	})

	t.Run("unknown owner", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.registry.CreateSession(ctx, CreateSessionInput{Title: "Interview A", OwnerID: uuid.New()})
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("empty title", func(t *testing.T) {
		f := newFixture(t)
		owner := f.account(t, domain.PlanFree)
		_, err := f.registry.CreateSession(ctx, CreateSessionInput{Title: "  ", OwnerID: owner.ID})
		require.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("concurrent creations by one owner respect the limit", func(t *testing.T) {
		f := newFixture(t)
		owner := f.account(t, domain.PlanFree)

		var created atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.registry.CreateSession(ctx, CreateSessionInput{Title: "Race", OwnerID: owner.ID}); err == nil {
					created.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, created.Load())
	})
}

func TestResolveSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	view := f.session(t, f.account(t, domain.PlanFree))

	byID, err := f.registry.ResolveSession(ctx, view.ID.String())
	require.NoError(t, err)
	assert.Equal(t, view.ID, byID.ID)

	byToken, err := f.registry.ResolveSession(ctx, " "+view.JoinToken+" ")
	require.NoError(t, err)
	assert.Equal(t, view.ID, byToken.ID)

	_, err = f.registry.ResolveSession(ctx, "ffffffff")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.registry.ResolveSession(ctx, uuid.NewString())
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.registry.ResolveSession(ctx, "")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestJoin(t *testing.T) {
	ctx := context.Background()

	t.Run("first guest makes the meeting live", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))
		f.clock.Advance(time.Minute)

		ana := f.guest(t, view.ID, "Ana", "ro-RO")

		assert.Equal(t, "Ana", ana.Name)
		assert.Equal(t, "ro", ana.Language)
		assert.True(t, ana.Active)
		assert.Nil(t, ana.UserID)

		session, err := f.registry.GetSession(ctx, view.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusLive, session.Status)
		require.NotNil(t, session.StartTime)
		assert.Equal(t, epoch.Add(time.Minute), *session.StartTime)

		joined := f.broadcast.ofType(protocol.TypeParticipantJoined)
		require.Len(t, joined, 1)
		assert.Equal(t, ana.ID, joined[0].(protocol.ParticipantJoined).ParticipantID)
		assert.Equal(t, []string{
			domain.RoutingSessionCreated,
			domain.RoutingSessionStarted,
			domain.RoutingParticipantJoined,
		}, f.routingKeys())
	})

	t.Run("guest without language gets the meeting target language", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))
		p := f.guest(t, view.ID, "Ana", "")
		assert.Equal(t, "ro", p.Language)
	})

	t.Run("rejects empty guest name", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))

		_, err := f.registry.Join(ctx, view.ID, JoinRequest{Guest: &Guest{Name: "  "}})
		require.ErrorIs(t, err, domain.ErrInvalidInput)

		session, err := f.registry.GetSession(ctx, view.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusScheduled, session.Status)
	})

	t.Run("needs exactly one identity", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))
		user := uuid.New()

		_, err := f.registry.Join(ctx, view.ID, JoinRequest{})
		require.ErrorIs(t, err, domain.ErrInvalidInput)
		_, err = f.registry.Join(ctx, view.ID, JoinRequest{UserID: &user, Guest: &Guest{Name: "Ana"}})
		require.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("unknown user", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))
		user := uuid.New()

		_, err := f.registry.Join(ctx, view.ID, JoinRequest{UserID: &user})
		require.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("unknown meeting", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.registry.Join(ctx, uuid.New(), JoinRequest{Guest: &Guest{Name: "Ana"}})
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("admission over capacity", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))
		for _, name := range []string{"Ana", "Bogdan", "Chloe"} {
			f.guest(t, view.ID, name, "en")
		}

		_, err := f.registry.Join(ctx, view.ID, JoinRequest{Guest: &Guest{Name: "Dan"}})
		require.ErrorIs(t, err, domain.ErrLimitExceeded)

		session, err := f.registry.GetSession(ctx, view.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, session.ActiveParticipants)
	})

	t.Run("owner joins on the owner row and rejoins without duplicates", func(t *testing.T) {
		f := newFixture(t)
		owner := f.account(t, domain.PlanFree)
		view := f.session(t, owner)

		first, err := f.registry.Join(ctx, view.ID, JoinRequest{UserID: &owner.ID})
		require.NoError(t, err)
		assert.True(t, first.Owner)
		assert.Equal(t, "en", first.Language)
		f.guest(t, view.ID, "Ana", "ro")

		f.clock.Advance(time.Minute)
		require.NoError(t, f.registry.Leave(ctx, view.ID, first.ID))
		f.clock.Advance(time.Minute)
		again, err := f.registry.Join(ctx, view.ID, JoinRequest{UserID: &owner.ID})
		require.NoError(t, err)

		assert.Equal(t, first.ID, again.ID)
		assert.Nil(t, again.LeftAt)
		assert.Equal(t, epoch.Add(2*time.Minute), *again.JoinedAt)

		rows, err := f.store.Participants().ListByMeeting(ctx, view.ID)
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("identified user takes their preferred language", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanPremium))
		user := f.account(t, domain.PlanFree, func(a *domain.Account) { a.PreferredLanguage = "fr-CA" })

		p, err := f.registry.Join(ctx, view.ID, JoinRequest{UserID: &user.ID})
		require.NoError(t, err)
		assert.Equal(t, "fr", p.Language)
		assert.False(t, p.Owner)
	})

	t.Run("completed meetings admit nobody", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))
		ana := f.guest(t, view.ID, "Ana", "en")
		require.NoError(t, f.registry.Leave(ctx, view.ID, ana.ID))

		_, err := f.registry.Join(ctx, view.ID, JoinRequest{Guest: &Guest{Name: "Bogdan"}})
		require.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestLeave(t *testing.T) {
	ctx := context.Background()

	t.Run("last participant completes the meeting once", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))
		ana := f.guest(t, view.ID, "Ana", "en")
		bogdan := f.guest(t, view.ID, "Bogdan", "ro")

		f.clock.Advance(5 * time.Minute)
		require.NoError(t, f.registry.Leave(ctx, view.ID, ana.ID))
		session, err := f.registry.GetSession(ctx, view.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusLive, session.Status)

		f.clock.Advance(5 * time.Minute)
		require.NoError(t, f.registry.Leave(ctx, view.ID, bogdan.ID))
		require.NoError(t, f.registry.Leave(ctx, view.ID, bogdan.ID))

		session, err = f.registry.GetSession(ctx, view.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, session.Status)
		require.NotNil(t, session.EndTime)
		assert.Equal(t, epoch.Add(10*time.Minute), *session.EndTime)

		assert.Len(t, f.broadcast.ofType(protocol.TypeParticipantLeft), 2)
		ended := f.broadcast.ofType(protocol.TypeSessionEnded)
		require.Len(t, ended, 1)
		assert.Equal(t, "completed", ended[0].(protocol.SessionEnded).Status)
		assert.EqualValues(t, 2, f.metrics.CounterValue(observability.MetricParticipantsLeft))
		assert.Contains(t, f.routingKeys(), domain.RoutingSessionCompleted)
	})

	t.Run("unknown participant", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))
		err := f.registry.Leave(ctx, view.ID, uuid.New())
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("owner row that never joined leaving is a no-op", func(t *testing.T) {
		f := newFixture(t)
		owner := f.account(t, domain.PlanFree)
		view := f.session(t, owner)
		participants, err := f.store.Participants().ListByMeeting(ctx, view.ID)
		require.NoError(t, err)
		require.Len(t, participants, 1)

		require.NoError(t, f.registry.Leave(ctx, view.ID, participants[0].ID()))
		assert.Empty(t, f.broadcast.ofType(protocol.TypeParticipantLeft))
	})
}

func TestEndSession(t *testing.T) {
	ctx := context.Background()

	t.Run("owner ends a live meeting", func(t *testing.T) {
		f := newFixture(t)
		owner := f.account(t, domain.PlanFree)
		view := f.session(t, owner)
		f.guest(t, view.ID, "Ana", "en")
		f.guest(t, view.ID, "Bogdan", "ro")

		f.clock.Advance(time.Minute)
		require.NoError(t, f.registry.EndSession(ctx, view.ID, owner.ID))

		// A fresh registry sees what was committed.
		reloaded := f.newRegistry()
		session, err := reloaded.GetSession(ctx, view.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, session.Status)
		assert.Equal(t, 0, session.ActiveParticipants)

		rows, err := f.store.Participants().ListByMeeting(ctx, view.ID)
		require.NoError(t, err)
		for _, p := range rows {
			assert.False(t, p.IsActive())
		}
		assert.Len(t, f.broadcast.ofType(protocol.TypeSessionEnded), 1)

		err = f.registry.EndSession(ctx, view.ID, owner.ID)
		require.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("staff may end any meeting", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))
		f.guest(t, view.ID, "Ana", "en")
		admin := f.account(t, domain.PlanFree, func(a *domain.Account) { a.IsStaff = true })

		require.NoError(t, f.registry.EndSession(ctx, view.ID, admin.ID))
	})

	t.Run("others are unauthorized", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))
		f.guest(t, view.ID, "Ana", "en")
		stranger := f.account(t, domain.PlanFree)

		require.ErrorIs(t, f.registry.EndSession(ctx, view.ID, stranger.ID), domain.ErrUnauthorized)
		require.ErrorIs(t, f.registry.EndSession(ctx, view.ID, uuid.Nil), domain.ErrUnauthorized)

		session, err := f.registry.GetSession(ctx, view.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusLive, session.Status)
	})

	t.Run("scheduled meetings cannot be ended", func(t *testing.T) {
		f := newFixture(t)
		owner := f.account(t, domain.PlanFree)
		view := f.session(t, owner)

		require.ErrorIs(t, f.registry.EndSession(ctx, view.ID, owner.ID), domain.ErrInvalidState)
	})
}

func TestCancelSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.account(t, domain.PlanPremium)

	scheduled := f.session(t, owner)
	require.ErrorIs(t, f.registry.CancelSession(ctx, scheduled.ID, uuid.New()), domain.ErrUnauthorized)
	require.NoError(t, f.registry.CancelSession(ctx, scheduled.ID, owner.ID))
	session, err := f.registry.GetSession(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, session.Status)
	require.ErrorIs(t, f.registry.CancelSession(ctx, scheduled.ID, owner.ID), domain.ErrInvalidState)

	live := f.session(t, owner)
	f.guest(t, live.ID, "Ana", "en")
	require.ErrorIs(t, f.registry.CancelSession(ctx, live.ID, owner.ID), domain.ErrInvalidState)

	assert.Contains(t, f.routingKeys(), domain.RoutingSessionCancelled)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	view := f.session(t, f.account(t, domain.PlanPremium))

	metrics, err := f.registry.Metrics(ctx, view.ID)
	require.NoError(t, err)
	assert.Nil(t, metrics.Duration)
	assert.Nil(t, metrics.StartTime)

	ana := f.guest(t, view.ID, "Ana", "en")
	f.guest(t, view.ID, "Bogdan", "ro")
	f.guest(t, view.ID, "Chloe", "fr")
	_, _, err = f.registry.AppendSegment(ctx, SegmentInput{
		MeetingID: view.ID, ParticipantID: ana.ID, Kind: domain.KindSpeech, Text: "bună ziua", Language: "ro",
	})
	require.NoError(t, err)
	f.clock.Advance(90 * time.Second)

	metrics, err = f.registry.Metrics(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, metrics.ActiveParticipants)
	assert.Equal(t, 4, metrics.TotalParticipants)
	assert.Equal(t, []string{"en", "fr", "ro"}, metrics.Languages)
	assert.EqualValues(t, 9, metrics.TranslatedChars)
	assert.Equal(t, 1, metrics.TranscriptCount)
	require.NotNil(t, metrics.Duration)
	assert.Equal(t, 90*time.Second, *metrics.Duration)

	// A fresh registry rebuilds the same numbers from the store.
	rebuilt, err := f.newRegistry().Metrics(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, metrics.TranslatedChars, rebuilt.TranslatedChars)
	assert.Equal(t, metrics.TranscriptCount, rebuilt.TranscriptCount)
	assert.Equal(t, metrics.Languages, rebuilt.Languages)
}

func TestParticipants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	view := f.session(t, f.account(t, domain.PlanFree))

	ana := f.guest(t, view.ID, "Ana", "en")
	f.clock.Advance(time.Second)
	bogdan := f.guest(t, view.ID, "Bogdan", "ro")
	f.clock.Advance(time.Second)
	chloe := f.guest(t, view.ID, "Chloe", "fr")
	require.NoError(t, f.registry.Leave(ctx, view.ID, bogdan.ID))

	list, err := f.registry.Participants(ctx, view.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ana.ID, list[0].ID)
	assert.Equal(t, chloe.ID, list[1].ID)
}

func TestAppendSegment(t *testing.T) {
	ctx := context.Background()

	t.Run("targets exclude the source language", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))
		ana := f.guest(t, view.ID, "Ana", "en")
		f.guest(t, view.ID, "Bogdan", "ro")
		f.guest(t, view.ID, "Chloe", "fr")

		segment, audience, err := f.registry.AppendSegment(ctx, SegmentInput{
			MeetingID: view.ID, ParticipantID: ana.ID, Kind: domain.KindSpeech, Text: "hello", Language: "en-US",
		})
		require.NoError(t, err)
		assert.EqualValues(t, 1, segment.Sequence)
		assert.Equal(t, "en", segment.OriginalLanguage)
		assert.Equal(t, []string{"fr", "ro"}, audience.Targets)
		assert.Equal(t, ana.ID, audience.Speaker.ID)
	})

	t.Run("speaker language when none is given", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))
		bogdan := f.guest(t, view.ID, "Bogdan", "ro")

		segment, audience, err := f.registry.AppendSegment(ctx, SegmentInput{
			MeetingID: view.ID, ParticipantID: bogdan.ID, Kind: domain.KindChat, Text: "salut",
		})
		require.NoError(t, err)
		assert.Equal(t, "ro", segment.OriginalLanguage)
		assert.Empty(t, audience.Targets)
	})

	t.Run("rejected outside a live meeting or for absent speakers", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))
		in := SegmentInput{MeetingID: view.ID, ParticipantID: uuid.New(), Kind: domain.KindSpeech, Text: "hi"}

		_, _, err := f.registry.AppendSegment(ctx, in)
		require.ErrorIs(t, err, domain.ErrInvalidState)

		ana := f.guest(t, view.ID, "Ana", "en")
		bogdan := f.guest(t, view.ID, "Bogdan", "ro")
		_, _, err = f.registry.AppendSegment(ctx, in)
		require.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, f.registry.Leave(ctx, view.ID, bogdan.ID))
		in.ParticipantID = bogdan.ID
		_, _, err = f.registry.AppendSegment(ctx, in)
		require.ErrorIs(t, err, domain.ErrInvalidState)

		in.ParticipantID = ana.ID
		in.Text = " "
		_, _, err = f.registry.AppendSegment(ctx, in)
		require.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("sequences are gap free under concurrency", func(t *testing.T) {
		f := newFixture(t)
		view := f.session(t, f.account(t, domain.PlanFree))
		ana := f.guest(t, view.ID, "Ana", "en")
		bogdan := f.guest(t, view.ID, "Bogdan", "ro")

		const n = 60
		var wg sync.WaitGroup
		seqs := make(chan int64, n)
		for i := 0; i < n; i++ {
			speaker := ana.ID
			if i%2 == 1 {
				speaker = bogdan.ID
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				segment, _, err := f.registry.AppendSegment(ctx, SegmentInput{
					MeetingID: view.ID, ParticipantID: speaker, Kind: domain.KindSpeech, Text: fmt.Sprintf("line %d", i),
				})
				if assert.NoError(t, err) {
					seqs <- segment.Sequence
				}
			}()
		}
		wg.Wait()
		close(seqs)

		seen := make(map[int64]bool)
		for seq := range seqs {
			assert.False(t, seen[seq], "duplicate sequence %d", seq)
			seen[seq] = true
		}
		for seq := int64(1); seq <= n; seq++ {
			assert.True(t, seen[seq], "missing sequence %d", seq)
		}

		stored, err := f.store.Transcripts().ListSegments(ctx, view.ID)
		require.NoError(t, err)
		require.Len(t, stored, n)
		for i, s := range stored {
			assert.EqualValues(t, i+1, s.Sequence)
		}
	})
}

func TestAudience(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	view := f.session(t, f.account(t, domain.PlanFree))
	ana := f.guest(t, view.ID, "Ana", "en")
	f.guest(t, view.ID, "Bogdan", "ro")

	audience, err := f.registry.Audience(ctx, view.ID, ana.ID, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"ro"}, audience.Targets)

	audience, err = f.registry.Audience(ctx, view.ID, ana.ID, "ro")
	require.NoError(t, err)
	assert.Equal(t, []string{"en"}, audience.Targets)
}

func TestPersistenceFailureDropsCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	view := f.session(t, f.account(t, domain.PlanFree))

	f.flaky.failures.Store(1)
	_, err := f.registry.Join(ctx, view.ID, JoinRequest{Guest: &Guest{Name: "Ana"}})
	require.Error(t, err)

	// The meeting was started in memory before the write failed; the cache
	// must not keep that.
	session, err := f.registry.GetSession(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, session.Status)
	assert.Equal(t, 0, session.ActiveParticipants)
	assert.Empty(t, f.broadcast.ofType(protocol.TypeParticipantJoined))
	assert.Equal(t, []string{domain.RoutingSessionCreated}, f.routingKeys())

	ana := f.guest(t, view.ID, "Ana", "en")
	assert.True(t, ana.Active)
}

func TestRegistriesSharingAStore(t *testing.T) {
	ctx := context.Background()

	t.Run("leave sees participants admitted elsewhere", func(t *testing.T) {
		f := newFixture(t)
		other := f.newRegistry()
		view := f.session(t, f.account(t, domain.PlanFree))
		ana := f.guest(t, view.ID, "Ana", "en")

		cached, err := other.GetSession(ctx, view.ID)
		require.NoError(t, err)
		require.Equal(t, 1, cached.ActiveParticipants)

		bob := f.guest(t, view.ID, "Bob", "ro")
		require.NoError(t, other.Leave(ctx, view.ID, ana.ID))

		for _, r := range []*Registry{f.registry, other} {
			session, err := r.GetSession(ctx, view.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusLive, session.Status)
			assert.Equal(t, 1, session.ActiveParticipants)
		}
		list, err := other.Participants(ctx, view.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, bob.ID, list[0].ID)
		assert.Empty(t, f.broadcast.ofType(protocol.TypeSessionEnded))
		assert.NotContains(t, f.routingKeys(), domain.RoutingSessionCompleted)
	})

	t.Run("commit on stale state is retried", func(t *testing.T) {
		f := newFixture(t)
		stale := &staleRevisions{MeetingRepository: f.store.Meetings()}
		other := f.newRegistryOver(stale)
		view := f.session(t, f.account(t, domain.PlanFree))
		ana := f.guest(t, view.ID, "Ana", "en")

		_, err := other.GetSession(ctx, view.ID)
		require.NoError(t, err)
		rev, err := f.store.Meetings().Revision(ctx, view.ID)
		require.NoError(t, err)
		f.guest(t, view.ID, "Bob", "ro")

		// other's cache check misses Bob's join; its revision claim must not.
		stale.frozen.Store(&rev)
		require.NoError(t, other.Leave(ctx, view.ID, ana.ID))

		session, err := f.registry.GetSession(ctx, view.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusLive, session.Status)
		assert.Equal(t, 1, session.ActiveParticipants)
		assert.EqualValues(t, 1, f.metrics.CounterValue(observability.MetricRegistryConflicts))
	})

	t.Run("sequence taken elsewhere is retried", func(t *testing.T) {
		f := newFixture(t)
		other := f.newRegistry()
		view := f.session(t, f.account(t, domain.PlanFree))
		ana := f.guest(t, view.ID, "Ana", "en")
		f.guest(t, view.ID, "Bob", "ro")

		_, err := other.GetSession(ctx, view.ID)
		require.NoError(t, err)

		first, _, err := f.registry.AppendSegment(ctx, SegmentInput{
			MeetingID: view.ID, ParticipantID: ana.ID, Kind: domain.KindSpeech, Text: "hello",
		})
		require.NoError(t, err)
		second, _, err := other.AppendSegment(ctx, SegmentInput{
			MeetingID: view.ID, ParticipantID: ana.ID, Kind: domain.KindSpeech, Text: "again",
		})
		require.NoError(t, err)
		assert.EqualValues(t, 1, first.Sequence)
		assert.EqualValues(t, 2, second.Sequence)
		assert.EqualValues(t, 1, f.metrics.CounterValue(observability.MetricRegistryConflicts))

		metrics, err := f.registry.Metrics(ctx, view.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 2, metrics.TranscriptCount)
	})

	t.Run("leave completes when nobody is left anywhere", func(t *testing.T) {
		f := newFixture(t)
		other := f.newRegistry()
		view := f.session(t, f.account(t, domain.PlanFree))
		ana := f.guest(t, view.ID, "Ana", "en")
		bob := f.guest(t, view.ID, "Bob", "ro")

		require.NoError(t, other.Leave(ctx, view.ID, ana.ID))
		require.NoError(t, f.registry.Leave(ctx, view.ID, bob.ID))

		session, err := other.GetSession(ctx, view.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, session.Status)
		assert.Len(t, f.broadcast.ofType(protocol.TypeSessionEnded), 1)
	})
}

func TestActiveSessionsGauge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.account(t, domain.PlanFree)
	view := f.session(t, owner)
	f.guest(t, view.ID, "Ana", "en")
	assert.Equal(t, float64(1), f.metrics.GaugeValue(observability.MetricActiveSessions))

	// After a restart the meeting is loaded already live.
	restarted := f.newRegistry()
	_, err := restarted.GetSession(ctx, view.ID)
	require.NoError(t, err)
	_, err = restarted.Participants(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), f.metrics.GaugeValue(observability.MetricActiveSessions))

	require.NoError(t, restarted.EndSession(ctx, view.ID, owner.ID))
	assert.Equal(t, float64(0), f.metrics.GaugeValue(observability.MetricActiveSessions))
}

func statusRank(s domain.Status) int {
	switch s {
	case domain.StatusScheduled:
		return 0
	case domain.StatusLive:
		return 1
	default:
		return 2
	}
}

func TestRandomJoinLeaveInterleavings(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 5; round++ {
		t.Run(fmt.Sprintf("round %d", round), func(t *testing.T) {
			f := newFixture(t)
			view := f.session(t, f.account(t, domain.PlanPremium))
			users := make([]*domain.Account, 6)
			for i := range users {
				users[i] = f.account(t, domain.PlanFree)
			}

			var leftEvents atomic.Int64
			var wg sync.WaitGroup
			for _, user := range users {
				wg.Add(1)
				go func() {
					defer wg.Done()
					rng := rand.New(rand.NewPCG(uint64(round), uint64(user.ID.ID())))
					lastRank := 0
					for i := 0; i < 15; i++ {
						p, err := f.registry.Join(ctx, view.ID, JoinRequest{UserID: &user.ID})
						if errors.Is(err, domain.ErrInvalidState) {
							return
						}
						if !assert.NoError(t, err) {
							return
						}
						if rng.IntN(3) == 0 {
							time.Sleep(time.Duration(rng.IntN(50)) * time.Microsecond)
						}
						session, err := f.registry.GetSession(ctx, view.ID)
						if assert.NoError(t, err) {
							rank := statusRank(session.Status)
							assert.GreaterOrEqual(t, rank, lastRank, "status went backwards")
							lastRank = rank
						}
						if assert.NoError(t, f.registry.Leave(ctx, view.ID, p.ID)) {
							leftEvents.Add(1)
						}
						// Leaving twice must not emit again.
						assert.NoError(t, f.registry.Leave(ctx, view.ID, p.ID))
					}
				}()
			}
			wg.Wait()

			session, err := f.registry.GetSession(ctx, view.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusCompleted, session.Status)
			assert.Equal(t, 0, session.ActiveParticipants)
			assert.Len(t, f.broadcast.ofType(protocol.TypeSessionEnded), 1)
			assert.EqualValues(t, leftEvents.Load(), len(f.broadcast.ofType(protocol.TypeParticipantLeft)))

			rows, err := f.store.Participants().ListByMeeting(ctx, view.ID)
			require.NoError(t, err)
			for _, p := range rows {
				if p.LeftAt() != nil {
					require.NotNil(t, p.JoinedAt())
					assert.False(t, p.LeftAt().Before(*p.JoinedAt()))
				}
			}
		})
	}
}

func TestLockTableEvictsTerminalSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	view := f.session(t, f.account(t, domain.PlanFree))
	ana := f.guest(t, view.ID, "Ana", "en")
	assert.Equal(t, 1, f.registry.locks.size())

	require.NoError(t, f.registry.Leave(ctx, view.ID, ana.ID))
	assert.Equal(t, 0, f.registry.locks.size())

	_, err := f.registry.GetSession(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, f.registry.locks.size())
}
