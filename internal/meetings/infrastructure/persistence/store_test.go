package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/meetings/infrastructure/persistence"
	"github.com/felixgeelhaar/interpreta/internal/shared/application"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/database"
	_ "github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/migrations"
)

type stores struct {
	meetings     domain.MeetingRepository
	participants domain.ParticipantRepository
	transcripts  domain.TranscriptRepository
	accounts     domain.AccountRepository
	uow          application.UnitOfWork
}

func sqliteStores(t *testing.T) stores {
	t.Helper()
	ctx := context.Background()
	conn, err := database.NewConnection(ctx, database.Config{Driver: database.DriverSQLite, SQLitePath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrations.Run(ctx, conn, "", migrations.Up))

	return stores{
		meetings:     persistence.NewSQLMeetingRepository(conn),
		participants: persistence.NewSQLParticipantRepository(conn),
		transcripts:  persistence.NewSQLTranscriptRepository(conn),
		accounts:     persistence.NewSQLAccountRepository(conn),
		uow:          database.NewUnitOfWork(conn),
	}
}

func memoryStores(t *testing.T) stores {
	t.Helper()
	store := persistence.NewMemoryStore()
	return stores{
		meetings:     store.Meetings(),
		participants: store.Participants(),
		transcripts:  store.Transcripts(),
		accounts:     store.Accounts(),
		uow:          store,
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s stores)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, sqliteStores(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, memoryStores(t)) })
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedOwner(t *testing.T, s stores) *domain.Account {
	t.Helper()
	owner := &domain.Account{
		ID:                uuid.New(),
		DisplayName:       "Irina",
		Email:             uuid.NewString() + "@example.com",
		PreferredLanguage: "ro",
		Plan:              domain.PlanFree,
		AvailableMinutes:  120,
	}
	require.NoError(t, s.accounts.Save(context.Background(), owner))
	return owner
}

func seedMeeting(t *testing.T, s stores, owner *domain.Account, token string) *domain.Meeting {
	t.Helper()
	settings, err := domain.ResolveSettings(owner.Plan, domain.SettingsOverrides{})
	require.NoError(t, err)
	m, err := domain.NewMeeting(owner.ID, "Interview A", "en", "ro", token, settings, epoch)
	require.NoError(t, err)
	require.NoError(t, s.meetings.Save(context.Background(), m))
	return m
}

func TestMeetingRepository(t *testing.T) {
	forEachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		owner := seedOwner(t, s)
		m := seedMeeting(t, s, owner, "a1b2c3d4")

		found, err := s.meetings.FindByID(ctx, m.ID())
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "Interview A", found.Title())
		assert.Equal(t, domain.StatusScheduled, found.Status())
		assert.Equal(t, m.Settings(), found.Settings())
		assert.Nil(t, found.StartTime())

		byToken, err := s.meetings.FindByJoinToken(ctx, "a1b2c3d4")
		require.NoError(t, err)
		require.NotNil(t, byToken)
		assert.Equal(t, m.ID(), byToken.ID())

		exists, err := s.meetings.JoinTokenExists(ctx, "a1b2c3d4")
		require.NoError(t, err)
		assert.True(t, exists)
		exists, err = s.meetings.JoinTokenExists(ctx, "ffffffff")
		require.NoError(t, err)
		assert.False(t, exists)

		missing, err := s.meetings.FindByID(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, missing)

		require.NoError(t, found.Start(epoch.Add(time.Minute)))
		require.NoError(t, s.meetings.Save(ctx, found))
		open, err := s.meetings.CountOpenByOwner(ctx, owner.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, open)

		require.NoError(t, found.Complete(epoch.Add(time.Hour)))
		require.NoError(t, s.meetings.Save(ctx, found))
		reloaded, err := s.meetings.FindByID(ctx, m.ID())
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, reloaded.Status())
		require.NotNil(t, reloaded.EndTime())
		assert.True(t, reloaded.EndTime().Equal(epoch.Add(time.Hour)))

		open, err = s.meetings.CountOpenByOwner(ctx, owner.ID)
		require.NoError(t, err)
		assert.Zero(t, open)

		listed, err := s.meetings.ListByOwner(ctx, owner.ID, 10)
		require.NoError(t, err)
		assert.Len(t, listed, 1)
	})
}

func TestMeetingRepository_JoinTokenUnique(t *testing.T) {
	forEachStore(t, func(t *testing.T, s stores) {
		owner := seedOwner(t, s)
		seedMeeting(t, s, owner, "deadbeef")

		settings, err := domain.ResolveSettings(domain.PlanFree, domain.SettingsOverrides{})
		require.NoError(t, err)
		dup, err := domain.NewMeeting(owner.ID, "Other", "en", "ro", "deadbeef", settings, epoch)
		require.NoError(t, err)

		err = s.meetings.Save(context.Background(), dup)
		require.Error(t, err)
		assert.True(t, database.IsUniqueViolation(err))
	})
}

func TestMeetingRepository_ClaimRevision(t *testing.T) {
	forEachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		m := seedMeeting(t, s, seedOwner(t, s), "c0ffee00")
		claim := func(expected int64) error {
			return application.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
				return s.meetings.ClaimRevision(txCtx, m.ID(), expected)
			})
		}

		rev, err := s.meetings.Revision(ctx, m.ID())
		require.NoError(t, err)
		assert.Zero(t, rev)

		require.NoError(t, claim(0))
		rev, err = s.meetings.Revision(ctx, m.ID())
		require.NoError(t, err)
		assert.EqualValues(t, 1, rev)

		// A writer still holding revision 0 lost the race.
		require.ErrorIs(t, claim(0), domain.ErrConflict)

		// Saving the meeting leaves the counter alone.
		require.NoError(t, s.meetings.Save(ctx, m))
		rev, err = s.meetings.Revision(ctx, m.ID())
		require.NoError(t, err)
		assert.EqualValues(t, 1, rev)

		rev, err = s.meetings.Revision(ctx, uuid.New())
		require.NoError(t, err)
		assert.Zero(t, rev)
	})
}

func TestMemoryStore_ClaimRevisionRecheckedAtCommit(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	s := stores{meetings: store.Meetings(), accounts: store.Accounts()}
	m := seedMeeting(t, s, seedOwner(t, s), "0ddba11a")

	first, err := store.Begin(ctx)
	require.NoError(t, err)
	second, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Meetings().ClaimRevision(first, m.ID(), 0))
	require.NoError(t, store.Meetings().ClaimRevision(second, m.ID(), 0))

	require.NoError(t, store.Commit(first))
	require.ErrorIs(t, store.Commit(second), domain.ErrConflict)

	rev, err := store.Meetings().Revision(ctx, m.ID())
	require.NoError(t, err)
	assert.EqualValues(t, 1, rev)
}

func TestAccountRepository_Lock(t *testing.T) {
	forEachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		owner := seedOwner(t, s)

		require.NoError(t, application.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
			return s.accounts.Lock(txCtx, owner.ID)
		}))
		require.ErrorIs(t, s.accounts.Lock(ctx, uuid.New()), domain.ErrNotFound)
	})
}

func TestParticipantRepository(t *testing.T) {
	forEachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		owner := seedOwner(t, s)
		m := seedMeeting(t, s, owner, "0badcafe")

		host := domain.NewOwnerParticipant(m.ID(), owner, "en", epoch)
		require.NoError(t, s.participants.Save(ctx, host))
		guest, err := domain.NewParticipant(m.ID(), nil, "Ana", "", "fr", epoch.Add(time.Second))
		require.NoError(t, err)
		require.NoError(t, s.participants.Save(ctx, guest))

		found, err := s.participants.FindByMeetingAndUser(ctx, m.ID(), owner.ID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, host.ID(), found.ID())
		assert.False(t, found.IsActive())

		found.Join(epoch.Add(2 * time.Second))
		require.NoError(t, s.participants.Save(ctx, found))

		dupOwner := domain.NewOwnerParticipant(m.ID(), owner, "en", epoch)
		err = s.participants.Save(ctx, dupOwner)
		require.Error(t, err)
		assert.True(t, database.IsUniqueViolation(err))

		all, err := s.participants.ListByMeeting(ctx, m.ID())
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, host.ID(), all[0].ID())

		n, err := s.participants.MarkAllLeft(ctx, m.ID(), epoch.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = s.participants.MarkAllLeft(ctx, m.ID(), epoch.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n)

		left, err := s.participants.FindByID(ctx, guest.ID())
		require.NoError(t, err)
		require.NotNil(t, left.LeftAt())
		assert.True(t, left.LeftAt().Equal(epoch.Add(time.Minute)))
		assert.False(t, left.IsActive())
	})
}

func TestParticipantRepository_MarkAllLeftClampsToJoin(t *testing.T) {
	forEachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		owner := seedOwner(t, s)
		m := seedMeeting(t, s, owner, "12345678")

		late, err := domain.NewParticipant(m.ID(), nil, "Late", "", "en", epoch.Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, s.participants.Save(ctx, late))

		_, err = s.participants.MarkAllLeft(ctx, m.ID(), epoch)
		require.NoError(t, err)

		got, err := s.participants.FindByID(ctx, late.ID())
		require.NoError(t, err)
		require.NotNil(t, got.LeftAt())
		assert.False(t, got.LeftAt().Before(*got.JoinedAt()))
	})
}

func TestTranscriptRepository(t *testing.T) {
	forEachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		owner := seedOwner(t, s)
		m := seedMeeting(t, s, owner, "abcdef01")
		speaker, err := domain.NewParticipant(m.ID(), nil, "Ana", "", "en", epoch)
		require.NoError(t, err)
		require.NoError(t, s.participants.Save(ctx, speaker))

		second, err := domain.NewTranscriptSegment(m.ID(), speaker.ID(), 2, domain.KindChat, "bună", "ro", epoch.Add(2*time.Second))
		require.NoError(t, err)
		first, err := domain.NewTranscriptSegment(m.ID(), speaker.ID(), 1, domain.KindSpeech, "hello", "en", epoch.Add(time.Second))
		require.NoError(t, err)
		require.NoError(t, s.transcripts.SaveSegment(ctx, second))
		require.NoError(t, s.transcripts.SaveSegment(ctx, first))

		dup, err := domain.NewTranscriptSegment(m.ID(), speaker.ID(), 1, domain.KindSpeech, "again", "en", epoch)
		require.NoError(t, err)
		err = s.transcripts.SaveSegment(ctx, dup)
		require.Error(t, err)
		assert.True(t, database.IsUniqueViolation(err))

		require.NoError(t, s.transcripts.SaveTranslations(ctx, []domain.Translation{
			domain.NewTranslation(first.ID, "ro", "salut", epoch.Add(3*time.Second)),
			domain.NewTranslation(first.ID, "fr", "bonjour", epoch.Add(3*time.Second)),
		}))
		require.NoError(t, s.transcripts.SaveTranslations(ctx, []domain.Translation{
			domain.NewTranslation(first.ID, "ro", "bună ziua", epoch.Add(4*time.Second)),
		}))

		segments, err := s.transcripts.ListSegments(ctx, m.ID())
		require.NoError(t, err)
		require.Len(t, segments, 2)
		assert.Equal(t, int64(1), segments[0].Sequence)
		assert.Equal(t, int64(2), segments[1].Sequence)
		assert.Equal(t, domain.KindChat, segments[1].Kind)

		latest, err := s.transcripts.LatestTranslations(ctx, m.ID())
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"ro": "bună ziua", "fr": "bonjour"}, latest[first.ID])
		assert.Empty(t, latest[second.ID])

		stats, err := s.transcripts.Stats(ctx, m.ID())
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Segments)
		assert.Equal(t, int64(2), stats.MaxSequence)
		assert.Equal(t, int64(len("hello")+len([]rune("bună"))), stats.TranslatedChars)
	})
}

func TestUnitOfWork_RollbackDiscardsWrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		owner := seedOwner(t, s)
		settings, err := domain.ResolveSettings(domain.PlanFree, domain.SettingsOverrides{})
		require.NoError(t, err)
		m, err := domain.NewMeeting(owner.ID, "Rolled back", "en", "ro", "77777777", settings, epoch)
		require.NoError(t, err)

		err = application.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
			if err := s.meetings.Save(txCtx, m); err != nil {
				return err
			}
			staged, err := s.meetings.FindByID(txCtx, m.ID())
			require.NoError(t, err)
			require.NotNil(t, staged, "writes are visible inside the transaction")
			return domain.ErrInvalidState
		})
		require.ErrorIs(t, err, domain.ErrInvalidState)

		found, err := s.meetings.FindByID(ctx, m.ID())
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestUnitOfWork_CommitAppliesAll(t *testing.T) {
	forEachStore(t, func(t *testing.T, s stores) {
		ctx := context.Background()
		owner := seedOwner(t, s)
		settings, err := domain.ResolveSettings(domain.PlanFree, domain.SettingsOverrides{})
		require.NoError(t, err)
		m, err := domain.NewMeeting(owner.ID, "Committed", "en", "ro", "88888888", settings, epoch)
		require.NoError(t, err)
		host := domain.NewOwnerParticipant(m.ID(), owner, "en", epoch)

		err = application.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
			if err := s.meetings.Save(txCtx, m); err != nil {
				return err
			}
			// Nested scopes join the outer transaction.
			return application.WithUnitOfWork(txCtx, s.uow, func(inner context.Context) error {
				return s.participants.Save(inner, host)
			})
		})
		require.NoError(t, err)

		found, err := s.participants.FindByID(ctx, host.ID())
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, m.ID(), found.MeetingID())
	})
}
