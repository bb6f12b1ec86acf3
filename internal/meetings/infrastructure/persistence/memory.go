package persistence

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/outbox"
)

var errNoMemoryTx = errors.New("no memory transaction in context")

// MemoryStore keeps every record in process. Writes made inside a unit of
// work are staged on the transaction and applied atomically at commit, with
// the same uniqueness rules the SQL schema enforces.
type MemoryStore struct {
	mu     sync.Mutex
	state  *memoryState
	outbox *outbox.InMemoryRepository
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state:  newMemoryState(),
		outbox: outbox.NewInMemoryRepository(),
	}
}

func (s *MemoryStore) Meetings() *MemoryMeetingRepository         { return &MemoryMeetingRepository{s} }
func (s *MemoryStore) Participants() *MemoryParticipantRepository { return &MemoryParticipantRepository{s} }
func (s *MemoryStore) Transcripts() *MemoryTranscriptRepository   { return &MemoryTranscriptRepository{s} }
func (s *MemoryStore) Accounts() *MemoryAccountRepository         { return &MemoryAccountRepository{s} }

// OutboxWriter stages outbox messages on the ambient transaction.
func (s *MemoryStore) OutboxWriter() outbox.Writer { return memoryOutboxWriter{s} }

// OutboxRepository is the committed outbox, for the processor.
func (s *MemoryStore) OutboxRepository() *outbox.InMemoryRepository { return s.outbox }

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

type memoryState struct {
	meetings     map[uuid.UUID]*domain.Meeting
	participants map[uuid.UUID]*domain.Participant
	segments     map[uuid.UUID][]domain.TranscriptSegment
	translations map[uuid.UUID][]domain.Translation
	accounts     map[uuid.UUID]domain.Account
	revisions    map[uuid.UUID]int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		meetings:     make(map[uuid.UUID]*domain.Meeting),
		participants: make(map[uuid.UUID]*domain.Participant),
		segments:     make(map[uuid.UUID][]domain.TranscriptSegment),
		translations: make(map[uuid.UUID][]domain.Translation),
		accounts:     make(map[uuid.UUID]domain.Account),
		revisions:    make(map[uuid.UUID]int64),
	}
}

// clone copies the maps. Stored values are snapshots that are replaced,
// never mutated, and slices are clipped before append, so sharing them is safe.
func (st *memoryState) clone() *memoryState {
	return &memoryState{
		meetings:     maps.Clone(st.meetings),
		participants: maps.Clone(st.participants),
		segments:     maps.Clone(st.segments),
		translations: maps.Clone(st.translations),
		accounts:     maps.Clone(st.accounts),
		revisions:    maps.Clone(st.revisions),
	}
}

type memoryOp func(st *memoryState) error

type memoryTx struct {
	ops    []memoryOp
	outbox []*outbox.Message
	done   bool
}

type memoryTxKey struct{}

type memoryScope struct {
	tx    *memoryTx
	owned bool
}

func memoryScopeFrom(ctx context.Context) (memoryScope, bool) {
	scope, ok := ctx.Value(memoryTxKey{}).(memoryScope)
	return scope, ok && scope.tx != nil
}

// Begin starts a staged transaction, or joins the one already on ctx.
func (s *MemoryStore) Begin(ctx context.Context) (context.Context, error) {
	if scope, ok := memoryScopeFrom(ctx); ok {
		return context.WithValue(ctx, memoryTxKey{}, memoryScope{tx: scope.tx}), nil
	}
	return context.WithValue(ctx, memoryTxKey{}, memoryScope{tx: &memoryTx{}, owned: true}), nil
}

// Commit replays the staged writes against the current state. Either all of
// them apply or none do.
func (s *MemoryStore) Commit(ctx context.Context) error {
	scope, ok := memoryScopeFrom(ctx)
	if !ok {
		return errNoMemoryTx
	}
	if !scope.owned {
		return nil
	}

	s.mu.Lock()
	if scope.tx.done {
		s.mu.Unlock()
		return errors.New("memory transaction already finished")
	}
	scope.tx.done = true
	next := s.state.clone()
	for _, op := range scope.tx.ops {
		if err := op(next); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.state = next
	staged := scope.tx.outbox
	s.mu.Unlock()

	if len(staged) == 0 {
		return nil
	}
	return s.outbox.SaveBatch(ctx, staged)
}

// Rollback discards the staged writes.
func (s *MemoryStore) Rollback(ctx context.Context) error {
	scope, ok := memoryScopeFrom(ctx)
	if !ok {
		return errNoMemoryTx
	}
	if !scope.owned {
		return nil
	}
	s.mu.Lock()
	scope.tx.done = true
	scope.tx.ops = nil
	scope.tx.outbox = nil
	s.mu.Unlock()
	return nil
}

// read runs fn against committed state plus whatever ctx's transaction has staged.
func (s *MemoryStore) read(ctx context.Context, fn func(st *memoryState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if scope, ok := memoryScopeFrom(ctx); ok && len(scope.tx.ops) > 0 {
		st = st.clone()
		for _, op := range scope.tx.ops {
			_ = op(st)
		}
	}
	fn(st)
}

// write applies op immediately, or validates and stages it on ctx's transaction.
// Every op checks its constraints before it mutates anything.
func (s *MemoryStore) write(ctx context.Context, op memoryOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope, ok := memoryScopeFrom(ctx)
	if !ok {
		return op(s.state)
	}
	if scope.tx.done {
		return errors.New("memory transaction already finished")
	}
	staged := s.state.clone()
	for _, prior := range scope.tx.ops {
		_ = prior(staged)
	}
	if err := op(staged); err != nil {
		return err
	}
	scope.tx.ops = append(scope.tx.ops, op)
	return nil
}

func uniqueViolation(constraint string) error {
	return fmt.Errorf("UNIQUE constraint failed: %s", constraint)
}

func copyMeeting(m *domain.Meeting) *domain.Meeting {
	return domain.RehydrateMeeting(m.ID(), m.Title(), m.Status(), m.SourceLanguage(), m.TargetLanguage(),
		m.CreatedBy(), m.JoinToken(), m.Settings(), copyTime(m.StartTime()), copyTime(m.EndTime()),
		m.CreatedAt(), m.UpdatedAt())
}

func copyParticipant(p *domain.Participant) *domain.Participant {
	var userID *uuid.UUID
	if p.UserID() != nil {
		u := *p.UserID()
		userID = &u
	}
	return domain.RehydrateParticipant(p.ID(), p.MeetingID(), userID, p.DisplayName(), p.Email(), p.Language(),
		copyTime(p.JoinedAt()), copyTime(p.LeftAt()), p.CreatedAt(), p.UpdatedAt())
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC()
	return &c
}

// MemoryMeetingRepository implements domain.MeetingRepository.
type MemoryMeetingRepository struct{ store *MemoryStore }

func (r *MemoryMeetingRepository) Save(ctx context.Context, m *domain.Meeting) error {
	snapshot := copyMeeting(m)
	return r.store.write(ctx, func(st *memoryState) error {
		for id, existing := range st.meetings {
			if id != snapshot.ID() && existing.JoinToken() == snapshot.JoinToken() {
				return uniqueViolation("meetings.join_token")
			}
		}
		if _, ok := st.accounts[snapshot.CreatedBy()]; !ok {
			return errors.New("FOREIGN KEY constraint failed: meetings.created_by")
		}
		stored := snapshot
		if prev, ok := st.meetings[snapshot.ID()]; ok {
			stored = domain.RehydrateMeeting(snapshot.ID(), snapshot.Title(), snapshot.Status(),
				prev.SourceLanguage(), prev.TargetLanguage(), prev.CreatedBy(), prev.JoinToken(), prev.Settings(),
				snapshot.StartTime(), snapshot.EndTime(), prev.CreatedAt(), snapshot.UpdatedAt())
		}
		st.meetings[stored.ID()] = stored
		return nil
	})
}

func (r *MemoryMeetingRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Meeting, error) {
	var found *domain.Meeting
	r.store.read(ctx, func(st *memoryState) {
		if m, ok := st.meetings[id]; ok {
			found = copyMeeting(m)
		}
	})
	return found, nil
}

func (r *MemoryMeetingRepository) FindByJoinToken(ctx context.Context, token string) (*domain.Meeting, error) {
	var found *domain.Meeting
	r.store.read(ctx, func(st *memoryState) {
		for _, m := range st.meetings {
			if m.JoinToken() == token {
				found = copyMeeting(m)
				return
			}
		}
	})
	return found, nil
}

func (r *MemoryMeetingRepository) JoinTokenExists(ctx context.Context, token string) (bool, error) {
	m, err := r.FindByJoinToken(ctx, token)
	return m != nil, err
}

func (r *MemoryMeetingRepository) CountOpenByOwner(ctx context.Context, ownerID uuid.UUID) (int, error) {
	n := 0
	r.store.read(ctx, func(st *memoryState) {
		for _, m := range st.meetings {
			if m.CreatedBy() == ownerID && !m.Status().IsTerminal() {
				n++
			}
		}
	})
	return n, nil
}

func (r *MemoryMeetingRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Meeting, error) {
	var out []*domain.Meeting
	r.store.read(ctx, func(st *memoryState) {
		for _, m := range st.meetings {
			if m.CreatedBy() == ownerID {
				out = append(out, copyMeeting(m))
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().After(out[j].CreatedAt()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryMeetingRepository) Revision(ctx context.Context, id uuid.UUID) (int64, error) {
	var rev int64
	r.store.read(ctx, func(st *memoryState) { rev = st.revisions[id] })
	return rev, nil
}

// ClaimRevision is checked when staged and again when the transaction
// commits, so of two registries claiming the same revision only the first
// commit lands.
func (r *MemoryMeetingRepository) ClaimRevision(ctx context.Context, id uuid.UUID, expected int64) error {
	return r.store.write(ctx, func(st *memoryState) error {
		if _, ok := st.meetings[id]; !ok {
			return fmt.Errorf("meeting %s: %w", id, domain.ErrNotFound)
		}
		if got := st.revisions[id]; got != expected {
			return fmt.Errorf("meeting %s at revision %d, not %d: %w", id, got, expected, domain.ErrConflict)
		}
		st.revisions[id] = expected + 1
		return nil
	})
}

// MemoryParticipantRepository implements domain.ParticipantRepository.
type MemoryParticipantRepository struct{ store *MemoryStore }

func (r *MemoryParticipantRepository) Save(ctx context.Context, p *domain.Participant) error {
	snapshot := copyParticipant(p)
	return r.store.write(ctx, func(st *memoryState) error {
		if _, ok := st.meetings[snapshot.MeetingID()]; !ok {
			return errors.New("FOREIGN KEY constraint failed: participants.meeting_id")
		}
		if snapshot.UserID() != nil {
			for id, existing := range st.participants {
				if id != snapshot.ID() && existing.MeetingID() == snapshot.MeetingID() &&
					existing.UserID() != nil && *existing.UserID() == *snapshot.UserID() {
					return uniqueViolation("participants.meeting_id, participants.user_id")
				}
			}
		}
		if j, l := snapshot.JoinedAt(), snapshot.LeftAt(); l != nil && (j == nil || l.Before(*j)) {
			return errors.New("CHECK constraint failed: left_at >= joined_at")
		}
		stored := snapshot
		if prev, ok := st.participants[snapshot.ID()]; ok {
			stored = domain.RehydrateParticipant(snapshot.ID(), prev.MeetingID(), prev.UserID(),
				snapshot.DisplayName(), prev.Email(), snapshot.Language(), snapshot.JoinedAt(), snapshot.LeftAt(),
				prev.CreatedAt(), snapshot.UpdatedAt())
		}
		st.participants[stored.ID()] = stored
		return nil
	})
}

func (r *MemoryParticipantRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Participant, error) {
	var found *domain.Participant
	r.store.read(ctx, func(st *memoryState) {
		if p, ok := st.participants[id]; ok {
			found = copyParticipant(p)
		}
	})
	return found, nil
}

func (r *MemoryParticipantRepository) FindByMeetingAndUser(ctx context.Context, meetingID, userID uuid.UUID) (*domain.Participant, error) {
	var found *domain.Participant
	r.store.read(ctx, func(st *memoryState) {
		for _, p := range st.participants {
			if p.MeetingID() == meetingID && p.UserID() != nil && *p.UserID() == userID {
				found = copyParticipant(p)
				return
			}
		}
	})
	return found, nil
}

func (r *MemoryParticipantRepository) ListByMeeting(ctx context.Context, meetingID uuid.UUID) ([]*domain.Participant, error) {
	var out []*domain.Participant
	r.store.read(ctx, func(st *memoryState) {
		for _, p := range st.participants {
			if p.MeetingID() == meetingID {
				out = append(out, copyParticipant(p))
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].CreatedAt().Before(out[j].CreatedAt())
		}
		return out[i].ID().String() < out[j].ID().String()
	})
	return out, nil
}

func (r *MemoryParticipantRepository) MarkAllLeft(ctx context.Context, meetingID uuid.UUID, at time.Time) (int64, error) {
	var affected int64
	r.store.read(ctx, func(st *memoryState) {
		for _, p := range st.participants {
			if p.MeetingID() == meetingID && p.IsActive() {
				affected++
			}
		}
	})
	err := r.store.write(ctx, func(st *memoryState) error {
		for id, p := range st.participants {
			if p.MeetingID() != meetingID || !p.IsActive() {
				continue
			}
			left := copyParticipant(p)
			left.Leave(at)
			st.participants[id] = left
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// MemoryTranscriptRepository implements domain.TranscriptRepository.
type MemoryTranscriptRepository struct{ store *MemoryStore }

func (r *MemoryTranscriptRepository) SaveSegment(ctx context.Context, segment domain.TranscriptSegment) error {
	return r.store.write(ctx, func(st *memoryState) error {
		if _, ok := st.meetings[segment.MeetingID]; !ok {
			return errors.New("FOREIGN KEY constraint failed: transcript_segments.meeting_id")
		}
		existing := st.segments[segment.MeetingID]
		for _, s := range existing {
			if s.Sequence == segment.Sequence {
				return uniqueViolation("transcript_segments.meeting_id, transcript_segments.sequence")
			}
		}
		next := append(slices.Clip(existing), segment)
		sort.Slice(next, func(i, j int) bool { return next[i].Sequence < next[j].Sequence })
		st.segments[segment.MeetingID] = next
		return nil
	})
}

func (r *MemoryTranscriptRepository) SaveTranslations(ctx context.Context, translations []domain.Translation) error {
	rows := slices.Clone(translations)
	return r.store.write(ctx, func(st *memoryState) error {
		owners := make([]uuid.UUID, len(rows))
		for i, t := range rows {
			meetingID, ok := st.segmentMeeting(t.SegmentID)
			if !ok {
				return errors.New("FOREIGN KEY constraint failed: translations.segment_id")
			}
			owners[i] = meetingID
		}
		for i, t := range rows {
			st.translations[owners[i]] = append(slices.Clip(st.translations[owners[i]]), t)
		}
		return nil
	})
}

func (st *memoryState) segmentMeeting(segmentID uuid.UUID) (uuid.UUID, bool) {
	for meetingID, segments := range st.segments {
		for _, s := range segments {
			if s.ID == segmentID {
				return meetingID, true
			}
		}
	}
	return uuid.Nil, false
}

func (r *MemoryTranscriptRepository) ListSegments(ctx context.Context, meetingID uuid.UUID) ([]domain.TranscriptSegment, error) {
	var out []domain.TranscriptSegment
	r.store.read(ctx, func(st *memoryState) {
		out = slices.Clone(st.segments[meetingID])
	})
	return out, nil
}

func (r *MemoryTranscriptRepository) LatestTranslations(ctx context.Context, meetingID uuid.UUID) (map[uuid.UUID]map[string]string, error) {
	var rows []domain.Translation
	r.store.read(ctx, func(st *memoryState) {
		rows = slices.Clone(st.translations[meetingID])
	})
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })

	latest := make(map[uuid.UUID]map[string]string)
	for _, t := range rows {
		if latest[t.SegmentID] == nil {
			latest[t.SegmentID] = make(map[string]string)
		}
		latest[t.SegmentID][t.TargetLanguage] = t.Text
	}
	return latest, nil
}

func (r *MemoryTranscriptRepository) Stats(ctx context.Context, meetingID uuid.UUID) (domain.TranscriptStats, error) {
	var stats domain.TranscriptStats
	r.store.read(ctx, func(st *memoryState) {
		for _, s := range st.segments[meetingID] {
			stats.Segments++
			stats.MaxSequence = max(stats.MaxSequence, s.Sequence)
			stats.TranslatedChars += int64(utf8.RuneCountInString(s.OriginalText))
		}
	})
	return stats, nil
}

// MemoryAccountRepository implements domain.AccountRepository.
type MemoryAccountRepository struct{ store *MemoryStore }

func (r *MemoryAccountRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var found *domain.Account
	r.store.read(ctx, func(st *memoryState) {
		if a, ok := st.accounts[id]; ok {
			found = &a
		}
	})
	return found, nil
}

func (r *MemoryAccountRepository) Save(ctx context.Context, account *domain.Account) error {
	a := *account
	return r.store.write(ctx, func(st *memoryState) error {
		for id, existing := range st.accounts {
			if id != a.ID && existing.Email == a.Email {
				return uniqueViolation("accounts.email")
			}
		}
		st.accounts[a.ID] = a
		return nil
	})
}

// Lock only checks the account exists. Unlike the SQL stores it does not
// block a concurrent transaction.
func (r *MemoryAccountRepository) Lock(ctx context.Context, id uuid.UUID) error {
	var ok bool
	r.store.read(ctx, func(st *memoryState) { _, ok = st.accounts[id] })
	if !ok {
		return fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

type memoryOutboxWriter struct{ store *MemoryStore }

func (w memoryOutboxWriter) SaveBatch(ctx context.Context, msgs []*outbox.Message) error {
	scope, ok := memoryScopeFrom(ctx)
	if !ok {
		return w.store.outbox.SaveBatch(ctx, msgs)
	}
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	if scope.tx.done {
		return errors.New("memory transaction already finished")
	}
	scope.tx.outbox = append(scope.tx.outbox, msgs...)
	return nil
}
