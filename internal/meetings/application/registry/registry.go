// Package registry owns the authoritative state of every meeting: status,
// membership and transcript sequence numbers. Each meeting has one critical
// section; everything that changes a meeting runs inside it, persists
// through a unit of work and only then broadcasts. The cache is checked
// against the meeting's stored revision on every entry, and commits claim
// that revision, so registries in several processes can share one store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/meetings/protocol"
	sharedApplication "github.com/felixgeelhaar/interpreta/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/interpreta/internal/shared/domain"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

const (
	maxTokenAttempts    = 16
	maxConflictAttempts = 3
)

// Broadcaster delivers server messages to a meeting's subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, meetingID uuid.UUID, msg protocol.ServerMessage) error
}

// Dependencies wires a Registry. Policy, Clock, Logger and Metrics have
// defaults; Broadcaster may be nil when nothing listens.
type Dependencies struct {
	Meetings     domain.MeetingRepository
	Participants domain.ParticipantRepository
	Transcripts  domain.TranscriptRepository
	Accounts     domain.AccountRepository
	Outbox       outbox.Writer
	UnitOfWork   sharedApplication.UnitOfWork
	Broadcaster  Broadcaster
	Policy       domain.AccessPolicy
	Clock        sharedDomain.Clock
	Logger       *slog.Logger
	Metrics      observability.Metrics
}

// Registry is the session registry.
type Registry struct {
	meetings     domain.MeetingRepository
	participants domain.ParticipantRepository
	transcripts  domain.TranscriptRepository
	accounts     domain.AccountRepository
	outbox       outbox.Writer
	uow          sharedApplication.UnitOfWork
	broadcaster  Broadcaster
	policy       domain.AccessPolicy
	clock        sharedDomain.Clock
	logger       *slog.Logger
	metrics      observability.Metrics

	locks *lockTable

	liveMu sync.Mutex
	live   map[uuid.UUID]struct{}
}

// New creates a registry.
func New(deps Dependencies) *Registry {
	r := &Registry{
		meetings:     deps.Meetings,
		participants: deps.Participants,
		transcripts:  deps.Transcripts,
		accounts:     deps.Accounts,
		outbox:       deps.Outbox,
		uow:          deps.UnitOfWork,
		broadcaster:  deps.Broadcaster,
		policy:       deps.Policy,
		clock:        deps.Clock,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		locks:        newLockTable(),
		live:         make(map[uuid.UUID]struct{}),
	}
	if r.policy == nil {
		r.policy = domain.OwnerOrStaff{}
	}
	if r.clock == nil {
		r.clock = sharedDomain.SystemClock{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "registry")
	if r.metrics == nil {
		r.metrics = observability.NoopMetrics{}
	}
	return r
}

// CreateSessionInput describes a new meeting. Empty languages take the
// defaults.
type CreateSessionInput struct {
	Title          string
	OwnerID        uuid.UUID
	SourceLanguage string
	TargetLanguage string
	Settings       domain.SettingsOverrides
}

// CreateSession validates the owner's plan and persists a scheduled meeting
// with its owner participant. Creations by one owner are serialized.
func (r *Registry) CreateSession(ctx context.Context, in CreateSessionInput) (SessionView, error) {
	key := "owner:" + in.OwnerID.String()
	entry := r.locks.lock(key)
	defer r.locks.unlock(key, entry)

	owner, err := r.accounts.FindByID(ctx, in.OwnerID)
	if err != nil {
		return SessionView{}, fmt.Errorf("failed to load account: %w", err)
	}
	if owner == nil {
		return SessionView{}, fmt.Errorf("account %s: %w", in.OwnerID, domain.ErrNotFound)
	}

	limits := owner.Plan.Limits()
	if limits.RequiresMinutes && owner.AvailableMinutes <= 0 {
		return SessionView{}, r.rejectCreate(owner, "no minutes remaining")
	}
	settings, err := domain.ResolveSettings(owner.Plan, in.Settings)
	if err != nil {
		if errors.Is(err, domain.ErrLimitExceeded) {
			r.metrics.Counter(observability.MetricSessionsRejected, 1, observability.T("plan", string(owner.Plan)))
		}
		return SessionView{}, err
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token := newJoinToken()
		exists, err := r.meetings.JoinTokenExists(ctx, token)
		if err != nil {
			return SessionView{}, fmt.Errorf("failed to check join token: %w", err)
		}
		if exists {
			continue
		}

		now := r.clock.Now()
		meeting, err := domain.NewMeeting(owner.ID, in.Title, in.SourceLanguage, in.TargetLanguage, token, settings, now)
		if err != nil {
			return SessionView{}, err
		}
		ownerRow := domain.NewOwnerParticipant(meeting.ID(), owner, meeting.SourceLanguage(), now)

		err = r.persist(ctx, meeting, owner.ID, func(txCtx context.Context) error {
			// Counted under the owner's row lock; the owner key above only
			// serialises this process.
			if err := r.accounts.Lock(txCtx, owner.ID); err != nil {
				return fmt.Errorf("failed to lock account: %w", err)
			}
			open, err := r.meetings.CountOpenByOwner(txCtx, owner.ID)
			if err != nil {
				return fmt.Errorf("failed to count open sessions: %w", err)
			}
			if open >= limits.MaxConcurrentSessions {
				return r.rejectCreate(owner, fmt.Sprintf("%d of %d concurrent sessions open", open, limits.MaxConcurrentSessions))
			}
			if err := r.meetings.Save(txCtx, meeting); err != nil {
				return err
			}
			return r.participants.Save(txCtx, ownerRow)
		})
		// Another owner took the token between the check and the insert.
		if database.IsUniqueViolation(err) {
			continue
		}
		if err != nil {
			return SessionView{}, err
		}

		r.metrics.Counter(observability.MetricSessionsCreated, 1, observability.T("plan", string(owner.Plan)))
		r.logger.InfoContext(ctx, "session created",
			observability.MeetingIDKey, meeting.ID(),
			"owner_id", owner.ID,
			"meeting_type", settings.MeetingType,
		)
		st := &sessionState{
			meeting:      meeting,
			participants: map[uuid.UUID]*domain.Participant{ownerRow.ID(): ownerRow},
		}
		return st.view(), nil
	}
	return SessionView{}, fmt.Errorf("no unique join token after %d attempts", maxTokenAttempts)
}

func (r *Registry) rejectCreate(owner *domain.Account, reason string) error {
	r.metrics.Counter(observability.MetricSessionsRejected, 1, observability.T("plan", string(owner.Plan)))
	return fmt.Errorf("%s plan: %s: %w", owner.Plan, reason, domain.ErrLimitExceeded)
}

// GetSession returns the cached session, loading it on first use.
func (r *Registry) GetSession(ctx context.Context, id uuid.UUID) (SessionView, error) {
	var view SessionView
	err := r.withSession(ctx, id, func(st *sessionState) error {
		view = st.view()
		return nil
	})
	return view, err
}

// ResolveSession accepts a meeting id or a join token.
func (r *Registry) ResolveSession(ctx context.Context, ref string) (SessionView, error) {
	ref = strings.TrimSpace(ref)
	if id, err := uuid.Parse(ref); err == nil {
		return r.GetSession(ctx, id)
	}
	if ref == "" {
		return SessionView{}, fmt.Errorf("empty session reference: %w", domain.ErrInvalidInput)
	}
	m, err := r.meetings.FindByJoinToken(ctx, strings.ToLower(ref))
	if err != nil {
		return SessionView{}, fmt.Errorf("failed to resolve join token: %w", err)
	}
	if m == nil {
		return SessionView{}, fmt.Errorf("join token %q: %w", ref, domain.ErrNotFound)
	}
	return r.GetSession(ctx, m.ID())
}

// Guest is an unauthenticated participant.
type Guest struct {
	Name     string
	Email    string
	Language string
}

// JoinRequest carries exactly one of UserID or Guest.
type JoinRequest struct {
	UserID *uuid.UUID
	Guest  *Guest
}

// Join admits a participant. A known user rejoins on their existing row.
// The first join makes the meeting live.
func (r *Registry) Join(ctx context.Context, id uuid.UUID, req JoinRequest) (ParticipantView, error) {
	if (req.UserID == nil) == (req.Guest == nil) {
		return ParticipantView{}, fmt.Errorf("join needs a user or a guest: %w", domain.ErrInvalidInput)
	}
	var account *domain.Account
	actorID := uuid.Nil
	if req.UserID != nil {
		var err error
		account, err = r.accounts.FindByID(ctx, *req.UserID)
		if err != nil {
			return ParticipantView{}, fmt.Errorf("failed to load account: %w", err)
		}
		if account == nil {
			return ParticipantView{}, fmt.Errorf("account %s: %w", *req.UserID, domain.ErrUnauthorized)
		}
		actorID = account.ID
	}

	var view ParticipantView
	err := r.withSession(ctx, id, func(st *sessionState) error {
		m := st.meeting
		if !m.CanAdmit() {
			return fmt.Errorf("meeting is %s: %w", m.Status(), domain.ErrInvalidState)
		}
		now := r.clock.Now()

		var p *domain.Participant
		if account != nil {
			p = st.byUser(account.ID)
		}
		isNew := p == nil
		if (isNew || !p.IsActive()) && st.atCapacity() {
			r.metrics.Counter(observability.MetricSessionsRejected, 1, observability.T("reason", "capacity"))
			return fmt.Errorf("meeting allows %d participants: %w", m.Settings().MaxParticipants, domain.ErrLimitExceeded)
		}

		rejoin := false
		if isNew {
			var err error
			if account != nil {
				p, err = domain.NewParticipant(m.ID(), &account.ID, accountName(account), account.Email,
					firstLanguage(account.PreferredLanguage, m.TargetLanguage()), now)
			} else {
				p, err = domain.NewParticipant(m.ID(), nil, req.Guest.Name, req.Guest.Email,
					firstLanguage(req.Guest.Language, m.TargetLanguage()), now)
			}
			if err != nil {
				return err
			}
		} else {
			rejoin = p.HasJoinedBefore()
			p.Join(now)
		}

		started := m.Status() == domain.StatusScheduled
		if started {
			if err := m.Start(now); err != nil {
				return err
			}
		}
		m.RecordJoin(p, rejoin)

		err := r.commit(ctx, st, actorID, func(txCtx context.Context) error {
			if started {
				if err := r.meetings.Save(txCtx, m); err != nil {
					return err
				}
			}
			return r.participants.Save(txCtx, p)
		})
		if err != nil {
			return err
		}
		if isNew {
			st.participants[p.ID()] = p
		}
		view = st.participantView(p)

		if started {
			r.metrics.Counter(observability.MetricSessionsStarted, 1)
		}
		r.metrics.Counter(observability.MetricParticipantsJoined, 1)
		r.logger.InfoContext(ctx, "participant joined",
			observability.MeetingIDKey, m.ID(),
			observability.ParticipantIDKey, p.ID(),
			"guest", p.IsGuest(),
			"rejoin", rejoin,
		)
		r.broadcast(ctx, m.ID(), protocol.ParticipantJoined{
			ParticipantID: p.ID(),
			Name:          p.DisplayName(),
			Language:      p.Language(),
			Timestamp:     now,
		})
		return nil
	})
	return view, err
}

// Leave marks a participant as gone. Leaving twice is a no-op. When the last
// active participant of a live meeting leaves, the meeting completes.
func (r *Registry) Leave(ctx context.Context, id, participantID uuid.UUID) error {
	return r.withSession(ctx, id, func(st *sessionState) error {
		p, ok := st.participants[participantID]
		if !ok {
			return fmt.Errorf("participant %s: %w", participantID, domain.ErrNotFound)
		}
		now := r.clock.Now()
		if !p.Leave(now) {
			return nil
		}
		m := st.meeting
		m.RecordLeave(p)

		completed := false
		if m.Status() == domain.StatusLive && st.activeCount() == 0 {
			if err := m.Complete(now); err != nil {
				return err
			}
			completed = true
		}

		err := r.commit(ctx, st, participantActor(p), func(txCtx context.Context) error {
			if err := r.participants.Save(txCtx, p); err != nil {
				return err
			}
			if completed {
				return r.meetings.Save(txCtx, m)
			}
			return nil
		})
		if err != nil {
			return err
		}

		r.metrics.Counter(observability.MetricParticipantsLeft, 1)
		r.logger.InfoContext(ctx, "participant left",
			observability.MeetingIDKey, m.ID(),
			observability.ParticipantIDKey, p.ID(),
		)
		r.broadcast(ctx, m.ID(), protocol.ParticipantLeft{
			ParticipantID: p.ID(),
			Name:          p.DisplayName(),
			Timestamp:     now,
		})
		if completed {
			r.sessionCompleted(ctx, m, now)
		}
		return nil
	})
}

// EndSession completes a live meeting on behalf of its owner or staff and
// marks everyone still present as left.
func (r *Registry) EndSession(ctx context.Context, id, actorID uuid.UUID) error {
	staff, err := r.isStaff(ctx, actorID)
	if err != nil {
		return err
	}
	return r.withSession(ctx, id, func(st *sessionState) error {
		m := st.meeting
		if err := r.authorize(ctx, domain.ActionEndSession, actorID, staff, m); err != nil {
			return err
		}
		if m.Status() != domain.StatusLive {
			return fmt.Errorf("cannot end %s meeting: %w", m.Status(), domain.ErrInvalidState)
		}
		now := r.clock.Now()
		left := 0
		for _, p := range st.participants {
			if p.Leave(now) {
				m.RecordLeave(p)
				left++
			}
		}
		if err := m.Complete(now); err != nil {
			return err
		}

		err := r.commit(ctx, st, actorID, func(txCtx context.Context) error {
			if err := r.meetings.Save(txCtx, m); err != nil {
				return err
			}
			_, err := r.participants.MarkAllLeft(txCtx, m.ID(), now)
			return err
		})
		if err != nil {
			return err
		}
		r.metrics.Counter(observability.MetricParticipantsLeft, int64(left))
		r.sessionCompleted(ctx, m, now)
		return nil
	})
}

// CancelSession cancels a scheduled meeting.
func (r *Registry) CancelSession(ctx context.Context, id, actorID uuid.UUID) error {
	staff, err := r.isStaff(ctx, actorID)
	if err != nil {
		return err
	}
	return r.withSession(ctx, id, func(st *sessionState) error {
		m := st.meeting
		if err := r.authorize(ctx, domain.ActionCancelSession, actorID, staff, m); err != nil {
			return err
		}
		if err := m.Cancel(r.clock.Now()); err != nil {
			return err
		}
		if err := r.commit(ctx, st, actorID, func(txCtx context.Context) error {
			return r.meetings.Save(txCtx, m)
		}); err != nil {
			return err
		}
		r.logger.InfoContext(ctx, "session cancelled", observability.MeetingIDKey, m.ID(), "actor_id", actorID)
		return nil
	})
}

// Metrics derives the session metrics from the cached state. Transcript
// totals are reread since other processes append without a revision claim.
func (r *Registry) Metrics(ctx context.Context, id uuid.UUID) (domain.SessionMetrics, error) {
	var out domain.SessionMetrics
	err := r.withSession(ctx, id, func(st *sessionState) error {
		stats, err := r.transcripts.Stats(ctx, id)
		if err != nil {
			return err
		}
		st.lastSequence = max(st.lastSequence, stats.MaxSequence)
		st.transcriptCount = stats.Segments
		st.translatedChars = stats.TranslatedChars

		m := st.meeting
		out = domain.SessionMetrics{
			MeetingID:          m.ID(),
			Status:             m.Status(),
			ActiveParticipants: st.activeCount(),
			TotalParticipants:  len(st.participants),
			Languages:          st.languages(),
			TranslatedChars:    st.translatedChars,
			TranscriptCount:    st.transcriptCount,
			StartTime:          copyTime(m.StartTime()),
			EndTime:            copyTime(m.EndTime()),
			CreatedBy:          m.CreatedBy(),
		}
		if d, ok := m.Duration(r.clock.Now()); ok {
			out.Duration = &d
		}
		return nil
	})
	return out, err
}

// Participants lists the active participants in join order.
func (r *Registry) Participants(ctx context.Context, id uuid.UUID) ([]ParticipantView, error) {
	var out []ParticipantView
	err := r.withSession(ctx, id, func(st *sessionState) error {
		for _, p := range st.participants {
			if p.IsActive() {
				out = append(out, st.participantView(p))
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b ParticipantView) int {
		if c := a.JoinedAt.Compare(*b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out, err
}

// SegmentInput is one utterance to append to a meeting's transcript.
type SegmentInput struct {
	MeetingID     uuid.UUID
	ParticipantID uuid.UUID
	Kind          domain.SegmentKind
	Text          string
	Language      string
}

// AppendSegment assigns the next sequence number and persists the segment.
// Sequence numbers are gap free: a failed save does not consume one.
func (r *Registry) AppendSegment(ctx context.Context, in SegmentInput) (domain.TranscriptSegment, Audience, error) {
	var (
		segment  domain.TranscriptSegment
		audience Audience
	)
	err := r.withSession(ctx, in.MeetingID, func(st *sessionState) error {
		speaker, err := st.speaker(in.ParticipantID)
		if err != nil {
			return err
		}
		language := firstLanguage(in.Language, speaker.Language())
		seq := st.lastSequence + 1
		segment, err = domain.NewTranscriptSegment(in.MeetingID, speaker.ID(), seq, in.Kind, in.Text, language, r.clock.Now())
		if err != nil {
			return err
		}
		if err := r.transcripts.SaveSegment(ctx, segment); err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("sequence %d taken by another writer: %w", seq, domain.ErrConflict)
			}
			return fmt.Errorf("failed to save segment: %w", err)
		}
		st.lastSequence = seq
		st.transcriptCount++
		st.translatedChars += int64(utf8.RuneCountInString(segment.OriginalText))
		audience = Audience{Speaker: st.participantView(speaker), Targets: st.targets(segment.OriginalLanguage)}
		return nil
	})
	return segment, audience, err
}

// Audience resolves the speaker and target languages for an utterance that
// is not persisted.
func (r *Registry) Audience(ctx context.Context, meetingID, participantID uuid.UUID, language string) (Audience, error) {
	var audience Audience
	err := r.withSession(ctx, meetingID, func(st *sessionState) error {
		speaker, err := st.speaker(participantID)
		if err != nil {
			return err
		}
		source := firstLanguage(language, speaker.Language())
		audience = Audience{Speaker: st.participantView(speaker), Targets: st.targets(source)}
		return nil
	})
	return audience, err
}

// RecordTranslations persists translation rows for segments already
// appended. Rows append; the latest per language wins on read.
func (r *Registry) RecordTranslations(ctx context.Context, meetingID uuid.UUID, translations []domain.Translation) error {
	if len(translations) == 0 {
		return nil
	}
	if err := r.transcripts.SaveTranslations(ctx, translations); err != nil {
		return fmt.Errorf("failed to save translations for meeting %s: %w", meetingID, err)
	}
	return nil
}

// withSession runs fn inside the meeting's critical section with the cached
// state loaded and current. Any error drops the cache so the next call
// reloads committed state; a conflict is retried on the reloaded state.
func (r *Registry) withSession(ctx context.Context, id uuid.UUID, fn func(st *sessionState) error) error {
	key := "meeting:" + id.String()
	entry := r.locks.lock(key)
	defer r.locks.unlock(key, entry)

	for attempt := 1; ; attempt++ {
		err := r.runSession(ctx, id, entry, fn)
		if !errors.Is(err, domain.ErrConflict) || attempt == maxConflictAttempts {
			return err
		}
		r.metrics.Counter(observability.MetricRegistryConflicts, 1)
		r.logger.DebugContext(ctx, "session changed by another writer, retrying",
			observability.MeetingIDKey, id,
			"attempt", attempt,
			"error", err,
		)
	}
}

func (r *Registry) runSession(ctx context.Context, id uuid.UUID, entry *lockEntry, fn func(st *sessionState) error) error {
	if err := r.refresh(ctx, id, entry); err != nil {
		entry.state = nil
		return err
	}
	if err := fn(entry.state); err != nil {
		entry.state = nil
		return err
	}
	r.trackLive(id, entry.state.meeting.Status() == domain.StatusLive)
	return nil
}

// refresh keeps the cached state only while the stored revision matches it.
func (r *Registry) refresh(ctx context.Context, id uuid.UUID, entry *lockEntry) error {
	if entry.state != nil {
		rev, err := r.meetings.Revision(ctx, id)
		if err != nil {
			return err
		}
		if rev == entry.state.revision {
			return nil
		}
	}
	st, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	entry.state = st
	return nil
}

func (r *Registry) load(ctx context.Context, id uuid.UUID) (*sessionState, error) {
	// Read first: a write landing during the load only makes the state newer
	// than its revision, which the next refresh or claim catches.
	rev, err := r.meetings.Revision(ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := r.meetings.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load meeting: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("meeting %s: %w", id, domain.ErrNotFound)
	}
	participants, err := r.participants.ListByMeeting(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	stats, err := r.transcripts.Stats(ctx, id)
	if err != nil {
		return nil, err
	}

	st := &sessionState{
		meeting:         m,
		participants:    make(map[uuid.UUID]*domain.Participant, len(participants)),
		revision:        rev,
		lastSequence:    stats.MaxSequence,
		transcriptCount: stats.Segments,
		translatedChars: stats.TranslatedChars,
	}
	for _, p := range participants {
		st.participants[p.ID()] = p
	}
	return st, nil
}

// commit persists changes to a cached meeting. Claiming the revision first
// takes the meeting's row lock and fails with ErrConflict when another
// registry committed since st was loaded.
func (r *Registry) commit(ctx context.Context, st *sessionState, actorID uuid.UUID, writes func(txCtx context.Context) error) error {
	err := r.persist(ctx, st.meeting, actorID, func(txCtx context.Context) error {
		if err := r.meetings.ClaimRevision(txCtx, st.meeting.ID(), st.revision); err != nil {
			return err
		}
		return writes(txCtx)
	})
	if err != nil {
		return err
	}
	st.revision++
	return nil
}

// trackLive keeps the active sessions gauge in step with the meetings this
// registry has seen live, whichever process started them.
func (r *Registry) trackLive(id uuid.UUID, live bool) {
	r.liveMu.Lock()
	defer r.liveMu.Unlock()
	_, known := r.live[id]
	switch {
	case live && !known:
		r.live[id] = struct{}{}
	case !live && known:
		delete(r.live, id)
	default:
		return
	}
	r.metrics.Gauge(observability.MetricActiveSessions, float64(len(r.live)))
}

// persist saves the meeting's pending events to the outbox in the same unit
// of work as writes.
func (r *Registry) persist(ctx context.Context, m *domain.Meeting, actorID uuid.UUID, writes func(txCtx context.Context) error) error {
	events := m.PullDomainEvents()
	sharedApplication.ApplyEventMetadata(events, sharedApplication.EventMetadataFromContext(ctx, actorID))
	msgs, err := outbox.NewMessages(events)
	if err != nil {
		return err
	}
	return sharedApplication.WithUnitOfWork(ctx, r.uow, func(txCtx context.Context) error {
		if err := writes(txCtx); err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		return r.outbox.SaveBatch(txCtx, msgs)
	})
}

func (r *Registry) sessionCompleted(ctx context.Context, m *domain.Meeting, now time.Time) {
	r.metrics.Counter(observability.MetricSessionsCompleted, 1)
	r.logger.InfoContext(ctx, "session completed", observability.MeetingIDKey, m.ID())
	r.broadcast(ctx, m.ID(), protocol.SessionEnded{Status: string(m.Status()), Timestamp: now})
}

func (r *Registry) broadcast(ctx context.Context, meetingID uuid.UUID, msg protocol.ServerMessage) {
	if r.broadcaster == nil {
		return
	}
	if err := r.broadcaster.Publish(ctx, meetingID, msg); err != nil {
		r.logger.WarnContext(ctx, "failed to broadcast",
			observability.MeetingIDKey, meetingID,
			"type", msg.MessageType(),
			"error", err,
		)
	}
}

func (r *Registry) isStaff(ctx context.Context, actorID uuid.UUID) (bool, error) {
	if actorID == uuid.Nil {
		return false, nil
	}
	account, err := r.accounts.FindByID(ctx, actorID)
	if err != nil {
		return false, fmt.Errorf("failed to load account: %w", err)
	}
	return account != nil && account.IsStaff, nil
}

func (r *Registry) authorize(ctx context.Context, action string, actorID uuid.UUID, staff bool, m *domain.Meeting) error {
	allowed, err := r.policy.Allow(ctx, domain.AccessRequest{
		Action:       action,
		ActorID:      actorID,
		ActorIsStaff: staff,
		MeetingID:    m.ID(),
		OwnerID:      m.CreatedBy(),
		Status:       m.Status(),
	})
	if err != nil {
		return fmt.Errorf("failed to evaluate access policy: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%s on meeting %s: %w", action, m.ID(), domain.ErrUnauthorized)
	}
	return nil
}

func (s *sessionState) atCapacity() bool {
	limit := s.meeting.Settings().MaxParticipants
	return limit > 0 && s.activeCount() >= limit
}

// speaker returns the active participant allowed to add to the transcript.
func (s *sessionState) speaker(participantID uuid.UUID) (*domain.Participant, error) {
	if s.meeting.Status() != domain.StatusLive {
		return nil, fmt.Errorf("meeting is %s: %w", s.meeting.Status(), domain.ErrInvalidState)
	}
	p, ok := s.participants[participantID]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", participantID, domain.ErrNotFound)
	}
	if !p.IsActive() {
		return nil, fmt.Errorf("participant %s has left: %w", participantID, domain.ErrInvalidState)
	}
	return p, nil
}

func participantActor(p *domain.Participant) uuid.UUID {
	if uid := p.UserID(); uid != nil {
		return *uid
	}
	return uuid.Nil
}

func accountName(a *domain.Account) string {
	if name := strings.TrimSpace(a.DisplayName); name != "" {
		return name
	}
	return a.Email
}

func firstLanguage(candidates ...string) string {
	for _, c := range candidates {
		if lang := domain.NormalizeLanguage(c); lang != "" {
			return lang
		}
	}
	return ""
}

// newJoinToken takes 8 hex characters from a random uuid.
func newJoinToken() string {
	return uuid.NewString()[:8]
}
