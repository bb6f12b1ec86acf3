// Package archive uploads finished meeting transcripts to a WebDAV share.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

// Config locates the share.
type Config struct {
	URL      string
	Username string
	Password string
	// Dir is the collection transcripts are written to. It is created on
	// first use.
	Dir        string
	HTTPClient *http.Client
}

// Sources are the repositories a transcript is rendered from.
type Sources struct {
	Meetings     domain.MeetingRepository
	Participants domain.ParticipantRepository
	Transcripts  domain.TranscriptRepository
}

// Archiver consumes meetings.session.completed and writes one plain-text
// transcript per meeting with recording enabled. Uploads overwrite, so
// redelivery is harmless.
type Archiver struct {
	client       *webdav.Client
	dir          string
	meetings     domain.MeetingRepository
	participants domain.ParticipantRepository
	transcripts  domain.TranscriptRepository
	logger       *slog.Logger
}

// New creates an archiver for cfg.
func New(cfg Config, sources Sources, logger *slog.Logger) (*Archiver, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webdav url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	var transport webdav.HTTPClient = httpClient
	if cfg.Username != "" {
		transport = webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password)
	}
	client, err := webdav.NewClient(transport, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}
	dir := "/" + strings.Trim(cfg.Dir, "/")
	return &Archiver{
		client:       client,
		dir:          dir,
		meetings:     sources.Meetings,
		participants: sources.Participants,
		transcripts:  sources.Transcripts,
		logger:       logger.With("component", "archive"),
	}, nil
}

func (a *Archiver) EventTypes() []string {
	return []string{domain.RoutingSessionCompleted}
}

func (a *Archiver) Handle(ctx context.Context, event *eventbus.ConsumedEvent) error {
	var completed domain.SessionCompleted
	if err := event.DecodePayload(&completed); err != nil {
		return err
	}
	if completed.MeetingID == uuid.Nil {
		completed.MeetingID = event.AggregateID
	}
	name, err := a.Archive(ctx, completed.MeetingID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.logger.Warn("completed meeting not found, nothing to archive", observability.MeetingIDKey, completed.MeetingID)
		return nil
	case err != nil:
		return err
	case name == "":
		a.logger.Debug("recording disabled, transcript not archived", observability.MeetingIDKey, completed.MeetingID)
		return nil
	}
	a.logger.Info("transcript archived", observability.MeetingIDKey, completed.MeetingID, "path", name)
	return nil
}

// Archive renders and uploads the transcript of a completed meeting and
// returns its path on the share. A meeting with recording disabled is
// skipped with an empty path.
func (a *Archiver) Archive(ctx context.Context, meetingID uuid.UUID) (string, error) {
	meeting, err := a.meetings.FindByID(ctx, meetingID)
	if err != nil {
		return "", fmt.Errorf("failed to load meeting: %w", err)
	}
	if meeting == nil {
		return "", fmt.Errorf("meeting %s: %w", meetingID, domain.ErrNotFound)
	}
	if meeting.Status() != domain.StatusCompleted {
		return "", fmt.Errorf("meeting %s is %s: %w", meetingID, meeting.Status(), domain.ErrInvalidState)
	}
	if !meeting.Settings().EnableRecording {
		return "", nil
	}

	body, err := a.render(ctx, meeting)
	if err != nil {
		return "", err
	}
	if err := a.ensureDir(ctx); err != nil {
		return "", err
	}

	name := path.Join(a.dir, fmt.Sprintf("%s-%s.txt", meeting.EndTime().UTC().Format("2006-01-02"), meeting.ID()))
	w, err := a.client.Create(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", name, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", name, err)
	}
	return name, nil
}

func (a *Archiver) ensureDir(ctx context.Context) error {
	if a.dir == "/" {
		return nil
	}
	if _, err := a.client.Stat(ctx, a.dir); err == nil {
		return nil
	}
	if err := a.client.Mkdir(ctx, a.dir); err != nil {
		return fmt.Errorf("failed to create %s: %w", a.dir, err)
	}
	return nil
}

func (a *Archiver) render(ctx context.Context, meeting *domain.Meeting) (string, error) {
	segments, err := a.transcripts.ListSegments(ctx, meeting.ID())
	if err != nil {
		return "", fmt.Errorf("failed to list segments: %w", err)
	}
	translations, err := a.transcripts.LatestTranslations(ctx, meeting.ID())
	if err != nil {
		return "", fmt.Errorf("failed to load translations: %w", err)
	}
	participants, err := a.participants.ListByMeeting(ctx, meeting.ID())
	if err != nil {
		return "", fmt.Errorf("failed to list participants: %w", err)
	}
	names := make(map[uuid.UUID]string, len(participants))
	for _, p := range participants {
		names[p.ID()] = p.DisplayName()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", meeting.Title())
	fmt.Fprintf(&b, "Meeting: %s\n", meeting.ID())
	fmt.Fprintf(&b, "Started: %s\n", meeting.StartTime().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Ended:   %s\n", meeting.EndTime().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Segments: %d\n\n", len(segments))

	for _, seg := range segments {
		speaker := names[seg.ParticipantID]
		if speaker == "" {
			speaker = "Unknown"
		}
		fmt.Fprintf(&b, "[%04d %s] %s (%s): %s\n",
			seg.Sequence, seg.CreatedAt.UTC().Format("15:04:05"), speaker, seg.OriginalLanguage, seg.OriginalText)

		langs := make([]string, 0, len(translations[seg.ID]))
		for lang := range translations[seg.ID] {
			langs = append(langs, lang)
		}
		slices.Sort(langs)
		for _, lang := range langs {
			fmt.Fprintf(&b, "    %s: %s\n", lang, translations[seg.ID][lang])
		}
	}
	return b.String(), nil
}
