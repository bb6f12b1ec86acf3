// Package pipeline turns speech and chat events into sequenced transcript
// segments, translates them for every language in the room and publishes
// one aggregated broadcast per event.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/interpreta/internal/meetings/application/registry"
	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/meetings/protocol"
	sharedDomain "github.com/felixgeelhaar/interpreta/internal/shared/domain"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

const tracerName = "github.com/felixgeelhaar/interpreta/internal/meetings/application/pipeline"

// Defaults applied when Config leaves a field zero.
const (
	DefaultTranslateTimeout = 5 * time.Second
	DefaultMaxConcurrency   = 8
)

// Sessions is the part of the registry the pipeline drives.
type Sessions interface {
	GetSession(ctx context.Context, id uuid.UUID) (registry.SessionView, error)
	AppendSegment(ctx context.Context, in registry.SegmentInput) (domain.TranscriptSegment, registry.Audience, error)
	Audience(ctx context.Context, meetingID, participantID uuid.UUID, language string) (registry.Audience, error)
	RecordTranslations(ctx context.Context, meetingID uuid.UUID, translations []domain.Translation) error
}

// Config tunes translation fan-out.
type Config struct {
	TranslateTimeout time.Duration
	MaxConcurrency   int
	// PersistChat stores chat as transcript segments with a sequence number.
	PersistChat bool
}

// Dependencies wires a Pipeline.
type Dependencies struct {
	Sessions       Sessions
	Transcripts    domain.TranscriptRepository
	Transcriber    domain.Transcriber
	Translator     domain.Translator
	Broadcaster    registry.Broadcaster
	Clock          sharedDomain.Clock
	Logger         *slog.Logger
	Metrics        observability.Metrics
	TracerProvider trace.TracerProvider
	Config         Config
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	sessions    Sessions
	transcripts domain.TranscriptRepository
	transcriber domain.Transcriber
	translator  domain.Translator
	broadcaster registry.Broadcaster
	clock       sharedDomain.Clock
	logger      *slog.Logger
	metrics     observability.Metrics
	tracer      trace.Tracer
	config      Config
}

// New creates a pipeline.
func New(deps Dependencies) *Pipeline {
	p := &Pipeline{
		sessions:    deps.Sessions,
		transcripts: deps.Transcripts,
		transcriber: deps.Transcriber,
		translator:  deps.Translator,
		broadcaster: deps.Broadcaster,
		clock:       deps.Clock,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		config:      deps.Config,
	}
	if p.clock == nil {
		p.clock = sharedDomain.SystemClock{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pipeline")
	if p.metrics == nil {
		p.metrics = observability.NoopMetrics{}
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	p.tracer = tp.Tracer(tracerName)
	if p.config.TranslateTimeout <= 0 {
		p.config.TranslateTimeout = DefaultTranslateTimeout
	}
	if p.config.MaxConcurrency <= 0 {
		p.config.MaxConcurrency = DefaultMaxConcurrency
	}
	return p
}

// SpeechInput is one audio chunk from a participant. Timestamp is the
// client's own and is only echoed back for display.
type SpeechInput struct {
	MeetingID     uuid.UUID
	ParticipantID uuid.UUID
	Audio         []byte
	Locale        string
	Timestamp     string
}

// ChatInput is one typed message.
type ChatInput struct {
	MeetingID     uuid.UUID
	ParticipantID uuid.UUID
	Text          string
	Language      string
	Timestamp     string
}

// IngestSpeech transcribes, sequences, translates and broadcasts one audio
// chunk. A failed or empty transcription drops the chunk and returns nil.
func (p *Pipeline) IngestSpeech(ctx context.Context, in SpeechInput) (err error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.IngestSpeech", trace.WithAttributes(
		attribute.String("meeting.id", in.MeetingID.String()),
		attribute.String("participant.id", in.ParticipantID.String()),
		attribute.Int("audio.bytes", len(in.Audio)),
	))
	defer func() { endSpan(span, err) }()

	logger := p.logger.With(
		observability.MeetingIDKey, in.MeetingID,
		observability.ParticipantIDKey, in.ParticipantID,
	)
	language := domain.NormalizeLanguage(in.Locale)

	text, terr := p.transcriber.Transcribe(ctx, in.Audio, in.Locale)
	if terr != nil {
		logger.Warn("transcription failed, dropping speech", "error", terr)
		p.metrics.Counter(observability.MetricSpeechDropped, 1, observability.T("reason", "transcription_failed"))
		return nil
	}
	if isBlank(text) {
		p.metrics.Counter(observability.MetricSpeechDropped, 1, observability.T("reason", "empty"))
		return nil
	}

	segment, audience, err := p.sessions.AppendSegment(ctx, registry.SegmentInput{
		MeetingID:     in.MeetingID,
		ParticipantID: in.ParticipantID,
		Kind:          domain.KindSpeech,
		Text:          text,
		Language:      language,
	})
	if err != nil {
		return err
	}
	p.metrics.Counter(observability.MetricSegmentsPersisted, 1, observability.T("kind", string(domain.KindSpeech)))

	translations := p.translateAll(ctx, logger, segment.OriginalText, segment.OriginalLanguage, audience.Targets)
	p.record(ctx, logger, segment, translations)

	return p.publish(ctx, in.MeetingID, protocol.SpeechBroadcast{
		Utterance: p.utterance(audience.Speaker, segment.Sequence, segment.OriginalText, segment.OriginalLanguage, translations, in.Timestamp),
	})
}

// IngestChatText fans a chat message out to every language in the room.
func (p *Pipeline) IngestChatText(ctx context.Context, in ChatInput) (err error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.IngestChatText", trace.WithAttributes(
		attribute.String("meeting.id", in.MeetingID.String()),
		attribute.String("participant.id", in.ParticipantID.String()),
		attribute.Bool("chat.persisted", p.config.PersistChat),
	))
	defer func() { endSpan(span, err) }()

	if isBlank(in.Text) {
		return fmt.Errorf("chat message is empty: %w", domain.ErrInvalidInput)
	}
	logger := p.logger.With(
		observability.MeetingIDKey, in.MeetingID,
		observability.ParticipantIDKey, in.ParticipantID,
	)

	var (
		audience registry.Audience
		sequence int64
		text     string
		language string
		segment  domain.TranscriptSegment
	)
	if p.config.PersistChat {
		segment, audience, err = p.sessions.AppendSegment(ctx, registry.SegmentInput{
			MeetingID:     in.MeetingID,
			ParticipantID: in.ParticipantID,
			Kind:          domain.KindChat,
			Text:          in.Text,
			Language:      domain.NormalizeLanguage(in.Language),
		})
		if err != nil {
			return err
		}
		p.metrics.Counter(observability.MetricSegmentsPersisted, 1, observability.T("kind", string(domain.KindChat)))
		sequence, text, language = segment.Sequence, segment.OriginalText, segment.OriginalLanguage
	} else {
		audience, err = p.sessions.Audience(ctx, in.MeetingID, in.ParticipantID, domain.NormalizeLanguage(in.Language))
		if err != nil {
			return err
		}
		text = trimmed(in.Text)
		language = firstNonEmpty(domain.NormalizeLanguage(in.Language), audience.Speaker.Language)
	}

	translations := p.translateAll(ctx, logger, text, language, audience.Targets)
	if p.config.PersistChat {
		p.record(ctx, logger, segment, translations)
	}

	return p.publish(ctx, in.MeetingID, protocol.ChatBroadcast{
		Utterance: p.utterance(audience.Speaker, sequence, text, language, translations, in.Timestamp),
	})
}

// translateAll translates text into every target concurrently. Failed
// languages are logged and left out of the result.
func (p *Pipeline) translateAll(ctx context.Context, logger *slog.Logger, text, source string, targets []string) map[string]string {
	out := make(map[string]string, len(targets))
	if len(targets) == 0 {
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.MaxConcurrency)
	for _, target := range targets {
		g.Go(func() error {
			translated, err := p.translateOne(gctx, text, source, target)
			if err != nil {
				logger.Warn("translation failed", "source", source, "target", target, "error", err)
				p.metrics.Counter(observability.MetricTranslationFailures, 1, observability.T("lang", target))
				return nil
			}
			mu.Lock()
			out[target] = translated
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *Pipeline) translateOne(ctx context.Context, text, source, target string) (translated string, err error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.translate", trace.WithAttributes(
		attribute.String("translate.source", source),
		attribute.String("translate.target", target),
	))
	defer func() { endSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, p.config.TranslateTimeout)
	defer cancel()

	start := time.Now()
	translated, err = p.translator.Translate(ctx, text, source, target)
	p.metrics.Timing(observability.MetricTranslationLatency, time.Since(start), observability.T("lang", target))
	if err != nil {
		return "", err
	}
	p.metrics.Counter(observability.MetricTranslations, 1, observability.T("lang", target))
	p.metrics.Histogram(observability.MetricTranslatedChars, float64(utf8.RuneCountInString(text)))
	return translated, nil
}

// record persists one row per successful language. A storage failure is
// logged; the broadcast still goes out.
func (p *Pipeline) record(ctx context.Context, logger *slog.Logger, segment domain.TranscriptSegment, translations map[string]string) {
	if len(translations) == 0 {
		return
	}
	now := p.clock.Now()
	rows := make([]domain.Translation, 0, len(translations))
	for lang, text := range translations {
		rows = append(rows, domain.NewTranslation(segment.ID, lang, text, now))
	}
	if err := p.sessions.RecordTranslations(ctx, segment.MeetingID, rows); err != nil {
		logger.Error("failed to persist translations", "segment_id", segment.ID, "error", err)
	}
}

func (p *Pipeline) utterance(speaker registry.ParticipantView, seq int64, text, language string, translations map[string]string, clientTS string) protocol.Utterance {
	return protocol.Utterance{
		ParticipantID:    speaker.ID,
		Name:             speaker.Name,
		Sequence:         seq,
		OriginalText:     text,
		OriginalLanguage: language,
		Translations:     translations,
		Timestamp:        p.clock.Now().UTC(),
		ClientTimestamp:  clientTS,
	}
}

func (p *Pipeline) publish(ctx context.Context, meetingID uuid.UUID, msg protocol.ServerMessage) error {
	if err := p.broadcaster.Publish(ctx, meetingID, msg); err != nil {
		return fmt.Errorf("failed to broadcast %s: %w", msg.MessageType(), err)
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
