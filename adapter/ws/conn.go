package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/felixgeelhaar/interpreta/internal/broadcast"
	"github.com/felixgeelhaar/interpreta/internal/meetings/application/pipeline"
	"github.com/felixgeelhaar/interpreta/internal/meetings/application/registry"
	"github.com/felixgeelhaar/interpreta/internal/meetings/application/suggestions"
	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/meetings/protocol"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

type conn struct {
	g           *Gateway
	socket      *websocket.Conn
	meetingID   uuid.UUID
	participant registry.ParticipantView
	sub         *broadcast.Subscription
	replies     chan []byte
	logger      *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closing   chan struct{}
	closeOnce sync.Once
}

func newConn(ctx context.Context, g *Gateway, socket *websocket.Conn, meetingID uuid.UUID,
	p registry.ParticipantView, sub *broadcast.Subscription, logger *slog.Logger) *conn {
	ctx, cancel := context.WithCancel(ctx)
	return &conn{
		g:           g,
		socket:      socket,
		meetingID:   meetingID,
		participant: p,
		sub:         sub,
		replies:     make(chan []byte, g.cfg.ReplyQueueSize),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		closing:     make(chan struct{}),
	}
}

func (c *conn) readLoop() {
	defer c.close(websocket.CloseNormalClosure, "")

	pongWait := c.g.cfg.PongWait
	c.socket.SetReadLimit(c.g.cfg.MaxMessageBytes)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Info("connection lost", observability.ErrorKey, err)
			}
			return
		}
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.DecodeClient(data)
		if err != nil {
			c.logger.Debug("ignoring malformed frame", "bytes", len(data), observability.ErrorKey, err)
			c.g.metrics.Counter(observability.MetricFramesInvalid, 1)
			c.reply(protocol.Error{Code: protocol.CodeInvalidInput, Message: err.Error()})
			continue
		}
		if err := c.handle(msg); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.fail(err)
		}
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.g.cfg.pingPeriod())
	defer ticker.Stop()

	for {
		var err error
		select {
		case frame := <-c.sub.C():
			err = c.write(websocket.TextMessage, frame)
		case frame := <-c.replies:
			err = c.write(websocket.TextMessage, frame)
		case <-ticker.C:
			err = c.write(websocket.PingMessage, nil)
		case <-c.sub.Done():
			if errors.Is(c.sub.Err(), broadcast.ErrSlowSubscriber) {
				c.logger.Warn("closing slow connection")
				c.close(websocket.ClosePolicyViolation, "too slow")
			} else {
				c.close(websocket.CloseGoingAway, "")
			}
			return
		case <-c.g.shutdown:
			c.close(websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.closing:
			return
		}
		if err != nil {
			c.logger.Info("write failed", observability.ErrorKey, err)
			c.close(0, "")
			return
		}
	}
}

func (c *conn) write(messageType int, data []byte) error {
	if err := c.socket.SetWriteDeadline(time.Now().Add(c.g.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.socket.WriteMessage(messageType, data)
}

// close is the single cleanup. A zero code skips the close frame.
func (c *conn) close(code int, text string) {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.cancel()
		c.g.router.Unsubscribe(c.sub)
		if code != 0 {
			_ = c.socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(c.g.cfg.WriteTimeout))
		}
		_ = c.socket.Close()
		c.g.leave(c.meetingID, c.participant.ID, c.logger)
		c.g.release()
		c.logger.Info("connection closed")
	})
}

// reply queues a unicast frame behind any pending writes.
func (c *conn) reply(msg protocol.ServerMessage) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("failed to encode reply", "type", msg.MessageType(), observability.ErrorKey, err)
		return
	}
	select {
	case c.replies <- frame:
	case <-c.closing:
	}
}

func (c *conn) fail(err error) {
	code := codeFor(err)
	if code == protocol.CodeInternal {
		c.logger.Error("request failed", observability.ErrorKey, err)
	}
	c.reply(protocol.Error{Code: code, Message: publicMessage(err)})
}

func (c *conn) handle(msg protocol.ClientMessage) error {
	switch m := msg.(type) {
	case protocol.Speech:
		return c.g.pipeline.IngestSpeech(c.ctx, pipeline.SpeechInput{
			MeetingID:     c.meetingID,
			ParticipantID: c.participant.ID,
			Audio:         m.AudioData,
			Locale:        m.Language,
			Timestamp:     m.Timestamp,
		})
	case protocol.ChatMessage:
		return c.g.pipeline.IngestChatText(c.ctx, pipeline.ChatInput{
			MeetingID:     c.meetingID,
			ParticipantID: c.participant.ID,
			Text:          m.Message,
			Language:      m.Language,
			Timestamp:     m.Timestamp,
		})
	case protocol.RequestSuggestions:
		return c.suggest(m)
	case protocol.RequestMeetingInfo:
		return c.meetingInfo()
	case protocol.RequestParticipants:
		return c.participants()
	case protocol.RequestTranscripts:
		return c.transcripts(m)
	case protocol.EndSession:
		return c.g.sessions.EndSession(c.ctx, c.meetingID, c.actor())
	default:
		return fmt.Errorf("%T: %w", msg, protocol.ErrUnknownType)
	}
}

// actor is the account behind the connection; guests act as nobody.
func (c *conn) actor() uuid.UUID {
	if c.participant.UserID == nil {
		return uuid.Nil
	}
	return *c.participant.UserID
}

func (c *conn) meetingInfo() error {
	s, err := c.g.sessions.GetSession(c.ctx, c.meetingID)
	if err != nil {
		return err
	}
	c.reply(protocol.MeetingInfo{
		ID:               s.ID,
		Title:            s.Title,
		Status:           string(s.Status),
		SourceLanguage:   s.SourceLanguage,
		TargetLanguage:   s.TargetLanguage,
		MeetingType:      s.Settings.MeetingType,
		ParticipantCount: s.ActiveParticipants,
		StartTime:        s.StartTime,
		JoinToken:        s.JoinToken,
	})
	return nil
}

func (c *conn) participants() error {
	list, err := c.g.sessions.Participants(c.ctx, c.meetingID)
	if err != nil {
		return err
	}
	out := make([]protocol.ParticipantInfo, 0, len(list))
	for _, p := range list {
		out = append(out, protocol.ParticipantInfo{
			ID:       p.ID,
			Name:     p.Name,
			Language: p.Language,
			IsGuest:  p.UserID == nil,
			JoinedAt: p.JoinedAt,
		})
	}
	c.reply(protocol.ParticipantsList{Participants: out})
	return nil
}

func (c *conn) transcripts(m protocol.RequestTranscripts) error {
	views, err := c.g.pipeline.GetTranscripts(c.ctx, c.meetingID, m.Language)
	if err != nil {
		return err
	}
	out := make([]protocol.TranscriptEntry, 0, len(views))
	for _, v := range views {
		out = append(out, protocol.TranscriptEntry{
			Sequence:         v.Sequence,
			ParticipantID:    v.ParticipantID,
			Kind:             string(v.Kind),
			OriginalText:     v.OriginalText,
			OriginalLanguage: v.OriginalLanguage,
			Text:             v.Text,
			Translations:     v.Translations,
			Timestamp:        v.CreatedAt,
		})
	}
	c.reply(protocol.Transcripts{Language: m.Language, Segments: out})
	return nil
}

func (c *conn) suggest(m protocol.RequestSuggestions) error {
	s, err := c.g.sessions.GetSession(c.ctx, c.meetingID)
	if err != nil {
		return err
	}
	if !s.Settings.EnableSuggestions {
		return fmt.Errorf("suggestions are disabled for this meeting: %w", domain.ErrInvalidState)
	}
	language := m.Language
	if language == "" {
		language = c.participant.Language
	}
	lines, err := c.contextLines(language)
	if err != nil {
		return err
	}
	if text := strings.TrimSpace(m.Context); text != "" {
		lines = append(lines, suggestions.Line{Speaker: c.participant.Name, Text: text})
	}
	meetingType := m.MeetingType
	if meetingType == "" {
		meetingType = s.Settings.MeetingType
	}
	c.reply(protocol.Suggestions{Suggestions: c.g.suggestions.Suggest(c.ctx, suggestions.Request{
		MeetingType: meetingType,
		Role:        suggestions.ParseRole(m.UserRole),
		Language:    language,
		Context:     lines,
	})})
	return nil
}

// contextLines is the tail of the transcript rendered for language.
func (c *conn) contextLines(language string) ([]suggestions.Line, error) {
	views, err := c.g.pipeline.GetTranscripts(c.ctx, c.meetingID, language)
	if err != nil {
		return nil, err
	}
	if len(views) > suggestions.ContextLines {
		views = views[len(views)-suggestions.ContextLines:]
	}
	present, err := c.g.sessions.Participants(c.ctx, c.meetingID)
	if err != nil {
		return nil, err
	}
	names := make(map[uuid.UUID]string, len(present))
	for _, p := range present {
		names[p.ID] = p.Name
	}
	lines := make([]suggestions.Line, 0, len(views)+1)
	for _, v := range views {
		lines = append(lines, suggestions.Line{Speaker: names[v.ParticipantID], Text: v.Text})
	}
	return lines, nil
}
