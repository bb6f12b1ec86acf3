// Package ws is the WebSocket gateway. Each admitted connection is a small
// actor: one goroutine reads and handles client frames, one writes
// broadcasts and replies, and a single cleanup runs on every exit path.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/felixgeelhaar/interpreta/internal/broadcast"
	"github.com/felixgeelhaar/interpreta/internal/meetings/application/pipeline"
	"github.com/felixgeelhaar/interpreta/internal/meetings/application/registry"
	"github.com/felixgeelhaar/interpreta/internal/meetings/application/suggestions"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

// ParticipantHeader is set on the upgrade response so a client learns its
// own participant id.
const ParticipantHeader = "X-Participant-Id"

// Route is the pattern the gateway is mounted on. ref is a meeting id or a
// join token.
const Route = "GET /ws/meetings/{ref}"

// Sessions is the part of the registry the gateway drives.
type Sessions interface {
	ResolveSession(ctx context.Context, ref string) (registry.SessionView, error)
	GetSession(ctx context.Context, id uuid.UUID) (registry.SessionView, error)
	Join(ctx context.Context, id uuid.UUID, req registry.JoinRequest) (registry.ParticipantView, error)
	Leave(ctx context.Context, id, participantID uuid.UUID) error
	EndSession(ctx context.Context, id, actorID uuid.UUID) error
	Participants(ctx context.Context, id uuid.UUID) ([]registry.ParticipantView, error)
}

// Pipeline ingests utterances and serves transcripts.
type Pipeline interface {
	IngestSpeech(ctx context.Context, in pipeline.SpeechInput) error
	IngestChatText(ctx context.Context, in pipeline.ChatInput) error
	GetTranscripts(ctx context.Context, meetingID uuid.UUID, displayLanguage string) ([]pipeline.TranscriptView, error)
}

// Suggester answers request_suggestions.
type Suggester interface {
	Suggest(ctx context.Context, req suggestions.Request) []string
}

// Subscriber is the broadcast router seen from one connection.
type Subscriber interface {
	Subscribe(ctx context.Context, meetingID uuid.UUID, opts broadcast.SubscriberOptions) (*broadcast.Subscription, error)
	Unsubscribe(sub *broadcast.Subscription)
}

// Config tunes connections.
type Config struct {
	WriteTimeout    time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	// AllowedOrigins lists Origin values accepted on upgrade. Empty accepts
	// same-host origins only; "*" accepts any.
	AllowedOrigins []string
	LeaveTimeout   time.Duration
	ReplyQueueSize int
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		PongWait:        60 * time.Second,
		MaxMessageBytes: 1 << 20,
		LeaveTimeout:    5 * time.Second,
		ReplyQueueSize:  16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.LeaveTimeout <= 0 {
		c.LeaveTimeout = d.LeaveTimeout
	}
	if c.ReplyQueueSize <= 0 {
		c.ReplyQueueSize = d.ReplyQueueSize
	}
	return c
}

func (c Config) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// Dependencies wires a Gateway. Auth may be nil, in which case only guests
// can join.
type Dependencies struct {
	Sessions    Sessions
	Pipeline    Pipeline
	Suggestions Suggester
	Router      Subscriber
	Auth        *Authenticator
	Logger      *slog.Logger
	Metrics     observability.Metrics
	Config      Config
}

// Gateway admits WebSocket connections into meetings.
type Gateway struct {
	sessions    Sessions
	pipeline    Pipeline
	suggestions Suggester
	router      Subscriber
	auth        *Authenticator
	logger      *slog.Logger
	metrics     observability.Metrics
	cfg         Config
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	closed   bool
	shutdown chan struct{}
	conns    sync.WaitGroup
	active   int
}

// New creates a gateway.
func New(deps Dependencies) *Gateway {
	g := &Gateway{
		sessions:    deps.Sessions,
		pipeline:    deps.Pipeline,
		suggestions: deps.Suggestions,
		router:      deps.Router,
		auth:        deps.Auth,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		cfg:         deps.Config.withDefaults(),
		shutdown:    make(chan struct{}),
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "gateway")
	if g.metrics == nil {
		g.metrics = observability.NoopMetrics{}
	}
	if g.auth == nil {
		g.auth = NewAuthenticator("", "")
	}
	g.upgrader = websocket.Upgrader{
		HandshakeTimeout: g.cfg.WriteTimeout,
		CheckOrigin:      originChecker(g.cfg.AllowedOrigins),
	}
	return g
}

// Register mounts the gateway on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.Handle(Route, g)
}

// ServeHTTP runs the handshake and then the connection's read loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := observability.NewRequestContext(r.Context(), r.Header.Get("X-Correlation-ID"))
	logger := g.logger.With(observability.CorrelationIDKey, observability.CorrelationIDFromContext(ctx))

	req, err := g.joinRequest(r)
	if err != nil {
		g.reject(w, logger, "authenticate", err)
		return
	}
	session, err := g.sessions.ResolveSession(ctx, r.PathValue("ref"))
	if err != nil {
		g.reject(w, logger, "resolve", err)
		return
	}
	if !g.admitting() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	// Subscribing before Join queues the joiner's own participant_joined
	// and every broadcast committed after it.
	sub, err := g.router.Subscribe(ctx, session.ID, broadcast.SubscriberOptions{})
	if err != nil {
		g.reject(w, logger, "subscribe", err)
		return
	}
	participant, err := g.sessions.Join(ctx, session.ID, req)
	if err != nil {
		g.router.Unsubscribe(sub)
		g.reject(w, logger, "join", err)
		return
	}
	sub.Bind(participant.ID)
	logger = logger.With(
		observability.MeetingIDKey, session.ID,
		observability.ParticipantIDKey, participant.ID,
	)

	if !g.track() {
		g.router.Unsubscribe(sub)
		g.leave(session.ID, participant.ID, logger)
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	header := http.Header{}
	header.Set(ParticipantHeader, participant.ID.String())
	socket, err := g.upgrader.Upgrade(w, r, header)
	if err != nil {
		// The upgrader has already answered with an HTTP error.
		logger.Info("upgrade failed", observability.ErrorKey, err)
		g.router.Unsubscribe(sub)
		g.leave(session.ID, participant.ID, logger)
		g.release()
		return
	}

	connCtx := observability.WithParticipant(observability.WithMeeting(
		observability.WithCorrelationID(context.Background(), observability.CorrelationIDFromContext(ctx)),
		session.ID), participant.ID)
	c := newConn(connCtx, g, socket, session.ID, participant, sub, logger)
	logger.Info("connection active")
	go c.writeLoop()
	c.readLoop()
}

// Active reports how many connections this gateway holds.
func (g *Gateway) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Shutdown stops admitting, closes every connection with a going-away frame
// and waits for their cleanup or ctx.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		close(g.shutdown)
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) joinRequest(r *http.Request) (registry.JoinRequest, error) {
	userID, err := g.auth.Authenticate(r)
	switch {
	case err == nil:
		return registry.JoinRequest{UserID: &userID}, nil
	case errors.Is(err, ErrNoToken):
		q := r.URL.Query()
		return registry.JoinRequest{Guest: &registry.Guest{
			Name:     strings.TrimSpace(q.Get("name")),
			Email:    strings.TrimSpace(q.Get("email")),
			Language: strings.TrimSpace(q.Get("language")),
		}}, nil
	default:
		return registry.JoinRequest{}, err
	}
}

func (g *Gateway) reject(w http.ResponseWriter, logger *slog.Logger, stage string, err error) {
	status := statusFor(err)
	g.metrics.Counter(observability.MetricHandshakeRejected, 1, observability.T("status", http.StatusText(status)))
	if status == http.StatusInternalServerError {
		logger.Error("handshake failed", "stage", stage, observability.ErrorKey, err)
		http.Error(w, "internal error", status)
		return
	}
	logger.Info("handshake rejected", "stage", stage, "status", status, observability.ErrorKey, err)
	http.Error(w, err.Error(), status)
}

// leave runs detached from the request so a vanished client still leaves.
func (g *Gateway) leave(meetingID, participantID uuid.UUID, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.LeaveTimeout)
	defer cancel()
	if err := g.sessions.Leave(ctx, meetingID, participantID); err != nil {
		logger.Warn("leave failed", observability.ErrorKey, err)
	}
}

func (g *Gateway) admitting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.closed
}

func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns.Add(1)
	g.active++
	g.metrics.Gauge(observability.MetricConnections, float64(g.active))
	return true
}

func (g *Gateway) release() {
	g.mu.Lock()
	g.active--
	g.metrics.Gauge(observability.MetricConnections, float64(g.active))
	g.mu.Unlock()
	g.conns.Done()
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil // gorilla's same-host check
	}
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}
