package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/interpreta/adapter/api"
	"github.com/felixgeelhaar/interpreta/adapter/ws"
	"github.com/felixgeelhaar/interpreta/internal/broadcast"
	"github.com/felixgeelhaar/interpreta/internal/broadcast/amqpbus"
	"github.com/felixgeelhaar/interpreta/internal/broadcast/pgnotify"
	"github.com/felixgeelhaar/interpreta/internal/broadcast/redisbus"
	"github.com/felixgeelhaar/interpreta/internal/meetings/application/pipeline"
	"github.com/felixgeelhaar/interpreta/internal/meetings/application/registry"
	"github.com/felixgeelhaar/interpreta/internal/meetings/application/suggestions"
	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/meetings/infrastructure/adapters"
	"github.com/felixgeelhaar/interpreta/internal/meetings/infrastructure/archive"
	"github.com/felixgeelhaar/interpreta/internal/meetings/infrastructure/persistence"
	"github.com/felixgeelhaar/interpreta/internal/meetings/infrastructure/policy"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/convert"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/database/postgres"
	_ "github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/database/sqlite" // Register SQLite driver
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/interpreta/internal/telemetry"
	"github.com/felixgeelhaar/interpreta/pkg/config"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

// Container holds all application dependencies.
type Container struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *observability.InMemoryMetrics

	Telemetry *telemetry.Provider

	// Storage. DBConn is nil for the memory driver.
	DBConn   database.Connection
	DBDriver string
	Repos    Repositories

	// Broadcast
	RedisClient *redis.Client
	Bus         broadcast.Bus
	Router      *broadcast.Router

	// Adapters
	Transcriber domain.Transcriber
	Translator  domain.Translator
	Policy      *policy.OPA

	// Application services
	Registry    *registry.Registry
	Pipeline    *pipeline.Pipeline
	Suggestions *suggestions.Service

	// Lifecycle events
	EventPublisher  eventbus.Publisher
	OutboxProcessor *outbox.Processor
	Archiver        *archive.Archiver

	// Surfaces
	Health     *observability.HealthRegistry
	Gateway    *ws.Gateway
	HTTPServer *api.Server

	closers []func()
}

// NewContainer wires the application for cfg. In development every optional
// backend that cannot be reached falls back to its in-process stand-in; in
// other environments the failure is returned.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewInMemoryMetrics(),
		Health:  observability.NewHealthRegistry(),
	}
	fail := func(err error) (*Container, error) {
		c.Close()
		return nil, err
	}

	tp, err := telemetry.New(ctx, telemetry.Config{
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		ServiceName:    "interpreta",
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.AppEnv,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to configure tracing: %w", err))
	}
	tp.SetGlobal()
	c.Telemetry = tp

	if err := c.initStore(ctx); err != nil {
		return fail(err)
	}
	if cfg.IsDevelopment() {
		account, err := ensureOperatorAccount(ctx, c.Repos.Accounts, cfg.OperatorAccountID)
		if err != nil {
			return fail(err)
		}
		logger.Info("operator account ready", "account_id", account.ID)
	}

	if err := c.initBroadcast(ctx); err != nil {
		return fail(err)
	}
	c.Router = broadcast.NewRouter(c.Bus, cfg.BroadcastQueueSize, logger, c.Metrics)

	if err := c.initAdapters(ctx); err != nil {
		return fail(err)
	}

	opa, err := policy.New(ctx, cfg.PolicyFile, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to load access policy: %w", err))
	}
	c.Policy = opa
	c.Health.Register("policy", observability.PingChecker("policy", observability.HealthStatusUnhealthy, opa.HealthCheck))

	c.Registry = registry.New(registry.Dependencies{
		Meetings:     c.Repos.Meetings,
		Participants: c.Repos.Participants,
		Transcripts:  c.Repos.Transcripts,
		Accounts:     c.Repos.Accounts,
		Outbox:       c.Repos.Outbox,
		UnitOfWork:   c.Repos.UnitOfWork,
		Broadcaster:  c.Router,
		Policy:       c.Policy,
		Logger:       logger,
		Metrics:      c.Metrics,
	})
	c.Pipeline = pipeline.New(pipeline.Dependencies{
		Sessions:       c.Registry,
		Transcripts:    c.Repos.Transcripts,
		Transcriber:    c.Transcriber,
		Translator:     c.Translator,
		Broadcaster:    c.Router,
		Logger:         logger,
		Metrics:        c.Metrics,
		TracerProvider: tp.TracerProvider,
		Config: pipeline.Config{
			TranslateTimeout: cfg.TranslateTimeout,
			MaxConcurrency:   cfg.TranslateMaxConcurrency,
			PersistChat:      cfg.PersistChat,
		},
	})
	c.Suggestions = suggestions.NewService(nil, logger, c.Metrics)

	if err := c.initEvents(); err != nil {
		return fail(err)
	}

	c.Gateway = ws.New(ws.Dependencies{
		Sessions:    c.Registry,
		Pipeline:    c.Pipeline,
		Suggestions: c.Suggestions,
		Router:      c.Router,
		Auth:        ws.NewAuthenticator(cfg.AuthJWTSecret, cfg.AuthJWTIssuer),
		Logger:      logger,
		Metrics:     c.Metrics,
		Config: ws.Config{
			WriteTimeout:    cfg.WSWriteTimeout,
			PongWait:        cfg.WSPongWait,
			MaxMessageBytes: cfg.WSMaxMessageBytes,
			AllowedOrigins:  cfg.WSAllowedOrigins,
		},
	})
	serverCfg := api.DefaultServerConfig()
	serverCfg.Addr = cfg.HTTPAddr
	c.HTTPServer = api.NewServer(serverCfg, c.Health, logger, c.Gateway)

	return c, nil
}

func (c *Container) initStore(ctx context.Context) error {
	cfg := c.Config
	if cfg.DatabaseDriver == DriverMemory {
		c.DBDriver = DriverMemory
		c.Repos = NewMemoryRepositories(persistence.NewMemoryStore())
		c.Logger.Warn("using in-memory store; nothing will be persisted")
		c.Health.Register("store", observability.PingChecker("store", observability.HealthStatusUnhealthy, c.Repos.Ping))
		return nil
	}

	conn, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	c.DBConn = conn
	c.DBDriver = conn.Driver().String()
	c.Logger.Info("connected to database", "driver", c.DBDriver)

	// SQLite is a single-user local file, so its schema follows the binary.
	// PostgreSQL is migrated explicitly with `interpreta migrate up`.
	if conn.Driver() == database.DriverSQLite {
		if err := migrations.Run(ctx, conn, "", migrations.Up); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	repos, err := NewSQLRepositories(conn)
	if err != nil {
		return err
	}
	c.Repos = repos
	c.Health.Register("store", observability.PingChecker("store", observability.HealthStatusUnhealthy, conn.Ping))
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (c *Container) initBroadcast(ctx context.Context) error {
	cfg := c.Config
	var (
		bus broadcast.Bus
		err error
	)
	switch cfg.BroadcastBackend {
	case config.BroadcastRedis:
		bus, err = c.redisBus(ctx)
	case config.BroadcastRabbitMQ:
		bus, err = amqpbus.Dial(cfg.RabbitMQURL, c.Logger)
	case config.BroadcastPostgres:
		bus, err = c.notifyBus()
	default:
		c.Bus = broadcast.NewLocalBus()
		return nil
	}
	if err != nil {
		if !cfg.IsDevelopment() {
			return fmt.Errorf("failed to start %s broadcast bus: %w", cfg.BroadcastBackend, err)
		}
		c.Logger.Warn("broadcast bus not available, using in-process bus",
			"backend", cfg.BroadcastBackend, "error", err)
		c.Bus = broadcast.NewLocalBus()
		return nil
	}
	c.Bus = bus
	if p, ok := bus.(pinger); ok {
		c.Health.Register("broadcast", observability.PingChecker("broadcast", observability.HealthStatusUnhealthy, p.Ping))
	}
	c.Logger.Info("broadcast bus ready", "backend", cfg.BroadcastBackend)
	return nil
}

func (c *Container) redisBus(ctx context.Context) (broadcast.Bus, error) {
	opt, err := redis.ParseURL(c.Config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	c.RedisClient = client
	c.Logger.Info("connected to Redis")
	return redisbus.New(client, c.Logger), nil
}

// notifyBus publishes through the store's pool and listens on a dedicated
// lib/pq connection.
func (c *Container) notifyBus() (broadcast.Bus, error) {
	pg, ok := c.DBConn.(*postgres.Connection)
	if !ok {
		return nil, errors.New("the postgres broadcast backend requires a PostgreSQL store")
	}
	return pgnotify.Open(c.Config.DatabaseURL, pg.Pool(), c.Logger), nil
}

func (c *Container) initAdapters(ctx context.Context) error {
	cfg := c.Config
	breaker := adapters.DefaultBreakerConfig()
	if cfg.BreakerFailureThreshold > 0 {
		breaker.FailureThreshold = convert.IntToUint32Clamped(cfg.BreakerFailureThreshold)
	}
	if cfg.BreakerOpenTimeout > 0 {
		breaker.OpenTimeout = cfg.BreakerOpenTimeout
	}

	var translator domain.Translator
	switch {
	case cfg.TranslatePlugin != "":
		p, err := adapters.LaunchTranslator(cfg.TranslatePlugin, c.Logger)
		if err != nil {
			return fmt.Errorf("failed to launch translator plugin: %w", err)
		}
		c.closers = append(c.closers, p.Close)
		translator = p
	case cfg.TranslateURL != "":
		t, err := adapters.NewHTTPTranslator(ctx, adapters.HTTPTranslatorConfig{
			URL:    cfg.TranslateURL,
			APIKey: cfg.TranslateAPIKey,
			OAuth: adapters.OAuthConfig{
				TokenURL:     cfg.TranslateOAuthTokenURL,
				ClientID:     cfg.TranslateOAuthClientID,
				ClientSecret: cfg.TranslateOAuthClientSecret,
				Scopes:       cfg.TranslateOAuthScopes,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to configure translator: %w", err)
		}
		translator = t
	case cfg.IsDevelopment():
		c.Logger.Warn("no translation service configured, using tagging translator")
		translator = adapters.TaggingTranslator{}
	default:
		return errors.New("TRANSLATE_URL or TRANSLATE_PLUGIN is required outside development")
	}

	var transcriber domain.Transcriber
	switch {
	case cfg.TranscribePlugin != "":
		p, err := adapters.LaunchTranscriber(cfg.TranscribePlugin, c.Logger)
		if err != nil {
			return fmt.Errorf("failed to launch transcriber plugin: %w", err)
		}
		c.closers = append(c.closers, p.Close)
		transcriber = p
	case cfg.TranscribeURL != "":
		t, err := adapters.NewHTTPTranscriber(adapters.HTTPTranscriberConfig{
			URL:    cfg.TranscribeURL,
			APIKey: cfg.TranscribeAPIKey,
			Model:  cfg.TranscribeModel,
		})
		if err != nil {
			return fmt.Errorf("failed to configure transcriber: %w", err)
		}
		transcriber = t
	case cfg.IsDevelopment():
		c.Logger.Warn("no transcription service configured, using echo transcriber")
		transcriber = adapters.EchoTranscriber{}
	default:
		return errors.New("TRANSCRIBE_URL or TRANSCRIBE_PLUGIN is required outside development")
	}

	c.Translator = adapters.NewBreakingTranslator(translator, breaker, c.Logger)
	c.Transcriber = adapters.NewBreakingTranscriber(transcriber, breaker, c.Logger)
	return nil
}

// initEvents builds the archiver, the lifecycle event publisher and the
// outbox relay. The relay is started by the serve and worker commands.
func (c *Container) initEvents() error {
	cfg := c.Config
	if cfg.ArchiveWebDAVURL != "" {
		a, err := archive.New(archive.Config{
			URL:      cfg.ArchiveWebDAVURL,
			Username: cfg.ArchiveWebDAVUser,
			Password: cfg.ArchiveWebDAVPassword,
			Dir:      cfg.ArchiveWebDAVDir,
		}, archive.Sources{
			Meetings:     c.Repos.Meetings,
			Participants: c.Repos.Participants,
			Transcripts:  c.Repos.Transcripts,
		}, c.Logger)
		if err != nil {
			return fmt.Errorf("failed to configure archive: %w", err)
		}
		c.Archiver = a
	}

	var (
		publisher *eventbus.RabbitMQPublisher
		err       error
	)
	if cfg.RabbitMQURL == "" {
		err = errors.New("RABBITMQ_URL is not set")
	} else {
		publisher, err = eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, c.Logger)
	}
	switch {
	case err == nil:
		c.EventPublisher = publisher
		c.Health.Register("events", observability.PingChecker("events", observability.HealthStatusDegraded, publisher.Ping))
	case cfg.IsDevelopment():
		c.Logger.Warn("RabbitMQ not available, delivering lifecycle events in process", "error", err)
		local := eventbus.NewInProcessEventBus(c.Logger)
		for _, consumer := range c.Consumers() {
			local.RegisterConsumer(consumer)
		}
		c.EventPublisher = local
	default:
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	processorCfg := outbox.DefaultProcessorConfig()
	processorCfg.PollInterval = cfg.OutboxPollInterval
	processorCfg.BatchSize = cfg.OutboxBatchSize
	processorCfg.MaxRetries = cfg.OutboxMaxRetries
	processorCfg.RetentionDays = cfg.OutboxRetentionDays
	processorCfg.CleanupInterval = cfg.OutboxCleanupInterval
	c.OutboxProcessor = outbox.NewProcessor(c.Repos.Outbox, c.EventPublisher, processorCfg, c.Logger).WithMetrics(c.Metrics)
	return nil
}

// Consumers are the lifecycle event handlers this deployment runs.
func (c *Container) Consumers() []eventbus.EventConsumer {
	var consumers []eventbus.EventConsumer
	if c.Archiver != nil {
		consumers = append(consumers, c.Archiver)
	}
	return consumers
}

// EventConsumer is the loop that feeds lifecycle events to Consumers.
type EventConsumer interface {
	Start(ctx context.Context) error
	Close() error
}

// NewEventConsumer returns the worker's consumer loop. With RabbitMQ it is a
// queue consumer; with the in-process bus delivery already happens inside
// the relay, and the bus itself just blocks until ctx is done.
func (c *Container) NewEventConsumer() (EventConsumer, error) {
	if local, ok := c.EventPublisher.(*eventbus.InProcessEventBus); ok {
		return local, nil
	}
	consumer, err := eventbus.NewRabbitMQConsumer(eventbus.RabbitMQConsumerConfig{
		URL:      c.Config.RabbitMQURL,
		Prefetch: c.Config.WorkerPrefetch,
		Logger:   c.Logger,
		Metrics:  c.Metrics,
	})
	if err != nil {
		return nil, err
	}
	for _, h := range c.Consumers() {
		consumer.RegisterConsumer(h)
	}
	return consumer, nil
}

// Close releases resources in reverse dependency order. It is safe on a
// partially built container.
func (c *Container) Close() {
	if c.OutboxProcessor != nil {
		c.OutboxProcessor.Stop()
	}

	// The router owns the bus once built.
	switch {
	case c.Router != nil:
		if err := c.Router.Close(); err != nil {
			c.Logger.Warn("error closing broadcast router", "error", err)
		}
	case c.Bus != nil:
		if err := c.Bus.Close(); err != nil {
			c.Logger.Warn("error closing broadcast bus", "error", err)
		}
	}

	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			c.Logger.Warn("error closing event publisher", "error", err)
		}
	}

	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil

	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Warn("error closing Redis connection", "error", err)
		} else {
			c.Logger.Info("Redis connection closed")
		}
	}

	if c.DBConn != nil {
		if err := c.DBConn.Close(); err != nil {
			c.Logger.Warn("error closing database connection", "error", err)
		} else {
			c.Logger.Info("database connection closed", "driver", c.DBDriver)
		}
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Shutdown(context.Background()); err != nil {
			c.Logger.Warn("error flushing traces", "error", err)
		}
	}
}
