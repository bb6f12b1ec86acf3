package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

// ProcessorConfig holds configuration for the outbox processor.
type ProcessorConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	// PublishTimeout bounds one broker publish, confirm included.
	PublishTimeout time.Duration
	// RetentionDays and CleanupInterval drive deletion of published rows;
	// zero disables cleanup.
	RetentionDays   int
	CleanupInterval time.Duration
}

// DefaultProcessorConfig returns the relay defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval:     100 * time.Millisecond,
		BatchSize:        100,
		MaxRetries:       5,
		RetryBackoffBase: time.Second,
		RetryBackoffMax:  time.Minute,
		PublishTimeout:   5 * time.Second,
		RetentionDays:    14,
		CleanupInterval:  24 * time.Hour,
	}
}

// Processor relays outbox rows to the broker. Rows for one aggregate are
// published in order: when a meeting's event fails, the rest of that
// meeting's batch is postponed to the same retry time, so a consumer never
// sees session.completed ahead of a session.started still being retried.
type Processor struct {
	repo      Repository
	publisher eventbus.Publisher
	config    ProcessorConfig
	logger    *slog.Logger
	metrics   observability.Metrics

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats

	now func() time.Time
}

// NewProcessor creates a new outbox processor.
func NewProcessor(repo Repository, publisher eventbus.Publisher, config ProcessorConfig, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		repo:      repo,
		publisher: publisher,
		config:    config,
		logger:    logger.With("component", "outbox"),
		metrics:   observability.NoopMetrics{},
		now:       time.Now,
	}
}

// WithMetrics sets the metrics sink.
func (p *Processor) WithMetrics(m observability.Metrics) *Processor {
	if m != nil {
		p.metrics = m
	}
	return p
}

// Start runs the relay loop in the background. Starting a running
// processor is a no-op.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.stop = make(chan struct{})

	p.wg.Add(1)
	go p.loop(ctx, p.stop)

	p.logger.Info("outbox relay started", "poll_interval", p.config.PollInterval, "batch_size", p.config.BatchSize)
	return nil
}

// Stop ends the loop and waits for the batch in flight. It is idempotent.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("outbox relay stopped")
}

// IsRunning reports whether the loop is active.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Processor) loop(ctx context.Context, stop <-chan struct{}) {
	defer p.wg.Done()

	poll := time.NewTicker(p.config.PollInterval)
	defer poll.Stop()

	var cleanup <-chan time.Time
	if p.config.RetentionDays > 0 && p.config.CleanupInterval > 0 {
		t := time.NewTicker(p.config.CleanupInterval)
		defer t.Stop()
		cleanup = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-poll.C:
			if err := p.ProcessOnce(ctx); err != nil {
				p.logger.Error("outbox poll failed", "error", err)
			}
		case <-cleanup:
			p.Cleanup(ctx)
		}
	}
}

// Cleanup deletes published rows past the retention period and returns
// how many went.
func (p *Processor) Cleanup(ctx context.Context) int64 {
	deleted, err := p.repo.DeleteOld(ctx, p.config.RetentionDays)
	if err != nil {
		p.logger.Error("outbox cleanup failed", "error", err)
		return 0
	}
	if deleted > 0 {
		p.logger.Info("outbox cleanup", "deleted", deleted, "retention_days", p.config.RetentionDays)
	}
	return deleted
}

// ProcessOnce relays one batch of due rows synchronously.
func (p *Processor) ProcessOnce(ctx context.Context) error {
	batch, err := p.repo.GetUnpublished(ctx, p.config.BatchSize)
	if err != nil {
		p.note(func(s *Stats) { s.failure(err, p.now()) })
		return err
	}
	p.observeBatch(batch)

	// aggregates with an earlier row still pending, and when it is retried
	held := make(map[uuid.UUID]time.Time)
	for _, msg := range batch {
		if retryAt, ok := held[msg.AggregateID]; ok {
			p.postpone(ctx, msg, retryAt)
			continue
		}
		if err := p.publish(ctx, msg); err != nil {
			if retryAt, retrying := p.fail(ctx, msg, err); retrying {
				held[msg.AggregateID] = retryAt
			}
			continue
		}
		if err := p.repo.MarkPublished(ctx, msg.ID); err != nil {
			// The broker has it; a second publish is absorbed by idempotent consumers.
			p.logger.Error("failed to mark outbox row published", "id", msg.ID, "event_id", msg.EventID, "error", err)
			continue
		}
		p.note(func(s *Stats) { s.PublishedCount++ })
		p.metrics.Counter(observability.MetricEventsPublished, 1, observability.T("routing_key", msg.RoutingKey))
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, msg *Message) error {
	body, err := msg.Envelope()
	if err != nil {
		return err
	}
	if p.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.PublishTimeout)
		defer cancel()
	}
	return p.publisher.Publish(ctx, msg.RoutingKey, body)
}

// fail records a publish error and reports whether the row will be retried.
func (p *Processor) fail(ctx context.Context, msg *Message, cause error) (time.Time, bool) {
	metadata := msg.DecodeMetadata()
	logger := p.logger.With(
		"id", msg.ID,
		"routing_key", msg.RoutingKey,
		"aggregate_id", msg.AggregateID,
		observability.CorrelationIDKey, metadata.CorrelationID,
		"attempt", msg.RetryCount+1,
		"error", cause,
	)
	now := p.now()

	if p.exhausted(msg) {
		logger.Error("outbox row dead-lettered")
		p.note(func(s *Stats) { s.DeadCount++; s.failure(cause, now) })
		if err := p.repo.MarkDead(ctx, msg.ID, cause.Error()); err != nil {
			logger.Error("failed to dead-letter outbox row", "mark_error", err)
		}
		return time.Time{}, false
	}

	retryAt := now.Add(p.retryBackoff(msg.RetryCount + 1))
	logger.Warn("outbox publish failed", "retry_at", retryAt)
	p.note(func(s *Stats) { s.FailedCount++; s.failure(cause, now) })
	if err := p.repo.MarkFailed(ctx, msg.ID, cause.Error(), retryAt); err != nil {
		logger.Error("failed to record outbox failure", "mark_error", err)
	}
	return retryAt, true
}

func (p *Processor) postpone(ctx context.Context, msg *Message, until time.Time) {
	if err := p.repo.Postpone(ctx, msg.ID, until); err != nil {
		p.logger.Error("failed to postpone outbox row", "id", msg.ID, "aggregate_id", msg.AggregateID, "error", err)
		return
	}
	p.logger.Debug("outbox row held behind earlier failure", "id", msg.ID, "routing_key", msg.RoutingKey, "until", until)
}

func (p *Processor) exhausted(msg *Message) bool {
	return p.config.MaxRetries <= 0 || msg.RetryCount+1 >= p.config.MaxRetries
}

// retryBackoff doubles from the base per attempt, capped at the max.
func (p *Processor) retryBackoff(attempt int) time.Duration {
	base, ceiling := p.config.RetryBackoffBase, p.config.RetryBackoffMax
	if base <= 0 {
		base = time.Second
	}
	if ceiling <= 0 {
		ceiling = time.Minute
	}
	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}

// Stats is a snapshot of relay progress.
type Stats struct {
	IsRunning       bool
	PublishedCount  uint64
	FailedCount     uint64
	DeadCount       uint64
	LagSeconds      float64
	LastError       string
	LastErrorAt     *time.Time
	LastProcessedAt *time.Time
	OldestMessageAt *time.Time
}

func (s *Stats) failure(err error, at time.Time) {
	s.LastError = err.Error()
	s.LastErrorAt = &at
}

// GetStats returns current relay statistics.
func (p *Processor) GetStats() Stats {
	p.statsMu.Lock()
	st := p.stats
	p.statsMu.Unlock()
	st.IsRunning = p.IsRunning()
	return st
}

func (p *Processor) note(fn func(*Stats)) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	fn(&p.stats)
}

// observeBatch records when the relay last polled and how far behind the
// oldest due row is.
func (p *Processor) observeBatch(batch []*Message) {
	now := p.now()
	var oldest *time.Time
	for _, msg := range batch {
		if oldest == nil || msg.CreatedAt.Before(*oldest) {
			created := msg.CreatedAt
			oldest = &created
		}
	}
	p.note(func(s *Stats) {
		s.LastProcessedAt = &now
		s.OldestMessageAt = oldest
		s.LagSeconds = 0
		if oldest != nil {
			s.LagSeconds = now.Sub(*oldest).Seconds()
		}
	})
}
