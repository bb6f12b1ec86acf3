package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
)

// BreakerConfig tunes the circuit breakers around adapters.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold uint32
	// OpenTimeout is how long an open circuit rejects calls.
	OpenTimeout time.Duration
	// MaxRequests are let through while half-open.
	MaxRequests uint32
}

// DefaultBreakerConfig returns the settings used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, OpenTimeout: 30 * time.Second, MaxRequests: 1}
}

func (c BreakerConfig) settings(name string, logger *slog.Logger) gobreaker.Settings {
	threshold := c.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: max(c.MaxRequests, 1),
		Timeout:     c.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

func breakerError(name string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %w", name, domain.ErrAdapterFailure, err)
	}
	return err
}

// BreakingTranslator keeps one circuit per target language, so a failing
// language pair does not take the others down.
type BreakingTranslator struct {
	next   domain.Translator
	config BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[string]
}

// NewBreakingTranslator wraps next.
func NewBreakingTranslator(next domain.Translator, config BreakerConfig, logger *slog.Logger) *BreakingTranslator {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakingTranslator{
		next:     next,
		config:   config,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[string]),
	}
}

func (t *BreakingTranslator) breaker(target string) *gobreaker.CircuitBreaker[string] {
	t.mu.Lock()
	defer t.mu.Unlock()
	cb, ok := t.breakers[target]
	if !ok {
		cb = gobreaker.NewCircuitBreaker[string](t.config.settings("translate:"+target, t.logger))
		t.breakers[target] = cb
	}
	return cb
}

func (t *BreakingTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	cb := t.breaker(target)
	out, err := cb.Execute(func() (string, error) {
		return t.next.Translate(ctx, text, source, target)
	})
	return out, breakerError(cb.Name(), err)
}

// State reports the circuit state for target.
func (t *BreakingTranslator) State(target string) gobreaker.State {
	return t.breaker(target).State()
}

// BreakingTranscriber guards a transcriber with a single circuit.
type BreakingTranscriber struct {
	next domain.Transcriber
	cb   *gobreaker.CircuitBreaker[string]
}

// NewBreakingTranscriber wraps next.
func NewBreakingTranscriber(next domain.Transcriber, config BreakerConfig, logger *slog.Logger) *BreakingTranscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakingTranscriber{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[string](config.settings("transcribe", logger)),
	}
}

func (t *BreakingTranscriber) Transcribe(ctx context.Context, audio []byte, locale string) (string, error) {
	out, err := t.cb.Execute(func() (string, error) {
		return t.next.Transcribe(ctx, audio, locale)
	})
	return out, breakerError(t.cb.Name(), err)
}
