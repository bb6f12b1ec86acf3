package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_EnrichesFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: LogLevelInfo, Format: LogFormatJSON, Output: &buf, ServiceName: "interpreta", ServiceVersion: "test"})

	meetingID := uuid.New()
	participantID := uuid.New()
	ctx := WithCorrelationID(context.Background(), "corr-42")
	ctx = WithMeeting(ctx, meetingID)
	ctx = WithParticipant(ctx, participantID)

	logger.InfoContext(ctx, "participant admitted", "language", "ro")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "participant admitted", entry["msg"])
	assert.Equal(t, "interpreta", entry["service"])
	assert.Equal(t, "test", entry["version"])
	assert.Equal(t, "corr-42", entry[CorrelationIDKey])
	assert.Equal(t, meetingID.String(), entry[MeetingIDKey])
	assert.Equal(t, participantID.String(), entry[ParticipantIDKey])
	assert.Equal(t, "ro", entry["language"])
}

func TestNewLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: LogLevelWarn, Format: LogFormatText, Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, ParseLevel(in))
		})
	}
}

func TestInMemoryMetrics(t *testing.T) {
	m := NewInMemoryMetrics()

	m.Counter(MetricTranslations, 1, T("lang", "ro"), T("source", "en"))
	m.Counter(MetricTranslations, 2, T("source", "en"), T("lang", "ro"))
	m.Gauge(MetricActiveSessions, 3)
	m.Histogram(MetricTranslatedChars, 12)
	m.Timing(MetricTranslationLatency, 40*time.Millisecond)

	assert.Equal(t, int64(3), m.CounterValue(MetricTranslations, T("lang", "ro"), T("source", "en")), "tag order must not matter")
	assert.Equal(t, float64(3), m.GaugeValue(MetricActiveSessions))
	assert.Equal(t, []float64{12}, m.HistogramValues(MetricTranslatedChars))
	assert.Equal(t, []time.Duration{40 * time.Millisecond}, m.Timings(MetricTranslationLatency))
}

func TestHealthRegistry_Check(t *testing.T) {
	t.Run("healthy when all pings succeed", func(t *testing.T) {
		r := NewHealthRegistry()
		r.Register("database", PingChecker("database", HealthStatusUnhealthy, func(context.Context) error { return nil }))

		health := r.Check(context.Background())

		assert.Equal(t, HealthStatusHealthy, health.Status)
		assert.Equal(t, HealthStatusHealthy, r.LastStatus())
	})

	t.Run("optional dependency degrades", func(t *testing.T) {
		r := NewHealthRegistry()
		r.Register("database", PingChecker("database", HealthStatusUnhealthy, func(context.Context) error { return nil }))
		r.Register("redis", PingChecker("redis", HealthStatusDegraded, func(context.Context) error { return errors.New("refused") }))

		health := r.Check(context.Background())

		assert.Equal(t, HealthStatusDegraded, health.Status)
		assert.Contains(t, health.Checks["redis"].Message, "refused")
	})

	t.Run("unhealthy wins", func(t *testing.T) {
		r := NewHealthRegistry()
		r.Register("database", PingChecker("database", HealthStatusUnhealthy, func(context.Context) error { return errors.New("down") }))
		r.Register("redis", PingChecker("redis", HealthStatusDegraded, func(context.Context) error { return errors.New("down") }))

		assert.Equal(t, HealthStatusUnhealthy, r.Check(context.Background()).Status)
		assert.ElementsMatch(t, []string{"database", "redis"}, r.Components())
	})
}
