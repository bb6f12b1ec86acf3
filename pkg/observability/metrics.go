package observability

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Metrics records application metrics.
type Metrics interface {
	Counter(name string, value int64, tags ...Tag)
	Gauge(name string, value float64, tags ...Tag)
	Histogram(name string, value float64, tags ...Tag)
	Timing(name string, duration time.Duration, tags ...Tag)
}

// Tag is a key-value metric label.
type Tag struct {
	Key   string
	Value string
}

// T creates a new Tag.
func T(key, value string) Tag {
	return Tag{Key: key, Value: value}
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) Counter(string, int64, ...Tag)        {}
func (NoopMetrics) Gauge(string, float64, ...Tag)        {}
func (NoopMetrics) Histogram(string, float64, ...Tag)    {}
func (NoopMetrics) Timing(string, time.Duration, ...Tag) {}

// InMemoryMetrics keeps metrics in process. Used in development and tests.
type InMemoryMetrics struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
	timings    map[string][]time.Duration
}

// NewInMemoryMetrics creates an empty collector.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
		timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Counter(name string, value int64, tags ...Tag) {
	m.mu.Lock()
	m.counters[metricKey(name, tags)] += value
	m.mu.Unlock()
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...Tag) {
	m.mu.Lock()
	m.gauges[metricKey(name, tags)] = value
	m.mu.Unlock()
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...Tag) {
	m.mu.Lock()
	key := metricKey(name, tags)
	m.histograms[key] = append(m.histograms[key], value)
	m.mu.Unlock()
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...Tag) {
	m.mu.Lock()
	key := metricKey(name, tags)
	m.timings[key] = append(m.timings[key], duration)
	m.mu.Unlock()
}

// CounterValue returns the current value of a counter.
func (m *InMemoryMetrics) CounterValue(name string, tags ...Tag) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[metricKey(name, tags)]
}

// GaugeValue returns the last value set on a gauge.
func (m *InMemoryMetrics) GaugeValue(name string, tags ...Tag) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[metricKey(name, tags)]
}

// HistogramValues returns a copy of the recorded histogram samples.
func (m *InMemoryMetrics) HistogramValues(name string, tags ...Tag) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.histograms[metricKey(name, tags)]...)
}

// Timings returns a copy of the recorded durations.
func (m *InMemoryMetrics) Timings(name string, tags ...Tag) []time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]time.Duration(nil), m.timings[metricKey(name, tags)]...)
}

// metricKey is order independent in its tags.
func metricKey(name string, tags []Tag) string {
	if len(tags) == 0 {
		return name
	}
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		parts = append(parts, t.Key+"="+t.Value)
	}
	sort.Strings(parts)
	return name + ":" + strings.Join(parts, ",")
}

// Metric names.
const (
	MetricSessionsCreated    = "interpreta.sessions.created"
	MetricSessionsStarted    = "interpreta.sessions.started"
	MetricSessionsCompleted  = "interpreta.sessions.completed"
	MetricSessionsRejected   = "interpreta.sessions.rejected"
	MetricParticipantsJoined = "interpreta.sessions.participants_joined"
	MetricParticipantsLeft   = "interpreta.sessions.participants_left"
	MetricActiveSessions     = "interpreta.sessions.active"
	MetricRegistryConflicts  = "interpreta.sessions.conflicts"

	MetricSegmentsPersisted   = "interpreta.pipeline.segments"
	MetricSpeechDropped       = "interpreta.pipeline.speech_dropped"
	MetricTranslations        = "interpreta.pipeline.translations"
	MetricTranslationFailures = "interpreta.pipeline.translation_failures"
	MetricTranslationLatency  = "interpreta.pipeline.translation_latency"
	MetricTranslatedChars     = "interpreta.pipeline.translated_chars"

	MetricBroadcastPublished = "interpreta.broadcast.published"
	MetricBroadcastDelivered = "interpreta.broadcast.delivered"
	MetricBroadcastDropped   = "interpreta.broadcast.subscribers_dropped"
	MetricSubscribers        = "interpreta.broadcast.subscribers"

	MetricConnections       = "interpreta.gateway.connections"
	MetricHandshakeRejected = "interpreta.gateway.handshakes_rejected"
	MetricFramesInvalid     = "interpreta.gateway.frames_invalid"

	MetricSuggestionsGenerated = "interpreta.suggestions.generated"
	MetricSuggestionsErrors    = "interpreta.suggestions.errors"
	MetricSuggestionsLatency   = "interpreta.suggestions.latency"

	MetricEventsPublished    = "interpreta.events.published"
	MetricEventsConsumed     = "interpreta.events.consumed"
	MetricEventsRedelivered  = "interpreta.events.redelivered"
	MetricEventsDeadLettered = "interpreta.events.dead_lettered"
)
