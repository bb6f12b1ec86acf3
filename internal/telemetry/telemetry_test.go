package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNew_NoEndpointIsNoop(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)
	_, isSDK := p.TracerProvider.(*sdktrace.TracerProvider)
	assert.False(t, isSDK)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_WithEndpoint(t *testing.T) {
	// The exporter connects lazily, so no collector is needed.
	p, err := New(context.Background(), Config{Endpoint: "http://localhost:4317/v1/traces", ServiceName: "interpreta-test"})
	require.NoError(t, err)
	_, isSDK := p.TracerProvider.(*sdktrace.TracerProvider)
	assert.True(t, isSDK)
	_ = p.Shutdown(context.Background())
}

func TestDialTarget(t *testing.T) {
	tests := []struct {
		endpoint string
		target   string
		insecure bool
		wantErr  bool
	}{
		{"localhost:4317", "localhost:4317", true, false},
		{"http://collector:4317/v1/traces", "collector:4317", true, false},
		{"https://collector.example.com:4317", "collector.example.com:4317", false, false},
		{"https://", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			target, insecure, err := dialTarget(tt.endpoint)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.target, target)
			assert.Equal(t, tt.insecure, insecure)
		})
	}
}

func TestProvider_NilShutdown(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
