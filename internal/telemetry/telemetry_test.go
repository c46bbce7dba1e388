package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"disabled defaults", func(*Config) {}, ""},
		{"enabled defaults", func(c *Config) { c.Enabled = true }, ""},
		{"disabled ignores exporter", func(c *Config) { c.Endpoint = "" }, ""},
		{"http protocol", func(c *Config) { c.Enabled, c.Protocol = true, ProtocolHTTP }, ""},
		{"ipv6 loopback", func(c *Config) { c.Enabled, c.Endpoint = true, "[::1]:4317" }, ""},
		{"url loopback", func(c *Config) { c.Enabled, c.Endpoint = true, "http://127.0.0.1:4318" }, ""},
		{"remote over tls", func(c *Config) { c.Enabled, c.Endpoint, c.Insecure = true, "otel.example.com:4317", false }, ""},
		{"no shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, "shutdown timeout"},
		{"no endpoint", func(c *Config) { c.Enabled, c.Endpoint = true, "" }, "endpoint"},
		{"no service", func(c *Config) { c.Enabled, c.ServiceName = true, "" }, "service name"},
		{"bad protocol", func(c *Config) { c.Enabled, c.Protocol = true, "udp" }, "protocol"},
		{"bad rate", func(c *Config) { c.Enabled, c.SampleRate = true, 1.5 }, "sample rate"},
		{"no interval", func(c *Config) { c.Enabled, c.MetricsInterval = true, 0 }, "metrics interval"},
		{"insecure remote", func(c *Config) { c.Enabled, c.Endpoint = true, "otel.example.com:4317" }, "loopback"},
		{"ca file with insecure", func(c *Config) { c.Enabled, c.CAFile = true, "/etc/ca.pem" }, "ca file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.Nil(t, tel.LoggerProvider())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	require.NoError(t, tel.ForceFlush(context.Background()))
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ShutdownTimeout = 0
	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "invalid telemetry config")
}

func TestNew_EnabledWithoutCollector(t *testing.T) {
	// OTLP exporters connect lazily, so construction succeeds without a
	// collector listening.
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = "127.0.0.1:1"
	cfg.ShutdownTimeout = 100 * time.Millisecond

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())
	assert.False(t, tel.Health().Degraded)

	_, span := tel.Tracer("test").Start(context.Background(), "probe")
	span.End()

	_ = tel.Shutdown(context.Background())
	assert.False(t, tel.IsEnabled())
	assert.NoError(t, tel.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestNew_BadCAFileDegrades(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Insecure = false
	cfg.CAFile = filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(cfg.CAFile, []byte("not a certificate"), 0o600))

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	h := tel.Health()
	assert.True(t, h.Degraded)
	assert.Contains(t, h.Reason, "no certificates")
	assert.NotNil(t, tel.Tracer("fallback"))
}

func TestTelemetry_Degrade(t *testing.T) {
	tel := &Telemetry{config: NewDefaultConfig()}
	tel.degrade(assert.AnError)
	tel.degrade(context.Canceled)

	h := tel.Health()
	assert.True(t, h.Healthy)
	assert.True(t, h.Degraded)
	assert.Equal(t, assert.AnError.Error(), h.Reason)
}

func TestTelemetry_Nil(t *testing.T) {
	var tel *Telemetry
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
	assert.Nil(t, tel.LoggerProvider())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTelemetry_LoggerProvider(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)
	lp := noop.NewLoggerProvider()
	tel.SetLoggerProvider(lp)
	assert.Equal(t, lp, tel.LoggerProvider())
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
	assert.Contains(t, sampler(0.25).Description(), "ParentBased")
}

func TestTestTelemetry(t *testing.T) {
	ctx := context.Background()
	tt := NewTestTelemetry()

	_, span := tt.Tracer("test").Start(ctx, "work")
	span.SetAttributes(attribute.String("tenant", "acme"), attribute.Int64("n", 3))
	span.End()

	counter, err := tt.Meter("test").Int64Counter("runtimed.test.count")
	require.NoError(t, err)
	counter.Add(ctx, 2)

	tt.AssertSpanExists(t, "work")
	tt.AssertSpanAttribute(t, "work", "tenant", "acme")
	tt.AssertSpanAttribute(t, "work", "n", int64(3))
	assert.Nil(t, tt.SpanByName("missing"))
	assert.IsType(t, []sdktrace.ReadOnlySpan{}, tt.Spans())

	names, err := tt.MetricNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"runtimed.test.count"}, names)
}
