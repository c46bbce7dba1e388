package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/fyrsmithlabs/runtimed/internal/kernel"
	"github.com/fyrsmithlabs/runtimed/internal/middleware"
	"github.com/fyrsmithlabs/runtimed/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"no shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }, "shutdown timeout"},
		{"telemetry without service", func(c *Config) {
			c.Observability.EnableTelemetry = true
			c.Observability.ServiceName = ""
		}, "service name required"},
		{"sample rate", func(c *Config) { c.Observability.SampleRate = 1.5 }, "sample_rate"},
		{"otlp protocol", func(c *Config) { c.Observability.Protocol = "udp" }, "observability.protocol"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"backpressure", func(c *Config) { c.Queue.Backpressure = "spill" }, "queue.backpressure"},
		{"thresholds", func(c *Config) {
			c.Queue.LargeEventThreshold = 10
			c.Queue.HugeEventThreshold = 5
		}, "large_event_threshold"},
		{"quota policy", func(c *Config) { c.Kernel.QuotaPolicy = "ignore" }, "kernel.quota_policy"},
		{"negative quota", func(c *Config) { c.Kernel.MaxEvents = -1 }, "kernel quotas"},
		{"retry strategy", func(c *Config) {
			c.Retry.Enabled = true
			c.Retry.Strategy = "random"
		}, "retry.strategy"},
		{"breaker threshold", func(c *Config) {
			c.CircuitBreaker.Enabled = true
			c.CircuitBreaker.FailureThreshold = 0
		}, "failure_threshold"},
		{"nats bucket", func(c *Config) {
			c.Persistence.Backend = BackendNATS
			c.Persistence.Bucket = ""
		}, "persistence.bucket"},
		{"nats url", func(c *Config) {
			c.NATS.Publish = true
			c.NATS.URL = "not a url"
		}, "nats.url"},
		{"concurrency policy", func(c *Config) {
			c.Runtime.MaxConcurrentPerTenant = 2
			c.Runtime.ConcurrencyPolicy = "queue"
		}, "runtime.concurrency_policy"},
		{"rate limit", func(c *Config) { c.Runtime.RateLimit = -1 }, "rate_limit"},
		{"workers timeout", func(c *Config) {
			c.Workers.Enabled = true
			c.Workers.Timeout = 0
		}, "workers.timeout"},
		{"workers types", func(c *Config) {
			c.Workers.Enabled = true
			c.Workers.Types = nil
		}, "workers.types"},
		{"workers need nats", func(c *Config) {
			c.Workers.Enabled = true
			c.NATS.URL = ""
		}, "nats.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateReportsAll(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = -1
	cfg.Kernel.QuotaPolicy = "x"
	cfg.Persistence.Backend = "y"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"server port", "quota_policy", "persistence.backend"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestConfig_ToKernel(t *testing.T) {
	cfg := Default()
	cfg.Kernel.MaxEvents = 10
	cfg.Kernel.MaxDuration = Duration(time.Minute)
	cfg.Kernel.QuotaPolicy = "pause"
	cfg.Queue.Backpressure = "drop"
	cfg.Queue.RetryDelays = []Duration{Duration(time.Millisecond)}
	cfg.Queue.CriticalPrefixes = []string{"billing."}

	k := cfg.ToKernel()
	assert.Equal(t, kernel.Quotas{MaxEvents: 10, MaxDuration: time.Minute}, k.Quotas)
	assert.Equal(t, kernel.QuotaPause, k.QuotaPolicy)
	assert.Equal(t, queue.BackpressureDrop, k.Queue.Backpressure)
	assert.Equal(t, []time.Duration{time.Millisecond}, k.Queue.RetryDelays)
	assert.Equal(t, []string{"billing."}, k.Queue.CriticalPrefixes)

	// The queue config does not alias the loaded slices.
	k.Queue.CriticalPrefixes[0] = "changed"
	assert.Equal(t, "billing.", cfg.Queue.CriticalPrefixes[0])

	rt := cfg.ToRuntime()
	assert.Equal(t, k.Quotas, rt.Kernel.Quotas)
	assert.Equal(t, cfg.Runtime.MaxKernelsPerTenant, rt.MaxKernelsPerTenant)
}

func TestConfig_DefaultsRoundTripComponents(t *testing.T) {
	cfg := Default()
	assert.Equal(t, queue.DefaultConfig().MaxQueueDepth, cfg.ToQueue().MaxQueueDepth)
	assert.Equal(t, queue.DefaultConfig().RetryDelays, cfg.ToQueue().RetryDelays)
	assert.Equal(t, middleware.DefaultRetryConfig().MaxRetries, cfg.ToRetry().MaxRetries)
	assert.Equal(t, kernel.DefaultConfig().MaxEventDepth, cfg.ToKernel().MaxEventDepth)
}

func TestConfig_UsesNATS(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.UsesNATS())

	cfg.Workers.Enabled = true
	assert.True(t, cfg.UsesNATS())

	cfg = Default()
	cfg.Persistence.Backend = BackendNATS
	assert.True(t, cfg.UsesNATS())
}

func TestConfig_ToRetry(t *testing.T) {
	cfg := Default()
	cfg.Retry.RetryableErrorCodes = []string{"handler_failed", "BUFFER_OVERFLOW"}

	r := cfg.ToRetry()
	assert.Equal(t, []faults.Code{faults.HandlerFailed, faults.BufferOverflow}, r.RetryableErrorCodes)
}

func TestConfig_ToConcurrency(t *testing.T) {
	cfg := Default()
	_, ok := cfg.ToConcurrency()
	assert.False(t, ok)

	cfg.Runtime.MaxConcurrentPerTenant = 3
	cfg.Runtime.ConcurrencyPolicy = "drop"
	cc, ok := cfg.ToConcurrency()
	require.True(t, ok)
	assert.Equal(t, int64(3), cc.Limit)
	assert.Equal(t, middleware.PolicyDrop, cc.Policy)
	assert.Equal(t, "acme", cc.KeyFunc(event.Event{Metadata: event.Metadata{TenantID: "acme"}}))
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, `config.Secret("[REDACTED]")`, fmt.Sprintf("%#v", s))
	assert.Equal(t, "hunter2", s.Value())

	b, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Token":"[REDACTED]"}`, string(b))

	var back Secret
	assert.ErrorIs(t, json.Unmarshal([]byte(`"[REDACTED]"`), &back), errRedactedSecret)
	assert.ErrorIs(t, back.UnmarshalText([]byte("[REDACTED]")), errRedactedSecret)
	require.NoError(t, json.Unmarshal([]byte(`"real"`), &back))
	assert.Equal(t, "real", back.Value())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	require.NoError(t, d.UnmarshalText([]byte("45")))
	assert.Equal(t, 45*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("-5")))
	assert.ErrorContains(t, d.UnmarshalText([]byte("soon")), `invalid duration "soon"`)
}
