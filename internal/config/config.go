// Package config provides configuration loading for runtimed.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variables. Sections map one-to-one onto the runtime's
// components; the To* methods build the component configs.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/breaker"
	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/fyrsmithlabs/runtimed/internal/kernel"
	"github.com/fyrsmithlabs/runtimed/internal/middleware"
	"github.com/fyrsmithlabs/runtimed/internal/persist"
	"github.com/fyrsmithlabs/runtimed/internal/queue"
	"github.com/fyrsmithlabs/runtimed/internal/runtime"
	"github.com/fyrsmithlabs/runtimed/internal/worker"
	"github.com/nats-io/nats.go"
)

// Config holds the complete runtimed configuration.
type Config struct {
	Server         ServerConfig         `koanf:"server"`
	Observability  ObservabilityConfig  `koanf:"observability"`
	Logging        LoggingConfig        `koanf:"logging"`
	Queue          QueueConfig          `koanf:"queue"`
	Kernel         KernelConfig         `koanf:"kernel"`
	Retry          RetryConfig          `koanf:"retry"`
	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker"`
	Persistence    PersistenceConfig    `koanf:"persistence"`
	NATS           NATSConfig           `koanf:"nats"`
	Runtime        RuntimeConfig        `koanf:"runtime"`
	Workers        WorkersConfig        `koanf:"workers"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// Token guards the mutating admin endpoints when set.
	Token Secret `koanf:"token"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	CAFile          string  `koanf:"ca_file"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// LoggingConfig holds the logger level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// QueueConfig mirrors queue.Config.
type QueueConfig struct {
	MaxQueueDepth         int        `koanf:"max_queue_depth"`
	MaxMemoryUsage        int64      `koanf:"max_memory_usage"`
	Backpressure          string     `koanf:"backpressure"`
	BatchSize             int        `koanf:"batch_size"`
	LargeEventThreshold   int        `koanf:"large_event_threshold"`
	HugeEventThreshold    int        `koanf:"huge_event_threshold"`
	EnableCompression     bool       `koanf:"enable_compression"`
	DropHugeEvents        bool       `koanf:"drop_huge_events"`
	MaxRetries            int        `koanf:"max_retries"`
	RetryDelays           []Duration `koanf:"retry_delays"`
	MaxDLQSize            int        `koanf:"max_dlq_size"`
	EnableAcks            bool       `koanf:"enable_acks"`
	AckTimeout            Duration   `koanf:"ack_timeout"`
	EnablePersistence     bool       `koanf:"enable_persistence"`
	PersistCriticalEvents bool       `koanf:"persist_critical_events"`
	CriticalTypes         []string   `koanf:"critical_types"`
	CriticalPrefixes      []string   `koanf:"critical_prefixes"`
	MaxPersistedEvents    int        `koanf:"max_persisted_events"`
	EnableAutoRecovery    bool       `koanf:"enable_auto_recovery"`
	RecoveryBatchSize     int        `koanf:"recovery_batch_size"`
}

// KernelConfig mirrors the template kernel.Config.
type KernelConfig struct {
	MaxEvents           int      `koanf:"max_events"`
	MaxDuration         Duration `koanf:"max_duration"`
	MaxMemory           int64    `koanf:"max_memory"`
	QuotaPolicy         string   `koanf:"quota_policy"`
	MaxEventDepth       int      `koanf:"max_event_depth"`
	MaxEventChainLength int      `koanf:"max_event_chain_length"`
	SnapshotEvery       int      `koanf:"snapshot_every"`
	FullSnapshotEvery   int      `koanf:"full_snapshot_every"`
	IdempotencyTTL      Duration `koanf:"idempotency_ttl"`
	IdempotencySize     int      `koanf:"idempotency_size"`
	FailOnDeadLetter    bool     `koanf:"fail_on_dead_letter"`
	// HandlerTimeout bounds each dispatch. Zero disables it.
	HandlerTimeout Duration `koanf:"handler_timeout"`
}

// RetryConfig configures the in-dispatch retry middleware.
type RetryConfig struct {
	Enabled             bool     `koanf:"enabled"`
	MaxRetries          int      `koanf:"max_retries"`
	InitialDelay        Duration `koanf:"initial_delay"`
	MaxDelay            Duration `koanf:"max_delay"`
	BackoffFactor       float64  `koanf:"backoff_factor"`
	Strategy            string   `koanf:"strategy"`
	Jitter              float64  `koanf:"jitter"`
	MaxTotal            Duration `koanf:"max_total"`
	RetryableErrorCodes []string `koanf:"retryable_error_codes"`
}

// CircuitBreakerConfig configures per-event-type breakers.
type CircuitBreakerConfig struct {
	Enabled          bool     `koanf:"enabled"`
	FailureThreshold int      `koanf:"failure_threshold"`
	SuccessThreshold int      `koanf:"success_threshold"`
	RecoveryTimeout  Duration `koanf:"recovery_timeout"`
	Window           Duration `koanf:"window"`
	HalfOpenMaxCalls int      `koanf:"half_open_max_calls"`
	OperationTimeout Duration `koanf:"operation_timeout"`
}

// Persistence backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// PersistenceConfig selects the snapshot backend.
type PersistenceConfig struct {
	Backend      string `koanf:"backend"`
	MaxSnapshots int    `koanf:"max_snapshots"`
	Compress     bool   `koanf:"compress"`
	// Bucket is the JetStream KV bucket for the nats backend.
	Bucket   string `koanf:"bucket"`
	Replicas int    `koanf:"replicas"`
}

// NATSConfig holds the NATS connection and notification settings.
type NATSConfig struct {
	URL           string   `koanf:"url"`
	Token         Secret   `koanf:"token"`
	Publish       bool     `koanf:"publish"`
	SubjectPrefix string   `koanf:"subject_prefix"`
	ConnectWait   Duration `koanf:"connect_wait"`
}

// RuntimeConfig holds multi-tenant limits and shared middleware settings.
type RuntimeConfig struct {
	MaxKernelsPerTenant int      `koanf:"max_kernels_per_tenant"`
	ShutdownTimeout     Duration `koanf:"shutdown_timeout"`
	Retain              Duration `koanf:"retain"`
	// MaxConcurrentPerTenant limits concurrent dispatches per tenant across
	// kernels. Zero disables the limiter.
	MaxConcurrentPerTenant int64    `koanf:"max_concurrent_per_tenant"`
	ConcurrencyPolicy      string   `koanf:"concurrency_policy"`
	ConcurrencyTimeout     Duration `koanf:"concurrency_timeout"`
	// RateLimit caps dispatches per second per runtime. Zero disables it.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// WorkersConfig routes events to out-of-process handlers over NATS
// request/reply.
type WorkersConfig struct {
	Enabled       bool     `koanf:"enabled"`
	SubjectPrefix string   `koanf:"subject_prefix"`
	Timeout       Duration `koanf:"timeout"`
	// Types are the handler keys delegated to workers: exact types, "*" or
	// glob patterns.
	Types []string `koanf:"types"`
}

// Default returns the built-in defaults.
func Default() *Config {
	q := queue.DefaultConfig()
	k := kernel.DefaultConfig()
	r := middleware.DefaultRetryConfig()
	b := breaker.DefaultConfig()
	rt := runtime.DefaultConfig()

	delays := make([]Duration, len(q.RetryDelays))
	for i, d := range q.RetryDelays {
		delays[i] = Duration(d)
	}

	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Observability: ObservabilityConfig{
			ServiceName: "runtimed",
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRate:  1.0,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Queue: QueueConfig{
			MaxQueueDepth:         q.MaxQueueDepth,
			MaxMemoryUsage:        q.MaxMemoryUsage,
			Backpressure:          string(q.Backpressure),
			BatchSize:             q.BatchSize,
			LargeEventThreshold:   q.LargeEventThreshold,
			HugeEventThreshold:    q.HugeEventThreshold,
			EnableCompression:     q.EnableCompression,
			DropHugeEvents:        q.DropHugeEvents,
			MaxRetries:            q.MaxRetries,
			RetryDelays:           delays,
			MaxDLQSize:            q.MaxDLQSize,
			EnableAcks:            q.EnableAcks,
			AckTimeout:            Duration(q.AckTimeout),
			EnablePersistence:     q.EnablePersistence,
			PersistCriticalEvents: q.PersistCriticalEvents,
			MaxPersistedEvents:    q.MaxPersistedEvents,
			EnableAutoRecovery:    q.EnableAutoRecovery,
			RecoveryBatchSize:     q.RecoveryBatchSize,
		},
		Kernel: KernelConfig{
			QuotaPolicy:         string(k.QuotaPolicy),
			MaxEventDepth:       k.MaxEventDepth,
			MaxEventChainLength: k.MaxEventChainLength,
			SnapshotEvery:       k.SnapshotEvery,
			FullSnapshotEvery:   k.FullSnapshotEvery,
			IdempotencyTTL:      Duration(k.IdempotencyTTL),
			IdempotencySize:     k.IdempotencySize,
			FailOnDeadLetter:    k.FailOnDeadLetter,
		},
		Retry: RetryConfig{
			MaxRetries:    r.MaxRetries,
			InitialDelay:  Duration(r.InitialDelay),
			MaxDelay:      Duration(r.MaxDelay),
			BackoffFactor: r.BackoffFactor,
			Strategy:      string(r.Strategy),
			Jitter:        r.Jitter,
			MaxTotal:      Duration(r.MaxTotal),
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: b.FailureThreshold,
			SuccessThreshold: b.SuccessThreshold,
			RecoveryTimeout:  Duration(b.RecoveryTimeout),
			Window:           Duration(b.Window),
			HalfOpenMaxCalls: b.HalfOpenMaxCalls,
		},
		Persistence: PersistenceConfig{
			Backend:      BackendMemory,
			MaxSnapshots: 100,
			Compress:     true,
			Bucket:       "runtimed_snapshots",
			Replicas:     1,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "runtime",
			ConnectWait:   Duration(5 * time.Second),
		},
		Runtime: RuntimeConfig{
			MaxKernelsPerTenant: rt.MaxKernelsPerTenant,
			ShutdownTimeout:     Duration(rt.ShutdownTimeout),
			Retain:              Duration(rt.Retain),
			ConcurrencyPolicy:   string(middleware.PolicyBlock),
			ConcurrencyTimeout:  Duration(5 * time.Second),
		},
		Workers: WorkersConfig{
			SubjectPrefix: worker.DefaultSubjectPrefix,
			Timeout:       Duration(worker.DefaultTimeout),
			Types:         []string{event.Wildcard},
		},
	}
}

var (
	backpressures  = []string{string(queue.BackpressureBlock), string(queue.BackpressureReject), string(queue.BackpressureDrop)}
	quotaPolicies  = []string{string(kernel.QuotaFail), string(kernel.QuotaPause)}
	strategies     = []string{string(middleware.Exponential), string(middleware.Linear)}
	concurrencies  = []string{string(middleware.PolicyBlock), string(middleware.PolicyDrop), string(middleware.PolicyTimeout)}
	backends       = []string{BackendMemory, BackendNATS}
	logFormats     = []string{"json", "console"}
	errInvalidEnum = errors.New("unsupported value")
)

func oneOf(field, v string, allowed []string) error {
	if !slices.Contains(allowed, v) {
		return fmt.Errorf("%s: %w %q (want one of %s)", field, errInvalidEnum, v, strings.Join(allowed, ", "))
	}
	return nil
}

// Validate checks the configuration. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add(fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		add(errors.New("shutdown timeout must be positive"))
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		add(errors.New("service name required when telemetry is enabled"))
	}
	if p := c.Observability.Protocol; p != "grpc" && p != "http/protobuf" {
		add(fmt.Errorf("observability.protocol must be grpc or http/protobuf, got %q", p))
	}
	if r := c.Observability.SampleRate; r < 0 || r > 1 {
		add(fmt.Errorf("observability.sample_rate must be between 0 and 1, got %v", r))
	}
	add(oneOf("logging.format", c.Logging.Format, logFormats))

	add(oneOf("queue.backpressure", c.Queue.Backpressure, backpressures))
	if c.Queue.MaxRetries < 0 {
		add(errors.New("queue.max_retries must not be negative"))
	}
	if c.Queue.HugeEventThreshold > 0 && c.Queue.LargeEventThreshold > c.Queue.HugeEventThreshold {
		add(errors.New("queue.large_event_threshold must not exceed queue.huge_event_threshold"))
	}

	add(oneOf("kernel.quota_policy", c.Kernel.QuotaPolicy, quotaPolicies))
	if c.Kernel.MaxEvents < 0 || c.Kernel.MaxMemory < 0 {
		add(errors.New("kernel quotas must not be negative"))
	}

	if c.Retry.Enabled {
		add(oneOf("retry.strategy", c.Retry.Strategy, strategies))
		for _, code := range c.Retry.RetryableErrorCodes {
			if code == "" {
				add(errors.New("retry.retryable_error_codes contains an empty code"))
			}
		}
	}
	if c.CircuitBreaker.Enabled && c.CircuitBreaker.FailureThreshold <= 0 {
		add(errors.New("circuit_breaker.failure_threshold must be positive"))
	}

	add(oneOf("persistence.backend", c.Persistence.Backend, backends))
	if c.Persistence.Backend == BackendNATS && c.Persistence.Bucket == "" {
		add(errors.New("persistence.bucket required for the nats backend"))
	}
	if c.Workers.Enabled {
		if c.Workers.Timeout <= 0 {
			add(errors.New("workers.timeout must be positive"))
		}
		if len(c.Workers.Types) == 0 {
			add(errors.New("workers.types must name at least one handler key"))
		}
	}
	if c.UsesNATS() {
		if u, err := url.Parse(c.NATS.URL); err != nil || u.Host == "" {
			add(fmt.Errorf("invalid nats.url %q", c.NATS.URL))
		}
	}

	if c.Runtime.MaxKernelsPerTenant < 0 {
		add(errors.New("runtime.max_kernels_per_tenant must not be negative"))
	}
	if c.Runtime.MaxConcurrentPerTenant > 0 {
		add(oneOf("runtime.concurrency_policy", c.Runtime.ConcurrencyPolicy, concurrencies))
	}
	if c.Runtime.RateLimit < 0 {
		add(errors.New("runtime.rate_limit must not be negative"))
	}

	return errors.Join(errs...)
}

// UsesNATS reports whether any component needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return c.Persistence.Backend == BackendNATS || c.NATS.Publish || c.Workers.Enabled
}

// ToQueue builds the queue template.
func (c *Config) ToQueue() queue.Config {
	q := c.Queue
	delays := make([]time.Duration, len(q.RetryDelays))
	for i, d := range q.RetryDelays {
		delays[i] = d.Duration()
	}
	return queue.Config{
		MaxQueueDepth:         q.MaxQueueDepth,
		MaxMemoryUsage:        q.MaxMemoryUsage,
		Backpressure:          queue.Backpressure(q.Backpressure),
		BatchSize:             q.BatchSize,
		LargeEventThreshold:   q.LargeEventThreshold,
		HugeEventThreshold:    q.HugeEventThreshold,
		EnableCompression:     q.EnableCompression,
		DropHugeEvents:        q.DropHugeEvents,
		MaxRetries:            q.MaxRetries,
		RetryDelays:           delays,
		MaxDLQSize:            q.MaxDLQSize,
		EnableAcks:            q.EnableAcks,
		AckTimeout:            q.AckTimeout.Duration(),
		EnablePersistence:     q.EnablePersistence,
		PersistCriticalEvents: q.PersistCriticalEvents,
		CriticalTypes:         slices.Clone(q.CriticalTypes),
		CriticalPrefixes:      slices.Clone(q.CriticalPrefixes),
		MaxPersistedEvents:    q.MaxPersistedEvents,
		EnableAutoRecovery:    q.EnableAutoRecovery,
		RecoveryBatchSize:     q.RecoveryBatchSize,
	}
}

// ToKernel builds the kernel template, queue included.
func (c *Config) ToKernel() kernel.Config {
	k := c.Kernel
	return kernel.Config{
		Quotas: kernel.Quotas{
			MaxEvents:   k.MaxEvents,
			MaxDuration: k.MaxDuration.Duration(),
			MaxMemory:   k.MaxMemory,
		},
		QuotaPolicy:         kernel.QuotaPolicy(k.QuotaPolicy),
		Queue:               c.ToQueue(),
		MaxEventDepth:       k.MaxEventDepth,
		MaxEventChainLength: k.MaxEventChainLength,
		SnapshotEvery:       k.SnapshotEvery,
		FullSnapshotEvery:   k.FullSnapshotEvery,
		IdempotencyTTL:      k.IdempotencyTTL.Duration(),
		IdempotencySize:     k.IdempotencySize,
		FailOnDeadLetter:    k.FailOnDeadLetter,
	}
}

// ToRetry builds the retry middleware config.
func (c *Config) ToRetry() middleware.RetryConfig {
	r := c.Retry
	codes := make([]faults.Code, len(r.RetryableErrorCodes))
	for i, code := range r.RetryableErrorCodes {
		codes[i] = faults.Code(strings.ToUpper(code))
	}
	return middleware.RetryConfig{
		MaxRetries:          r.MaxRetries,
		InitialDelay:        r.InitialDelay.Duration(),
		MaxDelay:            r.MaxDelay.Duration(),
		BackoffFactor:       r.BackoffFactor,
		Strategy:            middleware.Strategy(r.Strategy),
		Jitter:              r.Jitter,
		MaxTotal:            r.MaxTotal.Duration(),
		RetryableErrorCodes: codes,
	}
}

// ToBreaker builds the breaker config.
func (c *Config) ToBreaker() breaker.Config {
	b := c.CircuitBreaker
	return breaker.Config{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		RecoveryTimeout:  b.RecoveryTimeout.Duration(),
		Window:           b.Window.Duration(),
		HalfOpenMaxCalls: b.HalfOpenMaxCalls,
		OperationTimeout: b.OperationTimeout.Duration(),
	}
}

// ToRuntime builds the runtime config, kernel template included.
func (c *Config) ToRuntime() runtime.Config {
	return runtime.Config{
		MaxKernelsPerTenant: c.Runtime.MaxKernelsPerTenant,
		Kernel:              c.ToKernel(),
		ShutdownTimeout:     c.Runtime.ShutdownTimeout.Duration(),
		Retain:              c.Runtime.Retain.Duration(),
	}
}

// ToConcurrency builds the per-tenant dispatch limiter config. ok is false
// when the limiter is disabled.
func (c *Config) ToConcurrency() (cfg middleware.ConcurrencyConfig, ok bool) {
	if c.Runtime.MaxConcurrentPerTenant <= 0 {
		return middleware.ConcurrencyConfig{}, false
	}
	return middleware.ConcurrencyConfig{
		Limit:        c.Runtime.MaxConcurrentPerTenant,
		Policy:       middleware.ConcurrencyPolicy(c.Runtime.ConcurrencyPolicy),
		QueueTimeout: c.Runtime.ConcurrencyTimeout.Duration(),
		KeyFunc:      func(ev event.Event) string { return ev.Metadata.TenantID },
	}, true
}

// ToMemoryPersistor builds the in-memory snapshot store config.
func (c *Config) ToMemoryPersistor() persist.MemoryConfig {
	return persist.MemoryConfig{
		MaxSnapshots: c.Persistence.MaxSnapshots,
		Compress:     c.Persistence.Compress,
	}
}

// ToKV builds the JetStream KV snapshot store config.
func (c *Config) ToKV() persist.KVConfig {
	return persist.KVConfig{
		Bucket:       c.Persistence.Bucket,
		MaxSnapshots: c.Persistence.MaxSnapshots,
		Compress:     c.Persistence.Compress,
		Replicas:     c.Persistence.Replicas,
		Storage:      nats.FileStorage,
	}
}
