package kernel

import (
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/queue"
)

// QuotaPolicy selects where a kernel goes when a quota is breached.
type QuotaPolicy string

const (
	// QuotaFail moves the kernel to failed. Default.
	QuotaFail QuotaPolicy = "fail"
	// QuotaPause snapshots and pauses the kernel so an operator can raise the
	// quota with SetQuotas and resume.
	QuotaPause QuotaPolicy = "pause"
)

// Quotas bound a single execution. Zero disables a bound.
type Quotas struct {
	// MaxEvents caps dispatched events.
	MaxEvents int `json:"max_events,omitempty" koanf:"max_events"`
	// MaxDuration caps wall time spent running, accumulated across resumes.
	MaxDuration time.Duration `json:"max_duration,omitempty" koanf:"max_duration"`
	// MaxMemory caps queue memory plus the size of context and state data.
	MaxMemory int64 `json:"max_memory,omitempty" koanf:"max_memory"`
}

// Config configures a Kernel.
type Config struct {
	// ID is the execution id; generated when empty.
	ID            string
	TenantID      string
	CorrelationID string
	JobID         string

	Quotas      Quotas
	QuotaPolicy QuotaPolicy

	Queue queue.Config

	MaxEventDepth       int
	MaxEventChainLength int

	// SnapshotEvery takes an automatic snapshot after every N dispatched
	// events; zero disables. FullSnapshotEvery forces a full snapshot after N
	// consecutive deltas.
	SnapshotEvery     int
	FullSnapshotEvery int

	// IdempotencyTTL and IdempotencySize bound the operation ledger.
	IdempotencyTTL  time.Duration
	IdempotencySize int

	// FailOnDeadLetter fails the run when an event is dead-lettered.
	FailOnDeadLetter bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QuotaPolicy:         QuotaFail,
		Queue:               queue.DefaultConfig(),
		MaxEventDepth:       event.DefaultMaxEventDepth,
		MaxEventChainLength: event.DefaultMaxEventChainLength,
		SnapshotEvery:       50,
		FullSnapshotEvery:   10,
		IdempotencyTTL:      time.Hour,
		IdempotencySize:     10000,
		FailOnDeadLetter:    true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QuotaPolicy == "" {
		c.QuotaPolicy = d.QuotaPolicy
	}
	if c.MaxEventDepth <= 0 {
		c.MaxEventDepth = d.MaxEventDepth
	}
	if c.MaxEventChainLength <= 0 {
		c.MaxEventChainLength = d.MaxEventChainLength
	}
	if c.FullSnapshotEvery <= 0 {
		c.FullSnapshotEvery = d.FullSnapshotEvery
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = d.IdempotencyTTL
	}
	if c.IdempotencySize <= 0 {
		c.IdempotencySize = d.IdempotencySize
	}
	if c.Queue.Name == "" {
		c.Queue.Name = c.TenantID
	}
	return c
}
