// Package breaker implements the circuit breaker that protects handler
// dispatch.
//
// A breaker is CLOSED until FailureThreshold consecutive failures land inside
// Window. It then rejects every call with MIDDLEWARE_CIRCUIT_BREAKER_OPEN
// until RecoveryTimeout elapses, after which up to HalfOpenMaxCalls trial
// calls run. SuccessThreshold consecutive trial successes close it; any trial
// failure reopens it. Every transition invokes OnStateChange.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"go.uber.org/zap"
)

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config configures a Breaker.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	// Window bounds how far apart counted failures may be. Zero counts any
	// run of consecutive failures.
	Window           time.Duration
	HalfOpenMaxCalls int
	// OperationTimeout bounds each protected call. Zero disables it.
	OperationTimeout time.Duration
	OnStateChange    func(name string, from, to State)
	// IsFailure decides whether an error counts against the breaker.
	// Defaults to every non-nil error.
	IsFailure func(error) bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		Window:           time.Minute,
		HalfOpenMaxCalls: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	return c
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name               string        `json:"name"`
	State              State         `json:"state"`
	TotalCalls         int64         `json:"total_calls"`
	SuccessfulCalls    int64         `json:"successful_calls"`
	FailedCalls        int64         `json:"failed_calls"`
	RejectedCalls      int64         `json:"rejected_calls"`
	LastFailure        time.Time     `json:"last_failure,omitzero"`
	LastSuccess        time.Time     `json:"last_success,omitzero"`
	TimeInCurrentState time.Duration `json:"time_in_current_state"`
	NextAttempt        time.Time     `json:"next_attempt,omitzero"`
}

// Breaker is a circuit breaker. Safe for concurrent use.
type Breaker struct {
	name    string
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu            sync.Mutex
	state         State
	failures      []time.Time
	successes     int
	halfOpenCalls int
	openedAt      time.Time
	changedAt     time.Time

	total, succeeded, failed, rejected int64
	lastFailure, lastSuccess           time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l.Named("breaker")
		}
	}
}

// WithMetrics records state and outcomes to m.
func WithMetrics(m *Metrics) Option {
	return func(b *Breaker) { b.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.changedAt = b.now()
	b.metrics.setState(name, Closed)
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

type transition struct{ from, to State }

// Execute runs fn under protection. A rejected call returns
// MIDDLEWARE_CIRCUIT_BREAKER_OPEN without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	halfOpen, err := b.Allow()
	if err != nil {
		return err
	}

	callCtx := ctx
	if b.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.OperationTimeout)
		defer cancel()
	}

	err = fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = faults.Wrap(faults.KernelOperationTimeout, err, "breaker %s: operation exceeded %s", b.name, b.cfg.OperationTimeout)
	}
	b.Record(halfOpen, err)
	return err
}

// Allow reserves a call slot. The returned flag must be passed back to
// Record so half-open slots are released.
func (b *Breaker) Allow() (bool, error) {
	b.mu.Lock()
	var changes []transition

	now := b.now()
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		changes = append(changes, b.setStateLocked(HalfOpen, now))
	}

	var err error
	halfOpen := false
	switch b.state {
	case Open:
		err = faults.New(faults.CircuitBreakerOpen, "breaker %s open, retry after %s",
			b.name, b.openedAt.Add(b.cfg.RecoveryTimeout).Format(time.RFC3339))
	case HalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			err = faults.New(faults.CircuitBreakerOpen, "breaker %s half-open, trial slots busy", b.name)
		} else {
			b.halfOpenCalls++
			halfOpen = true
		}
	}
	if err != nil {
		b.rejected++
	}
	b.mu.Unlock()

	if err != nil {
		b.metrics.reject(b.name)
	}
	b.notify(changes)
	return halfOpen, err
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(halfOpen bool, err error) {
	b.mu.Lock()
	var changes []transition
	now := b.now()

	b.total++
	if halfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}

	if !b.cfg.IsFailure(err) {
		b.succeeded++
		b.lastSuccess = now
		switch b.state {
		case Closed:
			b.failures = b.failures[:0]
		case HalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				changes = append(changes, b.setStateLocked(Closed, now))
			}
		}
	} else {
		b.failed++
		b.lastFailure = now
		switch b.state {
		case Closed:
			b.failures = append(b.failures, now)
			if b.cfg.Window > 0 {
				cutoff := now.Add(-b.cfg.Window)
				i := 0
				for i < len(b.failures) && b.failures[i].Before(cutoff) {
					i++
				}
				b.failures = b.failures[i:]
			}
			if len(b.failures) >= b.cfg.FailureThreshold {
				changes = append(changes, b.setStateLocked(Open, now))
			}
		case HalfOpen:
			changes = append(changes, b.setStateLocked(Open, now))
		}
	}
	b.mu.Unlock()

	b.metrics.outcome(b.name, err == nil)
	b.notify(changes)
}

func (b *Breaker) setStateLocked(to State, now time.Time) transition {
	t := transition{from: b.state, to: to}
	b.state = to
	b.changedAt = now
	b.successes = 0
	b.halfOpenCalls = 0
	b.failures = b.failures[:0]
	if to == Open {
		b.openedAt = now
	}
	return t
}

func (b *Breaker) notify(changes []transition) {
	for _, c := range changes {
		b.logger.Info("circuit breaker state change",
			zap.String("breaker", b.name),
			zap.Stringer("from", c.from),
			zap.Stringer("to", c.to))
		b.metrics.setState(b.name, c.to)
		b.metrics.transition(b.name, c.to)
		if b.cfg.OnStateChange != nil {
			b.cfg.OnStateChange(b.name, c.from, c.to)
		}
	}
}

// State returns the current state, accounting for an elapsed recovery
// timeout without consuming a trial slot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		return HalfOpen
	}
	return b.state
}

// Stats returns a snapshot of counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{
		Name:               b.name,
		State:              b.state,
		TotalCalls:         b.total,
		SuccessfulCalls:    b.succeeded,
		FailedCalls:        b.failed,
		RejectedCalls:      b.rejected,
		LastFailure:        b.lastFailure,
		LastSuccess:        b.lastSuccess,
		TimeInCurrentState: b.now().Sub(b.changedAt),
	}
	if b.state == Open {
		st.NextAttempt = b.openedAt.Add(b.cfg.RecoveryTimeout)
	}
	return st
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var changes []transition
	if b.state != Closed {
		changes = append(changes, b.setStateLocked(Closed, b.now()))
	}
	b.mu.Unlock()
	b.notify(changes)
}
