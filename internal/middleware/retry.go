package middleware

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
)

// Strategy selects how retry delays grow.
type Strategy string

const (
	Exponential Strategy = "exponential"
	Linear      Strategy = "linear"
)

// RetryConfig configures Retry.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Strategy      Strategy
	// Jitter is the randomization factor in [0,1]. Zero gives
	// non-decreasing delays.
	Jitter float64
	// MaxTotal is a hard budget over all attempts and delays.
	MaxTotal time.Duration
	// RetryableErrorCodes restricts retries to these codes. Empty means
	// "use the error's retryable flag".
	RetryableErrorCodes []faults.Code
	OnRetry             func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
		Strategy:      Exponential,
		Jitter:        0.1,
		MaxTotal:      time.Minute,
	}
}

// NewBackOff builds the delay schedule for cfg.
func (cfg RetryConfig) NewBackOff() backoff.BackOff {
	if cfg.Strategy == Linear {
		return &linearBackOff{initial: cfg.InitialDelay, max: cfg.MaxDelay, jitter: cfg.Jitter}
	}
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 2
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = backoff.DefaultMaxInterval
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialDelay,
		RandomizationFactor: cfg.Jitter,
		Multiplier:          factor,
		MaxInterval:         maxDelay,
	}
	b.Reset()
	return b
}

func (cfg RetryConfig) retryable(err error) bool {
	if len(cfg.RetryableErrorCodes) == 0 {
		return faults.IsRetryable(err)
	}
	code := faults.Normalize(err).Code
	for _, c := range cfg.RetryableErrorCodes {
		if c == code {
			return true
		}
	}
	return false
}

// sleep is swapped in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry re-invokes the handler on retryable failures. An operation that keeps
// failing is attempted MaxRetries+1 times, or fewer when MaxTotal would be
// exceeded, and then fails with MIDDLEWARE_RETRY_EXCEEDED wrapping the last
// error. Non-retryable errors return immediately, unchanged.
func Retry(cfg RetryConfig) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, ev event.Event) error {
			b := cfg.NewBackOff()
			start := time.Now()

			var err error
			attempts := 0
			for {
				attempts++
				err = next(ctx, ev)
				if err == nil {
					return nil
				}
				if !cfg.retryable(err) {
					return err
				}
				if attempts > cfg.MaxRetries {
					break
				}

				delay := b.NextBackOff()
				if delay == backoff.Stop {
					break
				}
				if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
				if cfg.MaxTotal > 0 && time.Since(start)+delay > cfg.MaxTotal {
					break
				}
				if cfg.OnRetry != nil {
					cfg.OnRetry(attempts, delay, err)
				}
				if serr := sleep(ctx, delay); serr != nil {
					return faults.Normalize(serr)
				}
			}
			return faults.Wrap(faults.RetryExceeded, err, "%s failed after %d attempts", ev.Type, attempts)
		}
	}
}

// linearBackOff grows the delay by initial on every call.
type linearBackOff struct {
	initial time.Duration
	max     time.Duration
	jitter  float64
	n       int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	d := time.Duration(l.n) * l.initial
	if l.max > 0 && d > l.max {
		d = l.max
	}
	if l.jitter > 0 {
		// Reuse the exponential backoff's randomization with a unit multiplier.
		j := &backoff.ExponentialBackOff{
			InitialInterval:     d,
			RandomizationFactor: l.jitter,
			Multiplier:          1,
			MaxInterval:         d,
		}
		j.Reset()
		d = j.NextBackOff()
	}
	return d
}

func (l *linearBackOff) Reset() { l.n = 0 }
