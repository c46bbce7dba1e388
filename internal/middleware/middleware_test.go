package middleware

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/breaker"
	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testEvent(t *testing.T, typ string) event.Event {
	t.Helper()
	ev, err := event.New(typ, map[string]string{"k": "v"}, event.EmitOptions{})
	require.NoError(t, err)
	return ev
}

// recordSleeps replaces sleep with a recorder for the duration of the test.
func recordSleeps(t *testing.T) *[]time.Duration {
	t.Helper()
	var delays []time.Duration
	orig := sleep
	sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	t.Cleanup(func() { sleep = orig })
	return &delays
}

func TestCompose_Order(t *testing.T) {
	var trace []string
	mk := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, ev event.Event) error {
				trace = append(trace, name+">")
				err := next(ctx, ev)
				trace = append(trace, "<"+name)
				return err
			}
		}
	}
	h := Compose(mk("a"), mk("b"), nil, mk("c"))(func(context.Context, event.Event) error {
		trace = append(trace, "h")
		return nil
	})
	require.NoError(t, h(context.Background(), testEvent(t, "x")))
	assert.Equal(t, []string{"a>", "b>", "c>", "h", "<c", "<b", "<a"}, trace)
}

func TestRetry_ExhaustsWithNonDecreasingDelays(t *testing.T) {
	delays := recordSleeps(t)
	calls := 0
	h := Retry(RetryConfig{
		MaxRetries:    4,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      300 * time.Millisecond,
		BackoffFactor: 2,
	})(func(context.Context, event.Event) error {
		calls++
		return faults.New(faults.KernelOperationTimeout, "slow")
	})

	err := h(context.Background(), testEvent(t, "x"))
	assert.Equal(t, faults.RetryExceeded, faults.CodeOf(err))
	assert.True(t, faults.Has(err, faults.KernelOperationTimeout))
	assert.Equal(t, 5, calls, "maxRetries+1 attempts")

	require.Len(t, *delays, 4)
	for i := 1; i < len(*delays); i++ {
		assert.GreaterOrEqual(t, (*delays)[i], (*delays)[i-1])
	}
	for _, d := range *delays {
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}, *delays)
}

func TestRetry_LinearStrategy(t *testing.T) {
	delays := recordSleeps(t)
	h := Retry(RetryConfig{
		MaxRetries:   3,
		InitialDelay: 50 * time.Millisecond,
		Strategy:     Linear,
	})(func(context.Context, event.Event) error { return errors.New("transient") })

	_ = h(context.Background(), testEvent(t, "x"))
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 150 * time.Millisecond}, *delays)
}

func TestRetry_MaxTotalStopsEarly(t *testing.T) {
	calls := 0
	h := Retry(RetryConfig{
		MaxRetries:   10,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxTotal:     50 * time.Millisecond,
	})(func(context.Context, event.Event) error {
		calls++
		return errors.New("transient")
	})

	err := h(context.Background(), testEvent(t, "x"))
	assert.Equal(t, faults.RetryExceeded, faults.CodeOf(err))
	assert.Less(t, calls, 11)
	assert.GreaterOrEqual(t, calls, 2)
}

func TestRetry_NonRetryablePassesThrough(t *testing.T) {
	recordSleeps(t)
	calls := 0
	quota := faults.New(faults.KernelQuotaExceeded, "max events")
	h := Retry(RetryConfig{MaxRetries: 3})(func(context.Context, event.Event) error {
		calls++
		return quota
	})
	assert.Same(t, quota, h(context.Background(), testEvent(t, "x")))
	assert.Equal(t, 1, calls)
}

func TestRetry_CodeFilter(t *testing.T) {
	recordSleeps(t)
	calls := 0
	h := Retry(RetryConfig{
		MaxRetries:          3,
		RetryableErrorCodes: []faults.Code{faults.RateLimited},
	})(func(context.Context, event.Event) error {
		calls++
		return faults.New(faults.BufferOverflow, "full")
	})
	err := h(context.Background(), testEvent(t, "x"))
	assert.Equal(t, faults.BufferOverflow, faults.CodeOf(err))
	assert.Equal(t, 1, calls)
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	recordSleeps(t)
	var retries []int
	calls := 0
	h := Retry(RetryConfig{
		MaxRetries: 3,
		OnRetry:    func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) },
	})(func(context.Context, event.Event) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, h(context.Background(), testEvent(t, "x")))
	assert.Equal(t, []int{1, 2}, retries)
}

func TestTimeout(t *testing.T) {
	h := Timeout(20 * time.Millisecond)(func(ctx context.Context, _ event.Event) error {
		time.Sleep(200 * time.Millisecond) // ignores ctx
		return nil
	})
	start := time.Now()
	err := h(context.Background(), testEvent(t, "x"))
	assert.Equal(t, faults.KernelOperationTimeout, faults.CodeOf(err))
	assert.True(t, faults.IsRetryable(err))
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	fast := Timeout(time.Second)(func(context.Context, event.Event) error { return nil })
	assert.NoError(t, fast(context.Background(), testEvent(t, "x")))
}

func TestConcurrency_Drop(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := Concurrency(ConcurrencyConfig{Limit: 1, Policy: PolicyDrop})(func(context.Context, event.Event) error {
		close(started)
		<-release
		return nil
	})

	go func() { _ = h(context.Background(), testEvent(t, "x")) }()
	<-started

	err := h(context.Background(), testEvent(t, "x"))
	assert.Equal(t, faults.ConcurrencyDrop, faults.CodeOf(err))
	close(release)
}

func TestConcurrency_Timeout(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	h := Concurrency(ConcurrencyConfig{Limit: 1, Policy: PolicyTimeout, QueueTimeout: 20 * time.Millisecond})(
		func(context.Context, event.Event) error {
			once.Do(func() { close(started) })
			<-release
			return nil
		})

	go func() { _ = h(context.Background(), testEvent(t, "x")) }()
	<-started

	err := h(context.Background(), testEvent(t, "x"))
	assert.Equal(t, faults.ConcurrencyTimeout, faults.CodeOf(err))
	close(release)
}

func TestConcurrency_BlockPerKey(t *testing.T) {
	var inFlight, peak atomic.Int64
	l := NewLimiter(ConcurrencyConfig{
		Limit:   2,
		KeyFunc: func(ev event.Event) string { return ev.Type },
	})
	h := l.Middleware()(func(context.Context, event.Event) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h(context.Background(), testEvent(t, "same")))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, 0, l.Keys(), "idle keys are released")
}

func TestCircuitBreakerMiddleware(t *testing.T) {
	b := breaker.New("handler", breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	calls := 0
	h := CircuitBreaker(b)(func(context.Context, event.Event) error {
		calls++
		return errors.New("down")
	})
	ev := testEvent(t, "x")
	_ = h(context.Background(), ev)
	_ = h(context.Background(), ev)
	err := h(context.Background(), ev)
	assert.Equal(t, faults.CircuitBreakerOpen, faults.CodeOf(err))
	assert.Equal(t, 2, calls)
}

func TestCircuitBreakerPerType(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	h := CircuitBreakerPerType(reg)(func(_ context.Context, ev event.Event) error {
		if ev.Type == "bad" {
			return errors.New("down")
		}
		return nil
	})
	_ = h(context.Background(), testEvent(t, "bad"))
	assert.Equal(t, faults.CircuitBreakerOpen, faults.CodeOf(h(context.Background(), testEvent(t, "bad"))))
	assert.NoError(t, h(context.Background(), testEvent(t, "good")))
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(rate.Every(time.Hour), 1, false)(func(context.Context, event.Event) error { return nil })
	require.NoError(t, h(context.Background(), testEvent(t, "x")))
	assert.Equal(t, faults.RateLimited, faults.CodeOf(h(context.Background(), testEvent(t, "x"))))
}

func TestRecover(t *testing.T) {
	h := Recover(nil)(func(context.Context, event.Event) error { panic("kaboom") })
	err := h(context.Background(), testEvent(t, "x"))
	assert.Equal(t, faults.HandlerPanic, faults.CodeOf(err))
	assert.Contains(t, err.Error(), "kaboom")
}
