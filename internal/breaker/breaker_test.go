package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreaker_FullCycle(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := New("review-llm", Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  10 * time.Second,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}, WithClock(clock.Now))
	ctx := context.Background()

	// Three consecutive failures open the breaker.
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, Open, b.State())

	// Calls while open are rejected without invoking fn.
	invoked := false
	err := b.Execute(ctx, func(context.Context) error { invoked = true; return nil })
	assert.False(t, invoked)
	assert.Equal(t, faults.CircuitBreakerOpen, faults.CodeOf(err))

	// After the recovery timeout the next call is a half-open trial.
	clock.Advance(10 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, Closed, b.State())

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)

	st := b.Stats()
	assert.Equal(t, int64(5), st.TotalCalls)
	assert.Equal(t, int64(3), st.FailedCalls)
	assert.Equal(t, int64(2), st.SuccessfulCalls)
	assert.Equal(t, int64(1), st.RejectedCalls)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("x", Config{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	assert.Equal(t, Open, b.State())

	clock.Advance(time.Second)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	assert.Equal(t, Open, b.Stats().State)

	st := b.Stats()
	assert.Equal(t, clock.Now().Add(time.Second), st.NextAttempt)
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	b := New("x", Config{FailureThreshold: 3})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_WindowExpiresOldFailures(t *testing.T) {
	clock := newFakeClock()
	b := New("x", Config{FailureThreshold: 3, Window: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	clock.Advance(2 * time.Minute)
	_ = b.Execute(ctx, fail)
	assert.Equal(t, Closed, b.State(), "failures outside the window do not count")

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_HalfOpenMaxCalls(t *testing.T) {
	clock := newFakeClock()
	b := New("x", Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1}, WithClock(clock.Now))
	_ = b.Execute(context.Background(), fail)
	clock.Advance(time.Second)

	first, err := b.Allow()
	require.NoError(t, err)
	assert.True(t, first)

	_, err = b.Allow()
	assert.Equal(t, faults.CircuitBreakerOpen, faults.CodeOf(err))

	b.Record(first, nil)
	second, err := b.Allow()
	require.NoError(t, err)
	b.Record(second, nil)
}

func TestBreaker_OperationTimeout(t *testing.T) {
	b := New("slow", Config{FailureThreshold: 1, OperationTimeout: 10 * time.Millisecond})
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, faults.KernelOperationTimeout, faults.CodeOf(err))
	assert.Equal(t, Open, b.State())
}

func TestBreaker_IsFailureFilter(t *testing.T) {
	b := New("x", Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return err != nil && !errors.Is(err, errBoom) },
	})
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b := New("x", Config{FailureThreshold: 1})
	_ = b.Execute(context.Background(), fail)
	require.Equal(t, Open, b.State())
	b.Reset()
	assert.Equal(t, Closed, b.State())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1}, WithMetrics(NewMetrics()))
	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))
	_ = r.Get("b").Execute(context.Background(), fail)

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].Name)
	assert.Equal(t, Closed, stats[0].State)
	assert.Equal(t, Open, stats[1].State)
}

func TestState_MarshalText(t *testing.T) {
	b, err := HalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "HALF_OPEN", string(b))
}
