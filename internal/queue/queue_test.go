package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/fyrsmithlabs/runtimed/internal/persist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
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

func newEvent(t *testing.T, typ string, data any) event.Event {
	t.Helper()
	ev, err := event.New(typ, data, event.EmitOptions{})
	require.NoError(t, err)
	return ev
}

func push(t *testing.T, q *Queue, ev event.Event, priority int) {
	t.Helper()
	res, err := q.Push(context.Background(), ev, PushOptions{Priority: priority})
	require.NoError(t, err)
	require.True(t, res.Queued)
}

func TestQueue_PriorityThenArrival(t *testing.T) {
	q := New(Config{})
	a := newEvent(t, "A", nil)
	b := newEvent(t, "B", nil)
	c := newEvent(t, "C", nil)
	push(t, q, a, 0)
	push(t, q, b, 10)
	push(t, q, c, 10)

	var got []string
	for range 3 {
		it, ok, err := q.TryPop()
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, it.Event.Type)
	}
	assert.Equal(t, []string{"B", "C", "A"}, got)

	_, ok, err := q.TryPop()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := New(Config{})
	ev := newEvent(t, "late", nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Push(context.Background(), ev, PushOptions{})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	it, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, it.Event.ID)

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Pop(ctx)
	assert.Equal(t, faults.KernelOperationTimeout, faults.CodeOf(err))
}

func TestQueue_NackBackoffTableThenDeadLetter(t *testing.T) {
	clock := newFakeClock()
	q := New(Config{
		MaxRetries:  3,
		RetryDelays: []time.Duration{time.Second, 5 * time.Second},
	}, WithClock(clock.Now))
	ctx := context.Background()
	ev := newEvent(t, "flaky", nil)
	push(t, q, ev, 0)

	wantDelays := []time.Duration{time.Second, 5 * time.Second, 5 * time.Second}
	for i, d := range wantDelays {
		it, ok, err := q.TryPop()
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", i)
		assert.Equal(t, i, it.RetryCount)

		res, err := q.Nack(ctx, ev.ID, errors.New("transient"))
		require.NoError(t, err)
		assert.False(t, res.DeadLettered)
		assert.Equal(t, clock.Now().Add(d), res.NextRetryAt)

		_, ok, _ = q.TryPop()
		assert.False(t, ok, "not due yet")
		clock.Advance(d)
	}

	it, ok, err := q.TryPop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, wantDelays, it.RetryDelays)

	res, err := q.Nack(ctx, ev.ID, errors.New("transient"))
	require.NoError(t, err)
	assert.True(t, res.DeadLettered)
	assert.Equal(t, 4, res.RetryCount)

	dlq := q.DeadLetters()
	require.Len(t, dlq, 1)
	assert.Equal(t, ev.ID, dlq[0].Item.Event.ID)
	assert.Equal(t, faults.HandlerFailed, dlq[0].Error.Code)
	assert.Zero(t, q.Len())
	assert.Zero(t, q.MemoryUsage())
}

func TestQueue_NonRetryableGoesStraightToDLQ(t *testing.T) {
	q := New(Config{MaxRetries: 5})
	ctx := context.Background()
	ev := newEvent(t, "quota", nil)
	push(t, q, ev, 0)

	_, ok, _ := q.TryPop()
	require.True(t, ok)
	res, err := q.Nack(ctx, ev.ID, faults.New(faults.KernelQuotaExceeded, "max events"))
	require.NoError(t, err)
	assert.True(t, res.DeadLettered)

	_, err = q.Nack(ctx, ev.ID, nil)
	assert.Equal(t, faults.ItemNotFound, faults.CodeOf(err))
}

func TestQueue_ReprocessDLQ(t *testing.T) {
	q := New(Config{MaxRetries: 0})
	ctx := context.Background()

	var ids []string
	for _, typ := range []string{"review.file", "review.file", "review.summary"} {
		ev := newEvent(t, typ, nil)
		ids = append(ids, ev.ID)
		push(t, q, ev, 0)
		_, ok, _ := q.TryPop()
		require.True(t, ok)
		_, err := q.Nack(ctx, ev.ID, errors.New("boom"))
		require.NoError(t, err)
	}
	require.Len(t, q.DeadLetters(), 3)

	n, err := q.ReprocessDLQByCriteria(ctx, Criteria{Type: "review.file"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, q.Len())
	require.Len(t, q.DeadLetters(), 1)

	require.NoError(t, q.ReprocessFromDLQ(ctx, ids[2]))
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, faults.ItemNotFound, faults.CodeOf(q.ReprocessFromDLQ(ctx, ids[2])))

	it, ok, _ := q.TryPop()
	require.True(t, ok)
	assert.Zero(t, it.RetryCount, "reprocessed items get a fresh budget")

	_, err = q.Nack(ctx, it.Event.ID, errors.New("again"))
	require.NoError(t, err)
	assert.Equal(t, 1, q.PurgeDLQ())
	assert.Empty(t, q.DeadLetters())
}

func TestQueue_CriteriaByCodeAndPrefix(t *testing.T) {
	q := New(Config{MaxRetries: 0})
	ctx := context.Background()

	timeout := newEvent(t, "tool.call", nil)
	failed := newEvent(t, "llm.call", nil)
	for _, ev := range []event.Event{timeout, failed} {
		push(t, q, ev, 0)
		_, ok, _ := q.TryPop()
		require.True(t, ok)
	}
	_, err := q.Nack(ctx, timeout.ID, faults.New(faults.KernelOperationTimeout, "slow"))
	require.NoError(t, err)
	_, err = q.Nack(ctx, failed.ID, errors.New("bad"))
	require.NoError(t, err)

	n, err := q.ReprocessDLQByCriteria(ctx, Criteria{Code: faults.KernelOperationTimeout})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = q.ReprocessDLQByCriteria(ctx, Criteria{TypePrefix: "llm."})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueue_Backpressure(t *testing.T) {
	ctx := context.Background()

	t.Run("reject", func(t *testing.T) {
		q := New(Config{MaxQueueDepth: 1, Backpressure: BackpressureReject})
		push(t, q, newEvent(t, "a", nil), 0)
		_, err := q.Push(ctx, newEvent(t, "b", nil), PushOptions{})
		assert.Equal(t, faults.BufferOverflow, faults.CodeOf(err))
	})

	t.Run("drop", func(t *testing.T) {
		q := New(Config{MaxQueueDepth: 1, Backpressure: BackpressureDrop})
		push(t, q, newEvent(t, "a", nil), 0)
		res, err := q.Push(ctx, newEvent(t, "b", nil), PushOptions{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.False(t, res.Queued)
		assert.Equal(t, int64(1), q.Stats().Dropped)
	})

	t.Run("block", func(t *testing.T) {
		q := New(Config{MaxQueueDepth: 1, Backpressure: BackpressureBlock})
		first := newEvent(t, "a", nil)
		push(t, q, first, 0)

		done := make(chan error, 1)
		go func() {
			_, err := q.Push(ctx, newEvent(t, "b", nil), PushOptions{})
			done <- err
		}()

		select {
		case <-done:
			t.Fatal("push should block while full")
		case <-time.After(20 * time.Millisecond):
		}

		_, ok, _ := q.TryPop()
		require.True(t, ok)
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("push did not resume after space freed")
		}
	})

	t.Run("block honors ctx", func(t *testing.T) {
		q := New(Config{MaxQueueDepth: 1, Backpressure: BackpressureBlock})
		push(t, q, newEvent(t, "a", nil), 0)
		ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := q.Push(ctx, newEvent(t, "b", nil), PushOptions{})
		assert.Equal(t, faults.KernelOperationTimeout, faults.CodeOf(err))
	})

	t.Run("memory", func(t *testing.T) {
		q := New(Config{MaxMemoryUsage: 300, Backpressure: BackpressureReject})
		push(t, q, newEvent(t, "a", nil), 0)
		_, err := q.Push(ctx, newEvent(t, "b", map[string]string{"pad": strings.Repeat("x", 300)}), PushOptions{})
		assert.Equal(t, faults.BufferOverflow, faults.CodeOf(err))
	})
}

func TestQueue_CompressesLargeEvents(t *testing.T) {
	q := New(Config{LargeEventThreshold: 256, HugeEventThreshold: 1 << 20, EnableCompression: true})
	payload := map[string]string{"diff": strings.Repeat("+ added line\n", 500)}
	ev := newEvent(t, "review.diff", payload)
	push(t, q, ev, 0)

	assert.Less(t, q.MemoryUsage(), int64(ev.Size()), "stored compressed")

	it, ok, err := q.TryPop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, it.Compressed)
	assert.Equal(t, SizeLarge, it.Size)
	assert.JSONEq(t, string(ev.Data), string(it.Event.Data))
}

func TestQueue_DropsHugeEvents(t *testing.T) {
	q := New(Config{LargeEventThreshold: 64, HugeEventThreshold: 128, DropHugeEvents: true})
	ev := newEvent(t, "blob", map[string]string{"b": strings.Repeat("z", 512)})
	res, err := q.Push(context.Background(), ev, PushOptions{})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, faults.EventTooLarge, faults.CodeOf(res.Err))
	assert.Zero(t, q.Len())
}

func TestQueue_AtMostOnceRemovedOnPop(t *testing.T) {
	q := New(Config{})
	ev, err := event.New("fire.and.forget", nil, event.EmitOptions{DeliveryGuarantee: event.AtMostOnce})
	require.NoError(t, err)
	push(t, q, ev, 0)

	_, ok, _ := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, faults.ItemNotFound, faults.CodeOf(q.Ack(context.Background(), ev.ID)))
	assert.Zero(t, q.Stats().InFlight)
	assert.Zero(t, q.MemoryUsage())
}

func TestQueue_AckTimeoutRedelivers(t *testing.T) {
	clock := newFakeClock()
	q := New(Config{
		EnableAcks:  true,
		AckTimeout:  10 * time.Second,
		MaxRetries:  3,
		RetryDelays: []time.Duration{time.Second},
	}, WithClock(clock.Now))
	ev := newEvent(t, "slow", nil)
	push(t, q, ev, 0)

	_, ok, _ := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, 1, q.Stats().InFlight)

	clock.Advance(11 * time.Second)
	_, ok, _ = q.TryPop()
	assert.False(t, ok, "redelivery waits for the retry delay")
	assert.Zero(t, q.Stats().InFlight)

	clock.Advance(time.Second)
	it, ok, _ := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, 1, it.RetryCount)
	require.NotNil(t, it.LastError)
	assert.Equal(t, faults.AckTimeout, it.LastError.Code)

	require.NoError(t, q.Ack(context.Background(), ev.ID))
	assert.Equal(t, int64(1), q.Stats().Acked)
}

func TestQueue_JournalAndRecover(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryPersistor(persist.MemoryConfig{})
	cfg := Config{
		Name:                  "exec-1",
		EnablePersistence:     true,
		PersistCriticalEvents: true,
		CriticalPrefixes:      []string{"billing."},
	}

	q1 := New(cfg, WithJournal(persist.NewJournal(store, "exec-1")))
	critical := newEvent(t, "billing.charge", map[string]int{"cents": 100})
	plain := newEvent(t, "log.line", nil)
	forced := newEvent(t, "review.done", nil)
	push(t, q1, critical, 7)
	push(t, q1, plain, 0)
	res, err := q1.Push(ctx, forced, PushOptions{Critical: true})
	require.NoError(t, err)
	require.True(t, res.Queued)

	it, ok, _ := q1.TryPop()
	require.True(t, ok)
	require.Equal(t, critical.ID, it.Event.ID)
	assert.True(t, it.Persistent)
	assert.False(t, it.PersistedAt.IsZero())
	q1.Close()

	// Crash: a new queue over the same journal sees both unacked critical events.
	q2 := New(cfg, WithJournal(persist.NewJournal(store, "exec-1")))
	n, err := q2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = q2.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "events already queued are skipped")

	first, ok, _ := q2.TryPop()
	require.True(t, ok)
	assert.Equal(t, critical.ID, first.Event.ID, "priority survives recovery")
	require.NoError(t, q2.Ack(ctx, first.Event.ID))
	second, ok, _ := q2.TryPop()
	require.True(t, ok)
	assert.Equal(t, forced.ID, second.Event.ID)
	require.NoError(t, q2.Ack(ctx, second.Event.ID))

	q3 := New(cfg, WithJournal(persist.NewJournal(store, "exec-1")))
	n, err = q3.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_AckTimeoutDeadLetterClosesJournal(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := persist.NewMemoryPersistor(persist.MemoryConfig{})
	cfg := Config{
		Name:                  "exec-1",
		EnableAcks:            true,
		AckTimeout:            10 * time.Second,
		EnablePersistence:     true,
		PersistCriticalEvents: true,
		CriticalTypes:         []string{"billing.charge"},
	}

	q1 := New(cfg, WithJournal(persist.NewJournal(store, "exec-1")), WithClock(clock.Now))
	ev := newEvent(t, "billing.charge", map[string]int{"cents": 100})
	push(t, q1, ev, 0)
	_, ok, _ := q1.TryPop()
	require.True(t, ok)

	clock.Advance(11 * time.Second)
	_, ok, _ = q1.TryPop()
	assert.False(t, ok)
	dls := q1.DeadLetters()
	require.Len(t, dls, 1)
	assert.Equal(t, faults.AckTimeout, dls[0].Error.Code)

	q2 := New(cfg, WithJournal(persist.NewJournal(store, "exec-1")))
	n, err := q2.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "dead letters are not replayed")
}

func TestQueue_PopBatchAndPending(t *testing.T) {
	q := New(Config{BatchSize: 2})
	for i := range 3 {
		push(t, q, newEvent(t, "e", map[string]int{"i": i}), 0)
	}
	batch, err := q.PopBatch(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, batch[0].Event.ID, pending[0].Event.ID, "in-flight first")
}

func TestQueue_Close(t *testing.T) {
	q := New(Config{})
	errc := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	assert.ErrorIs(t, <-errc, ErrClosed)

	_, err := q.Push(context.Background(), newEvent(t, "x", nil), PushOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}
