// Package queue implements the bounded, priority-ordered event queue that
// feeds a kernel.
//
// Items are dequeued by priority (highest first) and, within a priority, in
// arrival order. Critical events are journaled through a persist.Journal
// before Push reports them queued, so Recover can replay them after a crash.
// Failed items are retried on a backoff table and eventually moved to a
// dead-letter view.
package queue

import (
	"bytes"
	"cmp"
	"container/heap"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/fyrsmithlabs/runtimed/internal/persist"
	"go.uber.org/zap"
)

// ErrClosed is returned by Pop and Push after Close.
var ErrClosed = errors.New("queue closed")

// Size classifies an event by serialized size.
type Size string

const (
	SizeNormal Size = "normal"
	SizeLarge  Size = "large"
	SizeHuge   Size = "huge"
)

// Backpressure selects Push behavior when the queue is full.
type Backpressure string

const (
	BackpressureBlock  Backpressure = "block"
	BackpressureReject Backpressure = "reject"
	BackpressureDrop   Backpressure = "drop"
)

// Config configures a Queue.
type Config struct {
	Name string

	// MaxQueueDepth bounds pending items; MaxMemoryUsage bounds bytes held
	// by pending and in-flight items. Zero disables a bound.
	MaxQueueDepth  int
	MaxMemoryUsage int64
	Backpressure   Backpressure
	BatchSize      int

	LargeEventThreshold int
	HugeEventThreshold  int
	EnableCompression   bool
	DropHugeEvents      bool

	MaxRetries  int
	RetryDelays []time.Duration
	MaxDLQSize  int

	EnableAcks bool
	AckTimeout time.Duration

	EnablePersistence     bool
	PersistCriticalEvents bool
	CriticalTypes         []string
	CriticalPrefixes      []string
	MaxPersistedEvents    int
	EnableAutoRecovery    bool
	RecoveryBatchSize     int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Name:                  "default",
		MaxQueueDepth:         10000,
		MaxMemoryUsage:        100 << 20,
		Backpressure:          BackpressureReject,
		BatchSize:             10,
		LargeEventThreshold:   64 << 10,
		HugeEventThreshold:    1 << 20,
		EnableCompression:     true,
		MaxRetries:            3,
		RetryDelays:           []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, time.Minute},
		MaxDLQSize:            1000,
		AckTimeout:            30 * time.Second,
		PersistCriticalEvents: true,
		MaxPersistedEvents:    10000,
		RecoveryBatchSize:     100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Backpressure == "" {
		c.Backpressure = d.Backpressure
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.LargeEventThreshold <= 0 {
		c.LargeEventThreshold = d.LargeEventThreshold
	}
	if c.HugeEventThreshold <= 0 {
		c.HugeEventThreshold = d.HugeEventThreshold
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = d.RetryDelays
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = d.RecoveryBatchSize
	}
	return c
}

// PushOptions control a single Push.
type PushOptions struct {
	Priority int
	// Critical forces journaling regardless of type rules.
	Critical bool
}

// Item wraps an event with queueing metadata. Only the queue mutates it;
// callers receive copies.
type Item struct {
	Event       event.Event     `json:"event"`
	Priority    int             `json:"priority"`
	Seq         uint64          `json:"seq"`
	RetryCount  int             `json:"retry_count"`
	RetryDelays []time.Duration `json:"retry_delays,omitempty"`
	NextRetryAt time.Time       `json:"next_retry_at,omitzero"`
	Size        Size            `json:"size"`
	Bytes       int             `json:"bytes"`
	Compressed  bool            `json:"compressed"`
	Persistent  bool            `json:"persistent"`
	PersistedAt time.Time       `json:"persisted_at,omitzero"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	DeliveredAt time.Time       `json:"delivered_at,omitzero"`
	LastError   *faults.Error   `json:"last_error,omitempty"`

	payload []byte
	index   int
}

// view returns a caller-owned copy with the payload restored.
func (it *Item) view() (Item, error) {
	c := *it
	c.payload = nil
	c.index = -1
	c.Event = it.Event.Clone()
	c.RetryDelays = append([]time.Duration(nil), it.RetryDelays...)
	if it.Compressed {
		raw, err := persist.Decompress(it.payload)
		if err != nil {
			return Item{}, faults.Wrap(faults.PersistenceFailed, err, "decompress %s", it.Event.ID)
		}
		c.Event.Data = bytes.Clone(raw)
	}
	return c, nil
}

// Stats summarizes a queue.
type Stats struct {
	Name         string `json:"name"`
	Depth        int    `json:"depth"`
	Ready        int    `json:"ready"`
	Delayed      int    `json:"delayed"`
	InFlight     int    `json:"in_flight"`
	DeadLettered int    `json:"dead_lettered"`
	MemoryBytes  int64  `json:"memory_bytes"`
	Pushed       int64  `json:"pushed"`
	Dropped      int64  `json:"dropped"`
	Retried      int64  `json:"retried"`
	Acked        int64  `json:"acked"`
}

// Queue is a bounded priority event queue. Safe for concurrent use.
type Queue struct {
	cfg     Config
	journal *persist.Journal
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.Mutex
	ready    readyHeap
	delayed  delayedHeap
	inflight map[string]*Item
	dlq      []DeadLetter
	memory   int64
	reserved int
	seq      uint64
	signal   chan struct{}
	closed   bool

	pushed, dropped, retried, acked int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithJournal enables durable journaling of critical events.
func WithJournal(j *persist.Journal) Option {
	return func(q *Queue) { q.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l.Named("queue")
		}
	}
}

// WithMetrics records queue metrics to m.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue.
func New(cfg Config, opts ...Option) *Queue {
	q := &Queue{
		cfg:      cfg.withDefaults(),
		logger:   zap.NewNop(),
		now:      time.Now,
		inflight: make(map[string]*Item),
		signal:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

func (q *Queue) broadcastLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (q *Queue) pendingLocked() int {
	return len(q.ready) + len(q.delayed) + q.reserved
}

func (q *Queue) fullLocked(extra int) bool {
	if q.cfg.MaxQueueDepth > 0 && q.pendingLocked() >= q.cfg.MaxQueueDepth {
		return true
	}
	if q.cfg.MaxMemoryUsage > 0 && q.memory+int64(extra) > q.cfg.MaxMemoryUsage {
		return true
	}
	return false
}

// IsCritical reports whether typ matches the configured critical types or
// prefixes.
func (q *Queue) IsCritical(typ string) bool {
	for _, t := range q.cfg.CriticalTypes {
		if t == typ {
			return true
		}
	}
	for _, p := range q.cfg.CriticalPrefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

func (q *Queue) classify(ev event.Event) (Size, int) {
	n := ev.Size()
	switch {
	case n > q.cfg.HugeEventThreshold:
		return SizeHuge, n
	case n > q.cfg.LargeEventThreshold:
		return SizeLarge, n
	default:
		return SizeNormal, n
	}
}

// Push enqueues ev. Critical events are journaled before Queued is
// reported. When the queue is full the Backpressure policy applies: block
// waits for space, reject fails with BUFFER_OVERFLOW, drop reports
// Success=false without an error. Huge events are dropped with
// EVENT_TOO_LARGE in the result when DropHugeEvents is set.
func (q *Queue) Push(ctx context.Context, ev event.Event, opts PushOptions) (event.EmitResult, error) {
	return q.push(ctx, ev, opts, false)
}

func (q *Queue) push(ctx context.Context, ev event.Event, opts PushOptions, journaled bool) (event.EmitResult, error) {
	res := event.EmitResult{EventID: ev.ID}

	size, n := q.classify(ev)
	if size == SizeHuge && q.cfg.DropHugeEvents {
		res.Err = faults.New(faults.EventTooLarge, "%s is %d bytes, limit %d", ev.Type, n, q.cfg.HugeEventThreshold)
		q.countDrop()
		q.logger.Warn("dropped huge event", zap.String("event.type", ev.Type), zap.Int("bytes", n))
		return res, nil
	}

	it := &Item{
		Event:      ev.Clone(),
		Priority:   opts.Priority,
		Size:       size,
		Bytes:      n,
		EnqueuedAt: q.now(),
		index:      -1,
	}
	if size != SizeNormal && q.cfg.EnableCompression && len(ev.Data) > 0 {
		payload, err := persist.Compress(ev.Data)
		if err != nil {
			return res, faults.Wrap(faults.PersistenceFailed, err, "compress %s", ev.ID)
		}
		it.payload = payload
		it.Bytes = n - len(ev.Data) + len(payload)
		it.Event.Data = nil
		it.Compressed = true
	}
	critical := opts.Critical || q.IsCritical(ev.Type)
	it.Persistent = journaled || (q.journal != nil && q.cfg.EnablePersistence &&
		(size == SizeHuge || (critical && q.cfg.PersistCriticalEvents)))

	if err := q.reserve(ctx, it.Bytes); err != nil {
		if errors.Is(err, errDropped) {
			q.countDrop()
			return res, nil
		}
		return res, err
	}

	if it.Persistent && !journaled {
		if err := q.journal.RecordEnqueue(ctx, ev, opts.Priority); err != nil {
			q.release(it.Bytes)
			return res, faults.Wrap(faults.PersistenceFailed, err, "journal %s", ev.ID)
		}
		it.PersistedAt = q.now()
	}

	q.mu.Lock()
	q.reserved--
	q.seq++
	it.Seq = q.seq
	heap.Push(&q.ready, it)
	q.pushed++
	q.broadcastLocked()
	q.mu.Unlock()

	q.metrics.depth(q.cfg.Name, 1)
	q.metrics.count(q.cfg.Name, "pushed")

	res.Success = true
	res.Queued = true
	return res, nil
}

var errDropped = errors.New("dropped")

// reserve claims a slot and n bytes, applying backpressure.
func (q *Queue) reserve(ctx context.Context, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return ErrClosed
		}
		if !q.fullLocked(n) {
			q.reserved++
			q.memory += int64(n)
			q.metrics.memory(q.cfg.Name, int64(n))
			return nil
		}
		switch q.cfg.Backpressure {
		case BackpressureDrop:
			return errDropped
		case BackpressureBlock:
			wait := q.signal
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				q.mu.Lock()
				return faults.Normalize(ctx.Err())
			case <-wait:
			}
			q.mu.Lock()
		default:
			return faults.New(faults.BufferOverflow, "queue %s full: %d pending, %d bytes", q.cfg.Name, q.pendingLocked(), q.memory)
		}
	}
}

func (q *Queue) release(n int) {
	q.mu.Lock()
	q.reserved--
	q.memory -= int64(n)
	q.broadcastLocked()
	q.mu.Unlock()
	q.metrics.memory(q.cfg.Name, -int64(n))
}

func (q *Queue) countDrop() {
	q.mu.Lock()
	q.dropped++
	q.mu.Unlock()
	q.metrics.count(q.cfg.Name, "dropped")
}

// promoteLocked moves due retries to the ready heap and redelivers items
// whose ack deadline passed. Returns the next time something becomes due.
func (q *Queue) promoteLocked(now time.Time) (time.Time, []*Item) {
	for len(q.delayed) > 0 && !q.delayed[0].NextRetryAt.After(now) {
		it := heap.Pop(&q.delayed).(*Item)
		heap.Push(&q.ready, it)
	}

	var expired []*Item
	var next time.Time
	if q.cfg.EnableAcks && q.cfg.AckTimeout > 0 {
		for id, it := range q.inflight {
			deadline := it.DeliveredAt.Add(q.cfg.AckTimeout)
			if !deadline.After(now) {
				delete(q.inflight, id)
				expired = append(expired, it)
				continue
			}
			if next.IsZero() || deadline.Before(next) {
				next = deadline
			}
		}
	}
	if len(q.delayed) > 0 {
		due := q.delayed[0].NextRetryAt
		if next.IsZero() || due.Before(next) {
			next = due
		}
	}
	return next, expired
}

// Pop blocks until an item is ready or ctx ends. At-most-once items are
// removed on delivery; others stay in flight until Ack or Nack.
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	for {
		it, ok, wait, next, err := q.tryPop()
		if err != nil || ok {
			return it, err
		}

		var timer *time.Timer
		var due <-chan time.Time
		if !next.IsZero() {
			timer = time.NewTimer(next.Sub(q.now()))
			due = timer.C
		}
		select {
		case <-ctx.Done():
			err = faults.Normalize(ctx.Err())
		case <-wait:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return Item{}, err
		}
	}
}

// TryPop returns the next ready item without blocking.
func (q *Queue) TryPop() (Item, bool, error) {
	it, ok, _, _, err := q.tryPop()
	return it, ok, err
}

// PopBatch blocks for the first item and then takes up to BatchSize-1 more
// without blocking.
func (q *Queue) PopBatch(ctx context.Context) ([]Item, error) {
	first, err := q.Pop(ctx)
	if err != nil {
		return nil, err
	}
	out := []Item{first}
	for len(out) < q.cfg.BatchSize {
		it, ok, err := q.TryPop()
		if err != nil || !ok {
			break
		}
		out = append(out, it)
	}
	return out, nil
}

func (q *Queue) tryPop() (Item, bool, <-chan struct{}, time.Time, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Item{}, false, nil, time.Time{}, ErrClosed
	}
	now := q.now()
	next, expired := q.promoteLocked(now)
	var dead []string
	for _, it := range expired {
		res := q.retryLocked(it, faults.New(faults.AckTimeout, "%s not acknowledged within %s", it.Event.ID, q.cfg.AckTimeout), now)
		if res.DeadLettered && it.Persistent {
			dead = append(dead, it.Event.ID)
		}
	}
	if len(q.ready) == 0 {
		wait := q.signal
		q.mu.Unlock()
		q.ackDead(dead)
		return Item{}, false, wait, next, nil
	}

	it := heap.Pop(&q.ready).(*Item)
	it.DeliveredAt = now
	atMostOnce := it.Event.Guarantee() == event.AtMostOnce
	if atMostOnce {
		q.memory -= int64(it.Bytes)
		q.broadcastLocked()
	} else {
		q.inflight[it.Event.ID] = it
	}
	q.mu.Unlock()
	q.ackDead(dead)

	q.metrics.depth(q.cfg.Name, -1)
	if atMostOnce {
		q.metrics.memory(q.cfg.Name, -int64(it.Bytes))
		if it.Persistent {
			q.journalAck(context.Background(), it.Event.ID)
		}
	}

	v, err := it.view()
	return v, err == nil, nil, time.Time{}, err
}

// Ack completes an in-flight item.
func (q *Queue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	it, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return faults.New(faults.ItemNotFound, "no in-flight item %s", id)
	}
	delete(q.inflight, id)
	q.memory -= int64(it.Bytes)
	q.acked++
	q.broadcastLocked()
	q.mu.Unlock()

	q.metrics.memory(q.cfg.Name, -int64(it.Bytes))
	q.metrics.count(q.cfg.Name, "acked")
	if it.Persistent {
		return q.journalAck(ctx, id)
	}
	return nil
}

func (q *Queue) journalAck(ctx context.Context, id string) error {
	if err := q.journal.RecordAck(ctx, id); err != nil {
		q.logger.Warn("failed to journal ack", zap.String("event.id", id), zap.Error(err))
		return faults.Wrap(faults.PersistenceFailed, err, "journal ack %s", id)
	}
	return nil
}

// ackDead closes the journal records of items dead-lettered by ack timeout.
func (q *Queue) ackDead(ids []string) {
	for _, id := range ids {
		_ = q.journalAck(context.Background(), id)
	}
}

// NackResult reports what Nack did with the item.
type NackResult struct {
	DeadLettered bool
	RetryCount   int
	NextRetryAt  time.Time
}

// Nack fails an in-flight item. Retryable errors schedule a retry from the
// RetryDelays table (the last entry repeats); non-retryable errors or a
// retry count beyond MaxRetries move the item to the dead-letter view.
func (q *Queue) Nack(ctx context.Context, id string, cause error) (NackResult, error) {
	q.mu.Lock()
	it, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return NackResult{}, faults.New(faults.ItemNotFound, "no in-flight item %s", id)
	}
	delete(q.inflight, id)
	res := q.retryLocked(it, cause, q.now())
	q.mu.Unlock()

	if res.DeadLettered && it.Persistent {
		// Dead letters are not replayed by recovery.
		_ = q.journalAck(ctx, id)
	}
	return res, nil
}

func (q *Queue) retryLocked(it *Item, cause error, now time.Time) NackResult {
	if cause == nil {
		cause = faults.New(faults.HandlerFailed, "%s nacked", it.Event.ID)
	}
	fe := faults.Normalize(cause)
	it.LastError = fe
	it.RetryCount++

	if !fe.Retryable || it.RetryCount > q.cfg.MaxRetries {
		q.deadLetterLocked(it, fe, now)
		return NackResult{DeadLettered: true, RetryCount: it.RetryCount}
	}

	idx := it.RetryCount - 1
	if idx >= len(q.cfg.RetryDelays) {
		idx = len(q.cfg.RetryDelays) - 1
	}
	delay := q.cfg.RetryDelays[idx]
	it.RetryDelays = append(it.RetryDelays, delay)
	it.NextRetryAt = now.Add(delay)
	heap.Push(&q.delayed, it)
	q.retried++
	q.broadcastLocked()

	q.metrics.depth(q.cfg.Name, 1)
	q.metrics.count(q.cfg.Name, "retried")
	q.logger.Debug("scheduled retry",
		zap.String("event.id", it.Event.ID),
		zap.String("event.type", it.Event.Type),
		zap.Int("retry_count", it.RetryCount),
		zap.Duration("delay", delay))
	return NackResult{RetryCount: it.RetryCount, NextRetryAt: it.NextRetryAt}
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed)
}

// MemoryUsage returns the bytes held by pending and in-flight items.
func (q *Queue) MemoryUsage() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.memory
}

// Pending returns copies of every pending and in-flight item in dequeue
// order (in-flight first). Used when snapshotting a paused kernel.
func (q *Queue) Pending() ([]Item, error) {
	q.mu.Lock()
	inflight := make([]*Item, 0, len(q.inflight))
	for _, it := range q.inflight {
		inflight = append(inflight, it)
	}
	ready := slices.Clone(q.ready)
	delayed := slices.Clone(q.delayed)
	q.mu.Unlock()

	slices.SortFunc(inflight, func(a, b *Item) int { return cmp.Compare(a.Seq, b.Seq) })
	slices.SortFunc(ready, compareReady)
	slices.SortFunc(delayed, compareDelayed)

	ordered := slices.Concat(inflight, []*Item(ready), []*Item(delayed))

	out := make([]Item, 0, len(ordered))
	for _, it := range ordered {
		v, err := it.view()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Discard drops every pending item without touching the journal, so a
// later Recover brings journaled items back. It returns the number dropped.
func (q *Queue) Discard() int {
	q.mu.Lock()
	n := len(q.ready) + len(q.delayed)
	var freed int64
	for _, it := range slices.Concat([]*Item(q.ready), []*Item(q.delayed)) {
		freed += int64(it.Bytes)
	}
	q.ready, q.delayed = nil, nil
	q.memory -= freed
	q.broadcastLocked()
	q.mu.Unlock()

	q.metrics.depth(q.cfg.Name, -n)
	q.metrics.memory(q.cfg.Name, -freed)
	return n
}

// Stats returns a snapshot of counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Name:         q.cfg.Name,
		Depth:        len(q.ready) + len(q.delayed),
		Ready:        len(q.ready),
		Delayed:      len(q.delayed),
		InFlight:     len(q.inflight),
		DeadLettered: len(q.dlq),
		MemoryBytes:  q.memory,
		Pushed:       q.pushed,
		Dropped:      q.dropped,
		Retried:      q.retried,
		Acked:        q.acked,
	}
}

// Close wakes all waiters; subsequent Push and Pop fail with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}
