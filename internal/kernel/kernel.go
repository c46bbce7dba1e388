// Package kernel drives a single tenant-scoped execution.
//
// A Kernel owns an event queue and a handler registry. Run pops events in
// priority order and dispatches each through the middleware chain, one at a
// time, until the queue drains (completed), a handler failure is fatal or a
// quota is breached (failed), or a pause is requested (paused). Pause
// captures a content-addressed snapshot; Resume rehydrates from one.
//
// Lifecycle:
//
//	pending ─Run/Resume─▶ executing ─▶ completed | failed | paused
//	paused ─Resume─▶ executing
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/bus"
	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/fyrsmithlabs/runtimed/internal/middleware"
	"github.com/fyrsmithlabs/runtimed/internal/persist"
	"github.com/fyrsmithlabs/runtimed/internal/queue"
	"github.com/fyrsmithlabs/runtimed/internal/status"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventQuotaExceeded is delivered to handlers when a quota is breached.
const EventQuotaExceeded = "kernel.quota_exceeded"

// Lifecycle is the kernel's sub-lifecycle of the unified status table.
var Lifecycle = status.Table[status.Status]{
	status.Pending:   {status.Executing},
	status.Executing: {status.Paused, status.Completed, status.Failed},
	status.Paused:    {status.Executing},
	status.Completed: {},
	status.Failed:    {},
}

// ErrReentrantPause is returned by Pause when called from a handler of the
// same kernel; handlers use RequestPause instead.
var ErrReentrantPause = errors.New("pause called from a handler; use RequestPause")

// ResultMetadata describes a finished Run or Resume.
type ResultMetadata struct {
	ExecutionID string        `json:"execution_id"`
	Duration    time.Duration `json:"duration"`
	EventCount  int           `json:"event_count"`
	SnapshotID  string        `json:"snapshot_id,omitempty"`
}

// ExecutionResult is returned by Run and Resume.
type ExecutionResult struct {
	Status   status.Status   `json:"status"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    *faults.Error   `json:"-"`
	Metadata ResultMetadata  `json:"metadata"`
}

// Kernel runs one execution. Methods are safe for concurrent use; handlers
// run on the goroutine that called Run or Resume.
type Kernel struct {
	cfg       Config
	registry  *event.Registry
	mws       []middleware.Middleware
	handler   event.Handler
	queue     *queue.Queue
	persistor persist.Persistor
	sink      bus.Sink
	logger    *zap.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time
	ledger    *expirable.LRU[string, struct{}]
	wake      chan struct{}

	mu          sync.Mutex
	state       State
	dataBytes   int64
	initialized bool
	elapsed     time.Duration // accumulated before the current run segment
	history     []event.Event
	base        *persist.Snapshot // materialized view of the last snapshot
	deltas      int               // deltas written since base's full snapshot
	lastSnap    string
	pauseReason string
	pauseReq    bool
	waiters     []chan pauseOutcome
	cancelMsg   string
	cancel      context.CancelFunc
}

type pauseOutcome struct {
	id  string
	err error
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithRegistry uses r for handlers, typically a clone of a template.
func WithRegistry(r *event.Registry) Option {
	return func(k *Kernel) {
		if r != nil {
			k.registry = r
		}
	}
}

// WithMiddleware wraps dispatch; the first middleware is outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(k *Kernel) { k.mws = append(k.mws, mws...) }
}

// WithPersistor enables snapshots and, when the queue config asks for it,
// critical event journaling.
func WithPersistor(p persist.Persistor) Option {
	return func(k *Kernel) { k.persistor = p }
}

// WithSink publishes notifications to s.
func WithSink(s bus.Sink) Option {
	return func(k *Kernel) {
		if s != nil {
			k.sink = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(k *Kernel) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithMetrics records OTEL metrics to m.
func WithMetrics(m *Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(k *Kernel) {
		if t != nil {
			k.tracer = t
		}
	}
}

// WithClock overrides time.Now for quotas and snapshots.
func WithClock(now func() time.Time) Option {
	return func(k *Kernel) { k.now = now }
}

// New creates a kernel in the pending state.
func New(cfg Config, opts ...Option) *Kernel {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg = cfg.withDefaults()

	k := &Kernel{
		cfg:      cfg,
		registry: event.NewRegistry(),
		sink:     bus.Nop{},
		logger:   zap.NewNop(),
		tracer:   Tracer(),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = k.logger.Named("kernel").With(
		zap.String("tenant.id", cfg.TenantID),
		zap.String("execution.id", cfg.ID),
		zap.String("correlation.id", cfg.CorrelationID),
	)
	k.ledger = expirable.NewLRU[string, struct{}](cfg.IdempotencySize, nil, cfg.IdempotencyTTL)
	k.handler = middleware.Compose(k.mws...)(k.registry.Dispatch)

	qopts := []queue.Option{queue.WithLogger(k.logger), queue.WithMetrics(queue.NewMetrics()), queue.WithClock(k.now)}
	if k.persistor != nil && cfg.Queue.EnablePersistence {
		qopts = append(qopts, queue.WithJournal(persist.NewJournal(k.persistor, cfg.ID)))
	}
	k.queue = queue.New(cfg.Queue, qopts...)

	k.state = State{
		ID:            cfg.ID,
		TenantID:      cfg.TenantID,
		CorrelationID: cfg.CorrelationID,
		JobID:         cfg.JobID,
		ContextData:   map[string]json.RawMessage{},
		StateData:     map[string]json.RawMessage{},
		Status:        status.Pending,
		Quotas:        cfg.Quotas,
	}
	return k
}

// ID returns the execution id.
func (k *Kernel) ID() string { return k.cfg.ID }

// TenantID returns the tenant.
func (k *Kernel) TenantID() string { return k.cfg.TenantID }

// Queue exposes the kernel queue for inspection.
func (k *Kernel) Queue() *queue.Queue { return k.queue }

// Initialize prepares the kernel to run. With auto-recovery enabled it
// replays journaled critical events that were never acknowledged.
func (k *Kernel) Initialize(ctx context.Context) error {
	k.mu.Lock()
	if k.state.Status != status.Pending || k.initialized {
		st := k.state.Status
		k.mu.Unlock()
		return faults.New(faults.KernelInitFailed, "kernel %s already initialized (status %s)", k.cfg.ID, st)
	}
	k.initialized = true
	k.mu.Unlock()

	if k.cfg.Queue.EnableAutoRecovery {
		n, err := k.queue.Recover(ctx)
		if err != nil {
			return faults.Wrap(faults.KernelInitFailed, err, "recovering queue")
		}
		if n > 0 {
			k.logger.Info("recovered journaled events", zap.Int("count", n))
		}
	}
	k.logger.Debug("kernel initialized")
	return nil
}

// Status returns the current status.
func (k *Kernel) Status() status.Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state.Status
}

// State returns a copy of the kernel state.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	s := k.state
	s.ContextData = cloneData(k.state.ContextData)
	s.StateData = cloneData(k.state.StateData)
	s.PendingOperations = k.ledger.Len()
	return s
}

// SetQuotas replaces the quotas. Not allowed while executing.
func (k *Kernel) SetQuotas(q Quotas) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state.Status == status.Executing {
		return faults.New(faults.KernelStateSyncFailed, "cannot change quotas while executing")
	}
	k.state.Quotas = q
	return nil
}

// On registers h for an exact type, "*", or a glob pattern.
func (k *Kernel) On(key string, h event.Handler) event.HandlerID {
	return k.registry.On(key, h)
}

// Off removes a handler registered with On.
func (k *Kernel) Off(key string, id event.HandlerID) bool {
	return k.registry.Off(key, id)
}

// Emit builds a root event scoped to this kernel and queues it.
func (k *Kernel) Emit(ctx context.Context, typ string, data any, opts event.EmitOptions) (event.EmitResult, error) {
	if opts.TenantID == "" {
		opts.TenantID = k.cfg.TenantID
	}
	if opts.ExecutionID == "" {
		opts.ExecutionID = k.cfg.ID
	}
	if opts.CorrelationID == "" {
		opts.CorrelationID = k.cfg.CorrelationID
	}
	ev, err := event.New(typ, data, opts)
	if err != nil {
		return event.EmitResult{Err: err}, err
	}
	return k.enqueue(ctx, ev, opts)
}

func (k *Kernel) enqueue(ctx context.Context, ev event.Event, opts event.EmitOptions) (event.EmitResult, error) {
	fail := func(err error) (event.EmitResult, error) {
		fe := faults.Normalize(err).WithContext(k.cfg.TenantID, k.cfg.ID, k.cfg.CorrelationID)
		return event.EmitResult{EventID: ev.ID, Err: fe}, fe
	}

	switch st := k.Status(); st {
	case status.Completed, status.Failed:
		return fail(faults.New(faults.KernelNotRunning, "kernel %s is %s", k.cfg.ID, st))
	}
	if err := event.CheckChain(ev, k.cfg.MaxEventDepth, k.cfg.MaxEventChainLength); err != nil {
		k.publish(ctx, bus.Notification{Kind: bus.KindLoopDetected, EventID: ev.ID, EventType: ev.Type, Error: bus.NewErrorInfo(err)})
		return fail(err)
	}

	res, err := k.queue.Push(ctx, ev, queue.PushOptions{Priority: opts.Priority, Critical: opts.Critical})
	if err != nil {
		return fail(err)
	}
	if res.Err != nil {
		res.Err = faults.Normalize(res.Err).WithContext(k.cfg.TenantID, k.cfg.ID, k.cfg.CorrelationID)
	}
	return res, nil
}

// Run starts the execution with start (skipped when start.Type is empty)
// and dispatches until the kernel leaves executing. Execution failures are
// reported in the result; the error is non-nil only when the kernel could
// not start.
func (k *Kernel) Run(ctx context.Context, start event.Event) (*ExecutionResult, error) {
	k.mu.Lock()
	if !k.initialized {
		k.mu.Unlock()
		return nil, faults.New(faults.KernelNotRunning, "kernel %s not initialized", k.cfg.ID)
	}
	if k.state.Status != status.Pending {
		st := k.state.Status
		k.mu.Unlock()
		return nil, faults.New(faults.InvalidStatusTransition, "run from %s", st)
	}
	k.mu.Unlock()

	if start.Type != "" {
		if start.ID == "" {
			return nil, faults.New(faults.KernelInitFailed, "start event has no id; build it with event.New")
		}
		if start.Metadata.TenantID == "" {
			start.Metadata.TenantID = k.cfg.TenantID
		}
		if start.Metadata.ExecutionID == "" {
			start.Metadata.ExecutionID = k.cfg.ID
		}
		if start.Metadata.CorrelationID == "" {
			start.Metadata.CorrelationID = k.cfg.CorrelationID
		}
		if _, err := k.enqueue(ctx, start, event.EmitOptions{}); err != nil {
			return nil, err
		}
	}
	return k.start(ctx)
}

// RequestPause asks a running kernel to pause after the current dispatch.
// It never blocks and is safe to call from handlers. Reports whether the
// request was accepted.
func (k *Kernel) RequestPause(reason string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state.Status != status.Executing {
		return false
	}
	k.pauseReq = true
	k.pauseReason = reason
	k.signal()
	return true
}

// Pause asks a running kernel to pause and waits for the snapshot id.
func (k *Kernel) Pause(ctx context.Context, reason string) (string, error) {
	if s, ok := ScopeFrom(ctx); ok && s.k == k {
		return "", ErrReentrantPause
	}
	k.mu.Lock()
	if k.state.Status != status.Executing {
		st := k.state.Status
		k.mu.Unlock()
		return "", faults.New(faults.KernelNotRunning, "pause from %s", st)
	}
	done := make(chan pauseOutcome, 1)
	k.waiters = append(k.waiters, done)
	k.pauseReq = true
	k.pauseReason = reason
	k.signal()
	k.mu.Unlock()

	select {
	case out := <-done:
		return out.id, out.err
	case <-ctx.Done():
		return "", faults.Normalize(ctx.Err())
	}
}

// Cancel stops a running kernel; it finishes failed with KERNEL_CANCELLED.
// Handlers observe cancellation through their context.
func (k *Kernel) Cancel(reason string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state.Status != status.Executing || k.cancel == nil {
		return faults.New(faults.KernelNotRunning, "cancel from %s", k.state.Status)
	}
	if reason == "" {
		reason = "cancelled"
	}
	k.cancelMsg = reason
	k.cancel()
	k.signal()
	return nil
}

// DeadLetters returns the queue's dead-letter view.
func (k *Kernel) DeadLetters() []queue.DeadLetter {
	return k.queue.DeadLetters()
}

// ReprocessDeadLetters requeues dead letters matching c.
func (k *Kernel) ReprocessDeadLetters(ctx context.Context, c queue.Criteria) (int, error) {
	if st := k.Status(); st == status.Completed || st == status.Failed {
		return 0, faults.New(faults.KernelNotRunning, "kernel %s is %s", k.cfg.ID, st)
	}
	return k.queue.ReprocessDLQByCriteria(ctx, c)
}

// ReprocessDeadLetter requeues the dead letter with event id.
func (k *Kernel) ReprocessDeadLetter(ctx context.Context, id string) error {
	if st := k.Status(); st == status.Completed || st == status.Failed {
		return faults.New(faults.KernelNotRunning, "kernel %s is %s", k.cfg.ID, st)
	}
	return k.queue.ReprocessFromDLQ(ctx, id)
}

// signal wakes a loop blocked on an empty queue. Callers hold k.mu or
// otherwise tolerate a spurious wake.
func (k *Kernel) signal() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// transitionLocked moves to `to` if both the kernel lifecycle and the
// unified table allow it.
func (k *Kernel) transitionLocked(to status.Status) error {
	from := k.state.Status
	if !Lifecycle.Allows(from, to) {
		return faults.New(faults.InvalidStatusTransition, "%s -> %s", from, to)
	}
	if err := status.Transition(&k.state.Status, to); err != nil {
		return faults.Wrap(faults.InvalidStatusTransition, err, "%s -> %s", from, to)
	}
	return nil
}

func (k *Kernel) transition(ctx context.Context, to status.Status, reason string) error {
	k.mu.Lock()
	from := k.state.Status
	err := k.transitionLocked(to)
	k.mu.Unlock()
	if err != nil {
		return err
	}
	k.logger.Info("status changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	k.publish(ctx, bus.Notification{Kind: bus.KindStatusChanged, Status: string(to)})
	return nil
}

func (k *Kernel) publish(ctx context.Context, n bus.Notification) {
	n.TenantID = k.cfg.TenantID
	n.ExecutionID = k.cfg.ID
	n.CorrelationID = k.cfg.CorrelationID
	if n.Timestamp.IsZero() {
		n.Timestamp = k.now().UTC()
	}
	if err := k.sink.Publish(context.WithoutCancel(ctx), n); err != nil {
		k.logger.Warn("sink publish failed", zap.String("kind", string(n.Kind)), zap.Error(err))
	}
}

func (k *Kernel) get(sel func(*State) map[string]json.RawMessage, key string, v any) (bool, error) {
	k.mu.Lock()
	raw, ok := sel(&k.state)[key]
	k.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (k *Kernel) set(sel func(*State) map[string]json.RawMessage, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return faults.Wrap(faults.KernelContextCorruption, err, "encode %q", key)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	m := sel(&k.state)
	if old, ok := m[key]; ok {
		k.dataBytes -= int64(len(key) + len(old))
	}
	m[key] = raw
	k.dataBytes += int64(len(key) + len(raw))
	return nil
}

func (k *Kernel) del(sel func(*State) map[string]json.RawMessage, key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	m := sel(&k.state)
	if old, ok := m[key]; ok {
		k.dataBytes -= int64(len(key) + len(old))
		delete(m, key)
	}
}
