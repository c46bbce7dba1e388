// Package runtime hosts many kernels for many tenants.
//
// A Runtime owns the pieces kernels share: the persistor, the notification
// sink, the middleware chain, telemetry and a template handler registry.
// Every kernel gets a clone of the template, so handlers registered on the
// Runtime before a kernel is created apply to it, while handlers a kernel
// registers itself stay private.
//
// Kernels started with Start run on their own goroutine; Shutdown pauses
// every executing kernel in parallel so each leaves a snapshot to resume
// from.
package runtime

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/bus"
	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"github.com/fyrsmithlabs/runtimed/internal/kernel"
	"github.com/fyrsmithlabs/runtimed/internal/middleware"
	"github.com/fyrsmithlabs/runtimed/internal/persist"
	"github.com/fyrsmithlabs/runtimed/internal/queue"
	"github.com/fyrsmithlabs/runtimed/internal/sanitize"
	"github.com/fyrsmithlabs/runtimed/internal/status"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed is returned once Shutdown has begun.
	ErrClosed = errors.New("runtime is shut down")

	// ErrUnknownExecution is returned for ids the runtime does not host.
	ErrUnknownExecution = errors.New("unknown execution")
)

// Config configures a Runtime.
type Config struct {
	// MaxKernelsPerTenant caps live (non-terminal) kernels per tenant. Zero
	// means unlimited.
	MaxKernelsPerTenant int `koanf:"max_kernels_per_tenant"`

	// Kernel is the template for every kernel; Spec fields override it.
	Kernel kernel.Config `koanf:"-"`

	// ShutdownTimeout bounds Shutdown when the caller's context has no
	// deadline.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// Retain keeps finished kernels queryable for this long. Zero keeps them
	// until Remove.
	Retain time.Duration `koanf:"retain"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxKernelsPerTenant: 100,
		Kernel:              kernel.DefaultConfig(),
		ShutdownTimeout:     30 * time.Second,
		Retain:              time.Hour,
	}
}

// Spec describes one execution to create.
type Spec struct {
	ID            string
	TenantID      string
	CorrelationID string
	JobID         string
	// Quotas overrides the template quotas when non-zero.
	Quotas kernel.Quotas
}

// Info summarizes a hosted execution.
type Info struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenant_id"`
	CorrelationID  string        `json:"correlation_id,omitempty"`
	JobID          string        `json:"job_id,omitempty"`
	Status         status.Status `json:"status"`
	EventCount     int           `json:"event_count"`
	QueueDepth     int           `json:"queue_depth"`
	DeadLetters    int           `json:"dead_letters"`
	LastSnapshotID string        `json:"last_snapshot_id,omitempty"`
	StartTime      time.Time     `json:"start_time,omitzero"`
	Running        bool          `json:"running"`
}

// Stats counts hosted executions by status.
type Stats struct {
	Executions int                   `json:"executions"`
	Running    int                   `json:"running"`
	ByStatus   map[status.Status]int `json:"by_status"`
	ByTenant   map[string]int        `json:"by_tenant"`
}

type entry struct {
	k        *kernel.Kernel
	running  bool
	done     chan struct{} // closed when the current run segment returns
	result   *kernel.ExecutionResult
	err      error
	finished time.Time
}

// Runtime hosts kernels. Safe for concurrent use.
type Runtime struct {
	cfg       Config
	template  *event.Registry
	mws       []middleware.Middleware
	persistor persist.Persistor
	sink      bus.Sink
	logger    *zap.Logger
	metrics   *kernel.Metrics
	tracer    trace.Tracer
	now       func() time.Time

	mu      sync.Mutex
	kernels map[string]*entry
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithPersistor shares p among all kernels.
func WithPersistor(p persist.Persistor) Option {
	return func(r *Runtime) { r.persistor = p }
}

// WithSink publishes every kernel's notifications to s.
func WithSink(s bus.Sink) Option {
	return func(r *Runtime) {
		if s != nil {
			r.sink = s
		}
	}
}

// WithMiddleware wraps every kernel's dispatch; the first is outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(r *Runtime) { r.mws = append(r.mws, mws...) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics shares kernel OTEL instruments among all kernels.
func WithMetrics(m *kernel.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithTracer overrides the kernel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// New creates a Runtime.
func New(cfg Config, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		template: event.NewRegistry(),
		sink:     bus.Nop{},
		logger:   zap.NewNop(),
		now:      time.Now,
		kernels:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("runtime")
	return r
}

// On registers a handler on the template registry. It applies to kernels
// created afterwards.
func (r *Runtime) On(key string, h event.Handler) event.HandlerID {
	return r.template.On(key, h)
}

// Off removes a template handler.
func (r *Runtime) Off(key string, id event.HandlerID) bool {
	return r.template.Off(key, id)
}

// Create builds and initializes a kernel for spec. It fails with
// TENANT_LIMIT_EXCEEDED when the tenant already has MaxKernelsPerTenant live
// kernels.
func (r *Runtime) Create(ctx context.Context, spec Spec) (*kernel.Kernel, error) {
	k, err := r.create(spec)
	if err != nil {
		return nil, err
	}
	if err := k.Initialize(ctx); err != nil {
		r.Remove(k.ID())
		return nil, err
	}
	r.logger.Info("execution created",
		zap.String("tenant.id", k.TenantID()),
		zap.String("execution.id", k.ID()))
	return k, nil
}

func (r *Runtime) create(spec Spec) (*kernel.Kernel, error) {
	if err := sanitize.ValidateTenantID(spec.TenantID); err != nil {
		return nil, faults.Wrap(faults.KernelInitFailed, err, "tenant %q", spec.TenantID)
	}
	if err := sanitize.ValidateExecutionID(spec.ID); err != nil {
		return nil, faults.Wrap(faults.KernelInitFailed, err, "execution")
	}

	r.mu.Lock()
	cfg := r.cfg.Kernel
	r.mu.Unlock()
	cfg.ID = spec.ID
	cfg.TenantID = spec.TenantID
	cfg.CorrelationID = spec.CorrelationID
	cfg.JobID = spec.JobID
	if spec.Quotas != (kernel.Quotas{}) {
		cfg.Quotas = spec.Quotas
	}
	cfg.Queue.Name = spec.TenantID
	cfg.Queue.CriticalTypes = slices.Clone(cfg.Queue.CriticalTypes)
	cfg.Queue.CriticalPrefixes = slices.Clone(cfg.Queue.CriticalPrefixes)
	cfg.Queue.RetryDelays = slices.Clone(cfg.Queue.RetryDelays)

	opts := []kernel.Option{
		kernel.WithRegistry(r.template.Clone()),
		kernel.WithMiddleware(r.mws...),
		kernel.WithSink(r.sink),
		kernel.WithLogger(r.logger),
		kernel.WithMetrics(r.metrics),
		kernel.WithTracer(r.tracer),
		kernel.WithClock(r.now),
	}
	if r.persistor != nil {
		opts = append(opts, kernel.WithPersistor(r.persistor))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.reapLocked()
	if spec.ID != "" {
		if _, ok := r.kernels[spec.ID]; ok {
			return nil, faults.New(faults.KernelInitFailed, "execution %s already exists", spec.ID)
		}
	}
	if limit := r.cfg.MaxKernelsPerTenant; limit > 0 {
		if live := r.liveLocked(spec.TenantID); live >= limit {
			return nil, faults.New(faults.TenantLimitExceeded, "tenant %s has %d live executions (max %d)", spec.TenantID, live, limit).
				WithContext(spec.TenantID, spec.ID, spec.CorrelationID)
		}
	}

	k := kernel.New(cfg, opts...)
	r.kernels[k.ID()] = &entry{k: k}
	return k, nil
}

// SetQuotas replaces the template quotas. Executions created afterwards
// get them unless their Spec carries its own; existing kernels keep theirs.
func (r *Runtime) SetQuotas(q kernel.Quotas) {
	r.mu.Lock()
	old := r.cfg.Kernel.Quotas
	r.cfg.Kernel.Quotas = q
	r.mu.Unlock()
	if old != q {
		r.logger.Info("template quotas changed",
			zap.Int("max_events", q.MaxEvents),
			zap.Duration("max_duration", q.MaxDuration),
			zap.Int64("max_memory", q.MaxMemory))
	}
}

// liveLocked counts kernels of tenant that are not in a final state.
func (r *Runtime) liveLocked(tenant string) int {
	n := 0
	for _, e := range r.kernels {
		if e.k.TenantID() == tenant && !kernel.Lifecycle.Terminal(e.k.Status()) {
			n++
		}
	}
	return n
}

// reapLocked forgets finished kernels older than Retain.
func (r *Runtime) reapLocked() {
	if r.cfg.Retain <= 0 {
		return
	}
	cutoff := r.now().Add(-r.cfg.Retain)
	for id, e := range r.kernels {
		if !e.running && !e.finished.IsZero() && e.finished.Before(cutoff) {
			delete(r.kernels, id)
		}
	}
}

// Execute creates a kernel for spec and runs it to a stop on the calling
// goroutine.
func (r *Runtime) Execute(ctx context.Context, spec Spec, start event.Event) (*kernel.ExecutionResult, error) {
	k, err := r.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, k.ID(), func(ctx context.Context) (*kernel.ExecutionResult, error) {
		return k.Run(ctx, start)
	})
}

// Start creates a kernel for spec and runs it on a new goroutine. Wait
// returns its result.
func (r *Runtime) Start(ctx context.Context, spec Spec, start event.Event) (*kernel.Kernel, error) {
	k, err := r.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := r.goRun(ctx, k.ID(), func(ctx context.Context) (*kernel.ExecutionResult, error) {
		return k.Run(ctx, start)
	}); err != nil {
		return nil, err
	}
	return k, nil
}

// Resume continues a paused execution on a new goroutine. An execution the
// runtime does not host (for example after a restart) is rebuilt from spec
// and restored from snapshotID, or from its latest snapshot when snapshotID
// is empty.
func (r *Runtime) Resume(ctx context.Context, spec Spec, snapshotID string) (*kernel.Kernel, error) {
	k, ok := r.Get(spec.ID)
	switch {
	case ok:
		if st := k.Status(); st != status.Paused && st != status.Pending {
			return nil, faults.New(faults.InvalidStatusTransition, "resume %s from %s", spec.ID, st)
		}
	case spec.ID == "":
		return nil, faults.New(faults.SnapshotNotFound, "resume needs an execution id")
	case r.persistor == nil:
		return nil, faults.New(faults.SnapshotNotFound, "no persistor to resume %s from", spec.ID)
	default:
		if err := r.checkSnapshot(ctx, spec.ID, snapshotID); err != nil {
			return nil, err
		}
		var err error
		if k, err = r.create(spec); err != nil {
			return nil, err
		}
	}
	if err := r.goRun(ctx, k.ID(), func(ctx context.Context) (*kernel.ExecutionResult, error) {
		return k.Resume(ctx, snapshotID)
	}); err != nil {
		return nil, err
	}
	return k, nil
}

// checkSnapshot fails early when there is nothing to restore, so a rebuilt
// kernel is not left behind in pending.
func (r *Runtime) checkSnapshot(ctx context.Context, id, snapshotID string) error {
	if snapshotID == "" {
		_, err := persist.Latest(ctx, r.persistor, id)
		return err
	}
	ok, err := r.persistor.Has(ctx, snapshotID)
	if err != nil {
		return faults.Wrap(faults.PersistenceFailed, err, "looking up %s", snapshotID)
	}
	if !ok {
		return faults.New(faults.SnapshotNotFound, "snapshot %s", snapshotID)
	}
	return nil
}

func (r *Runtime) goRun(ctx context.Context, id string, fn func(context.Context) (*kernel.ExecutionResult, error)) error {
	e, err := r.begin(id)
	if err != nil {
		return err
	}
	// Runs outlive the request that started them; Shutdown stops them.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer r.wg.Done()
		res, err := fn(runCtx)
		r.end(id, e, res, err)
	}()
	return nil
}

func (r *Runtime) run(ctx context.Context, id string, fn func(context.Context) (*kernel.ExecutionResult, error)) (*kernel.ExecutionResult, error) {
	e, err := r.begin(id)
	if err != nil {
		return nil, err
	}
	defer r.wg.Done()
	res, err := fn(ctx)
	r.end(id, e, res, err)
	return res, err
}

func (r *Runtime) begin(id string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	e, ok := r.kernels[id]
	if !ok {
		return nil, faults.Wrap(faults.KernelNotRunning, ErrUnknownExecution, "%s", id)
	}
	if e.running {
		return nil, faults.New(faults.KernelStateSyncFailed, "execution %s is already running", id)
	}
	e.running = true
	e.done = make(chan struct{})
	e.result, e.err = nil, nil
	r.wg.Add(1)
	return e, nil
}

func (r *Runtime) end(id string, e *entry, res *kernel.ExecutionResult, err error) {
	r.mu.Lock()
	e.running = false
	e.result, e.err = res, err
	if res != nil && kernel.Lifecycle.Terminal(res.Status) {
		e.finished = r.now()
	}
	close(e.done)
	r.mu.Unlock()

	fields := []zap.Field{zap.String("tenant.id", e.k.TenantID()), zap.String("execution.id", id)}
	switch {
	case err != nil:
		r.logger.Warn("execution did not start", append(fields, zap.Error(err))...)
	case res.Error != nil:
		r.logger.Info("execution stopped",
			append(fields, zap.String("status", string(res.Status)), zap.String("code", string(res.Error.Code)))...)
	default:
		r.logger.Info("execution stopped",
			append(fields, zap.String("status", string(res.Status)), zap.Int("events", res.Metadata.EventCount))...)
	}
}

// Wait blocks until the current run segment of id returns, and returns its
// result. For an execution that is not running it returns the last result.
func (r *Runtime) Wait(ctx context.Context, id string) (*kernel.ExecutionResult, error) {
	r.mu.Lock()
	e, ok := r.kernels[id]
	if !ok {
		r.mu.Unlock()
		return nil, faults.Wrap(faults.KernelNotRunning, ErrUnknownExecution, "%s", id)
	}
	done := e.done
	r.mu.Unlock()

	if done == nil {
		return nil, faults.New(faults.KernelNotRunning, "execution %s has not run", id)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, faults.Normalize(ctx.Err())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.result, e.err
}

// Get returns the kernel hosting id.
func (r *Runtime) Get(id string) (*kernel.Kernel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.kernels[id]
	if !ok {
		return nil, false
	}
	return e.k, true
}

func (r *Runtime) kernel(id string) (*kernel.Kernel, error) {
	k, ok := r.Get(id)
	if !ok {
		return nil, faults.Wrap(faults.KernelNotRunning, ErrUnknownExecution, "%s", id)
	}
	return k, nil
}

// Info describes execution id.
func (r *Runtime) Info(id string) (Info, error) {
	r.mu.Lock()
	e, ok := r.kernels[id]
	var running bool
	if ok {
		running = e.running
	}
	r.mu.Unlock()
	if !ok {
		return Info{}, faults.Wrap(faults.KernelNotRunning, ErrUnknownExecution, "%s", id)
	}
	return describe(e.k, running), nil
}

func describe(k *kernel.Kernel, running bool) Info {
	st := k.State()
	return Info{
		ID:             st.ID,
		TenantID:       st.TenantID,
		CorrelationID:  st.CorrelationID,
		JobID:          st.JobID,
		Status:         st.Status,
		EventCount:     st.EventCount,
		QueueDepth:     k.Queue().Len(),
		DeadLetters:    len(k.DeadLetters()),
		LastSnapshotID: k.LastSnapshotID(),
		StartTime:      st.StartTime,
		Running:        running,
	}
}

// List describes hosted executions, optionally only those of tenant,
// ordered by tenant then id.
func (r *Runtime) List(tenant string) []Info {
	type item struct {
		k       *kernel.Kernel
		running bool
	}
	r.mu.Lock()
	items := make([]item, 0, len(r.kernels))
	for _, e := range r.kernels {
		if tenant == "" || e.k.TenantID() == tenant {
			items = append(items, item{e.k, e.running})
		}
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(items))
	for _, it := range items {
		out = append(out, describe(it.k, it.running))
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := strings.Compare(a.TenantID, b.TenantID); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Stats counts hosted executions.
func (r *Runtime) Stats() Stats {
	s := Stats{ByStatus: map[status.Status]int{}, ByTenant: map[string]int{}}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.kernels {
		s.Executions++
		if e.running {
			s.Running++
		}
		s.ByStatus[e.k.Status()]++
		s.ByTenant[e.k.TenantID()]++
	}
	return s
}

// Pause pauses execution id and returns the snapshot id.
func (r *Runtime) Pause(ctx context.Context, id, reason string) (string, error) {
	k, err := r.kernel(id)
	if err != nil {
		return "", err
	}
	return k.Pause(ctx, reason)
}

// Cancel cancels execution id.
func (r *Runtime) Cancel(id, reason string) error {
	k, err := r.kernel(id)
	if err != nil {
		return err
	}
	return k.Cancel(reason)
}

// DeadLetters returns the dead-letter view of execution id.
func (r *Runtime) DeadLetters(id string) ([]queue.DeadLetter, error) {
	k, err := r.kernel(id)
	if err != nil {
		return nil, err
	}
	return k.DeadLetters(), nil
}

// ReprocessDeadLetters requeues dead letters of execution id matching c.
func (r *Runtime) ReprocessDeadLetters(ctx context.Context, id string, c queue.Criteria) (int, error) {
	k, err := r.kernel(id)
	if err != nil {
		return 0, err
	}
	return k.ReprocessDeadLetters(ctx, c)
}

// ReprocessDeadLetter requeues one dead letter of execution id.
func (r *Runtime) ReprocessDeadLetter(ctx context.Context, id, eventID string) error {
	k, err := r.kernel(id)
	if err != nil {
		return err
	}
	return k.ReprocessDeadLetter(ctx, eventID)
}

// Remove forgets an execution that is not running. Reports whether it was
// removed.
func (r *Runtime) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.kernels[id]
	if !ok || e.running {
		return false
	}
	delete(r.kernels, id)
	return true
}

// Shutdown stops accepting work and pauses every executing kernel in
// parallel, then waits for run goroutines to return. Kernels that cannot be
// paused are cancelled. Returns KERNEL_SHUTDOWN_FAILED if any pause failed
// or ctx expired first.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var live []*kernel.Kernel
	for _, e := range r.kernels {
		if e.running {
			live = append(live, e.k)
		}
	}
	r.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && r.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
		defer cancel()
	}

	r.logger.Info("shutting down", zap.Int("running", len(live)))
	g, gctx := errgroup.WithContext(ctx)
	for _, k := range live {
		g.Go(func() error {
			id, err := k.Pause(gctx, "shutdown")
			if err == nil {
				r.logger.Info("paused for shutdown",
					zap.String("tenant.id", k.TenantID()),
					zap.String("execution.id", k.ID()),
					zap.String("snapshot.id", id))
				return nil
			}
			if faults.Has(err, faults.KernelNotRunning) {
				// Finished on its own meanwhile.
				return nil
			}
			_ = k.Cancel("shutdown")
			return faults.Wrap(faults.KernelShutdownFailed, err, "pausing %s", k.ID())
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = faults.Wrap(faults.KernelShutdownFailed, ctx.Err(), "waiting for executions")
		}
	}
	return err
}
