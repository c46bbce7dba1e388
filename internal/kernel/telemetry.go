package kernel

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the OTEL instrumentation scope of the kernel.
const InstrumentationName = "github.com/fyrsmithlabs/runtimed/internal/kernel"

// Metrics holds OTEL instruments for kernels. A nil *Metrics records
// nothing.
type Metrics struct {
	dispatched       metric.Int64Counter
	failed           metric.Int64Counter
	skipped          metric.Int64Counter
	quotaExceeded    metric.Int64Counter
	snapshots        metric.Int64Counter
	active           metric.Int64UpDownCounter
	dispatchDuration metric.Float64Histogram
}

// NewMetrics creates kernel instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.dispatched, err = meter.Int64Counter(
		"runtimed.kernel.events.dispatched",
		metric.WithDescription("Events dispatched to handlers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.failed, err = meter.Int64Counter(
		"runtimed.kernel.events.failed",
		metric.WithDescription("Dispatches that failed, by error code"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.skipped, err = meter.Int64Counter(
		"runtimed.kernel.events.skipped",
		metric.WithDescription("Duplicate deliveries absorbed by the idempotency ledger"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	m.quotaExceeded, err = meter.Int64Counter(
		"runtimed.kernel.quota.exceeded",
		metric.WithDescription("Quota breaches, by quota"),
		metric.WithUnit("{breach}"),
	)
	if err != nil {
		return nil, err
	}

	m.snapshots, err = meter.Int64Counter(
		"runtimed.kernel.snapshots",
		metric.WithDescription("Snapshots written, by kind (full, delta)"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return nil, err
	}

	m.active, err = meter.Int64UpDownCounter(
		"runtimed.kernel.active",
		metric.WithDescription("Kernels currently running"),
		metric.WithUnit("{kernel}"),
	)
	if err != nil {
		return nil, err
	}

	m.dispatchDuration, err = meter.Float64Histogram(
		"runtimed.kernel.dispatch.duration",
		metric.WithDescription("Handler dispatch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordDispatch(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.dispatchDuration.Record(ctx, d.Seconds())
	if err != nil {
		m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(faults.CodeOf(err)))))
		return
	}
	m.dispatched.Add(ctx, 1)
}

func (m *Metrics) recordSkipped(ctx context.Context) {
	if m == nil {
		return
	}
	m.skipped.Add(ctx, 1)
}

func (m *Metrics) recordQuota(ctx context.Context, quota string) {
	if m == nil {
		return
	}
	m.quotaExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("quota", quota)))
}

func (m *Metrics) recordSnapshot(ctx context.Context, delta bool) {
	if m == nil {
		return
	}
	kind := "full"
	if delta {
		kind = "delta"
	}
	m.snapshots.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) running(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.active.Add(ctx, delta)
}

// Tracer returns the kernel tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

func (k *Kernel) spanAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("runtime.tenant_id", k.cfg.TenantID),
		attribute.String("runtime.execution_id", k.cfg.ID),
		attribute.String("runtime.correlation_id", k.cfg.CorrelationID),
	}
}
