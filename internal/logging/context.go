package logging

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/runtimed/internal/sanitize"
)

// Execution identifies the kernel a record belongs to.
type Execution struct {
	TenantID      string
	ExecutionID   string
	CorrelationID string
}

type executionKey struct{}
type requestIDKey struct{}

// requestIDPattern also bounds the length, since request ids come from
// clients.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ContextFields returns the trace, execution and request fields carried by
// ctx.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()))
	}
	if e, ok := ctx.Value(executionKey{}).(*Execution); ok {
		fields = append(fields, zap.String("tenant.id", e.TenantID))
		if e.ExecutionID != "" {
			fields = append(fields, zap.String("execution.id", e.ExecutionID))
		}
		if e.CorrelationID != "" {
			fields = append(fields, zap.String("correlation.id", e.CorrelationID))
		}
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

// ExecutionFromContext returns the execution set by WithExecution, or nil.
func ExecutionFromContext(ctx context.Context) *Execution {
	e, _ := ctx.Value(executionKey{}).(*Execution)
	return e
}

// WithExecution is ContextWithExecution for identifiers already validated.
// It panics on malformed ones.
func WithExecution(ctx context.Context, e *Execution) context.Context {
	ctx, err := ContextWithExecution(ctx, e)
	if err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return ctx
}

// ContextWithExecution tags ctx with e. The tenant id is required.
func ContextWithExecution(ctx context.Context, e *Execution) (context.Context, error) {
	if e == nil {
		return ctx, fmt.Errorf("execution cannot be nil")
	}
	if err := sanitize.ValidateTenantID(e.TenantID); err != nil {
		return ctx, err
	}
	if err := sanitize.ValidateExecutionID(e.ExecutionID); err != nil {
		return ctx, err
	}
	if e.CorrelationID != "" && !requestIDPattern.MatchString(e.CorrelationID) {
		return ctx, fmt.Errorf("invalid correlation id %q", e.CorrelationID)
	}
	return context.WithValue(ctx, executionKey{}, e), nil
}

// ContextWithRequestID tags ctx with a client-supplied request id.
func ContextWithRequestID(ctx context.Context, id string) (context.Context, error) {
	if !requestIDPattern.MatchString(id) {
		return ctx, fmt.Errorf("invalid request id %q", id)
	}
	return context.WithValue(ctx, requestIDKey{}, id), nil
}
