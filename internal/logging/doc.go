// Package logging builds the zap logger runtimed writes through.
//
// Output goes to stdout, to an OpenTelemetry log provider via otelzap, or to
// both. Records below error level are sampled; errors never are. Values of
// sensitive keys (tokens, passwords, authorization headers) are masked by the
// encoder before they reach either sink.
//
// Kernels tag their run context with WithExecution so every line logged
// through the context-aware methods carries tenant, execution and trace ids:
//
//	ctx := logging.WithExecution(ctx, &logging.Execution{TenantID: "acme", ExecutionID: "exec-1"})
//	logger.Info(ctx, "event dispatched", zap.String("event.type", ev.Type))
//
// Most packages take a plain *zap.Logger; use Underlying to hand one out.
package logging
