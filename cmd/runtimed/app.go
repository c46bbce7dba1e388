package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/runtimed/internal/breaker"
	"github.com/fyrsmithlabs/runtimed/internal/bus"
	"github.com/fyrsmithlabs/runtimed/internal/config"
	"github.com/fyrsmithlabs/runtimed/internal/kernel"
	"github.com/fyrsmithlabs/runtimed/internal/logging"
	"github.com/fyrsmithlabs/runtimed/internal/middleware"
	"github.com/fyrsmithlabs/runtimed/internal/persist"
	"github.com/fyrsmithlabs/runtimed/internal/runtime"
	"github.com/fyrsmithlabs/runtimed/internal/telemetry"
	"github.com/fyrsmithlabs/runtimed/internal/worker"
)

// app holds everything run wires together.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	tel      *telemetry.Telemetry
	nc       *nats.Conn
	breakers *breaker.Registry
	rt       *runtime.Runtime
}

// newApp builds the runtime and its dependencies. On error everything
// created so far is released.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	built := false
	defer func() {
		if !built {
			a.close()
		}
	}()

	var err error
	a.tel, err = initTelemetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.logger, err = initLogger(cfg, a.tel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if cfg.UsesNATS() {
		a.nc, err = connectNATS(cfg, a.logger)
		if err != nil {
			return nil, err
		}
	}

	opts := []runtime.Option{
		runtime.WithLogger(a.logger),
		runtime.WithTracer(a.tel.Tracer(kernel.InstrumentationName)),
	}

	persistor, err := newPersistor(cfg, a.nc, a.logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, runtime.WithPersistor(persistor))

	if cfg.NATS.Publish {
		opts = append(opts, runtime.WithSink(bus.NewNATSSink(a.nc,
			bus.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
			bus.WithLogger(a.logger))))
	}

	metrics, err := kernel.NewMetrics(a.tel.Meter(kernel.InstrumentationName))
	if err != nil {
		a.logger.Warn("kernel metrics unavailable", zap.Error(err))
	} else {
		opts = append(opts, runtime.WithMetrics(metrics))
	}

	a.breakers = breaker.NewRegistry(cfg.ToBreaker(),
		breaker.WithLogger(a.logger),
		breaker.WithMetrics(breaker.NewMetrics()))
	opts = append(opts, runtime.WithMiddleware(buildMiddleware(cfg, a.breakers, a.logger)...))

	a.rt = runtime.New(cfg.ToRuntime(), opts...)

	if cfg.Workers.Enabled {
		client := worker.NewClient(a.nc,
			worker.WithSubjectPrefix(cfg.Workers.SubjectPrefix),
			worker.WithTimeout(cfg.Workers.Timeout.Duration()),
			worker.WithLogger(a.logger))
		for _, key := range cfg.Workers.Types {
			a.rt.On(key, client.Handler())
		}
		a.logger.Info("Delegating handlers to workers",
			zap.Strings("types", cfg.Workers.Types),
			zap.String("subject_prefix", cfg.Workers.SubjectPrefix))
	}
	built = true
	return a, nil
}

// initTelemetry maps the observability section onto the telemetry config.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Observability.EnableTelemetry
	tcfg.ServiceName = cfg.Observability.ServiceName
	tcfg.ServiceVersion = version
	tcfg.Endpoint = cfg.Observability.Endpoint
	tcfg.Protocol = cfg.Observability.Protocol
	tcfg.Insecure = cfg.Observability.Insecure
	tcfg.CAFile = cfg.Observability.CAFile
	tcfg.SampleRate = cfg.Observability.SampleRate
	return telemetry.New(ctx, tcfg)
}

// initLogger builds the zap logger, bridged to OTEL when telemetry provides
// a log provider.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*zap.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(strings.ToLower(cfg.Logging.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Logging.Level, err)
	}
	lcfg.Level = level
	lcfg.Format = cfg.Logging.Format
	// Callers log through the underlying zap logger, not the wrapper.
	lcfg.Caller.Skip = 0
	lcfg.Fields["service"] = cfg.Observability.ServiceName

	lp := tel.LoggerProvider()
	lcfg.Output.OTEL = lp != nil

	logger, err := logging.NewLogger(lcfg, lp)
	if err != nil {
		return nil, err
	}
	return logger.Underlying(), nil
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("runtimed"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.NATS.ConnectWait.Duration()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
	}
	if cfg.NATS.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.NATS.Token.Value()))
	}

	nc, err := nats.Connect(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrlRedacted()))
	return nc, nil
}

// newPersistor returns the snapshot store selected by persistence.backend.
func newPersistor(cfg *config.Config, nc *nats.Conn, logger *zap.Logger) (persist.Persistor, error) {
	switch cfg.Persistence.Backend {
	case config.BackendNATS:
		if nc == nil {
			return nil, errors.New("nats persistence requires a NATS connection")
		}
		js, err := nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		p, err := persist.NewKVPersistor(js, cfg.ToKV(), persist.WithKVLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to open snapshot bucket %s: %w", cfg.Persistence.Bucket, err)
		}
		return p, nil
	default:
		return persist.NewMemoryPersistor(cfg.ToMemoryPersistor(), persist.WithMemoryLogger(logger)), nil
	}
}

// buildMiddleware returns the dispatch chain, outermost first: panic
// recovery, rate limit, per-tenant concurrency, per-type circuit breaker,
// retry, then the per-attempt timeout.
func buildMiddleware(cfg *config.Config, breakers *breaker.Registry, logger *zap.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.Recover(logger.Named("dispatch"))}

	if r := cfg.Runtime.RateLimit; r > 0 {
		burst := cfg.Runtime.RateBurst
		if burst <= 0 {
			burst = 1
		}
		mws = append(mws, middleware.RateLimit(rate.Limit(r), burst, true))
	}
	if cc, ok := cfg.ToConcurrency(); ok {
		mws = append(mws, middleware.Concurrency(cc))
	}
	if cfg.CircuitBreaker.Enabled {
		mws = append(mws, middleware.CircuitBreakerPerType(breakers))
	}
	if cfg.Retry.Enabled {
		mws = append(mws, middleware.Retry(cfg.ToRetry()))
	}
	if d := cfg.Kernel.HandlerTimeout.Duration(); d > 0 {
		mws = append(mws, middleware.Timeout(d))
	}
	return mws
}

// reload applies a changed config file. Only the template quotas take
// effect; everything else needs a restart.
func (a *app) reload(cfg *config.Config) {
	a.rt.SetQuotas(cfg.ToKernel().Quotas)
}

// health reports component status for GET /health.
func (a *app) health() map[string]string {
	out := map[string]string{"runtime": "ok"}

	out["telemetry"] = "ok"
	if h := a.tel.Health(); a.tel.IsEnabled() && (!h.Healthy || h.Degraded) {
		out["telemetry"] = "degraded"
	}

	if a.nc != nil {
		if a.nc.IsConnected() {
			out["nats"] = "ok"
		} else {
			out["nats"] = strings.ToLower(a.nc.Status().String())
		}
	}
	if a.breakers != nil {
		for _, s := range a.breakers.Stats() {
			if s.State == breaker.Open {
				out["breaker."+s.Name] = "open"
			}
		}
	}
	return out
}

// shutdown pauses running executions and flushes telemetry.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.rt != nil {
		if err := a.rt.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("runtime shutdown: %w", err))
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// close releases connections. Safe to call on a partially built app.
func (a *app) close() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
		a.nc = nil
	}
	if a.logger != nil {
		_ = a.logger.Sync() // Best-effort sync
	}
}
