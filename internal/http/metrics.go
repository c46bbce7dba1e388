package http

import (
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the OTEL scope of the admin API metrics.
const InstrumentationName = "github.com/fyrsmithlabs/runtimed/internal/http"

// HTTPMetrics records admin API traffic.
type HTTPMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

// NewHTTPMetrics creates the instruments on meter.
func NewHTTPMetrics(meter metric.Meter) (*HTTPMetrics, error) {
	var (
		m   HTTPMetrics
		err error
	)
	m.requests, err = meter.Int64Counter(
		"runtimed.http.requests",
		metric.WithDescription("Admin API requests by method, route and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("requests counter: %w", err)
	}
	m.duration, err = meter.Float64Histogram(
		"runtimed.http.request.duration",
		metric.WithDescription("Admin API request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("duration histogram: %w", err)
	}
	m.active, err = meter.Int64UpDownCounter(
		"runtimed.http.active_requests",
		metric.WithDescription("Admin API requests in flight"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("active requests counter: %w", err)
	}
	return &m, nil
}

// Middleware records one request. It must wrap the access log middleware,
// which resolves handler errors into the response status.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			m.active.Add(ctx, 1)
			defer m.active.Add(ctx, -1)

			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route(c)),
				attribute.Int("status", c.Response().Status),
			)
			m.requests.Add(ctx, 1, attrs)
			m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			return err
		}
	}
}

// route is the matched pattern (/api/v1/executions/:id), so execution ids
// never become label values. Unmatched requests share one label.
func route(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return "unmatched"
}
