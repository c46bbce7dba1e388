package http

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHTTPMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewHTTPMetrics(mp.Meter(InstrumentationName))
	require.NoError(t, err)

	server, _ := setupTestServer(t, WithHTTPMetrics(m))
	assert.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, server, http.MethodGet, "/api/v1/executions/exec-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, server, http.MethodGet, "/api/v1/executions/exec-2", nil).Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	var durations uint64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				if md.Name != "runtimed.http.requests" {
					continue
				}
				for _, dp := range data.DataPoints {
					r, _ := dp.Attributes.Value(attribute.Key("route"))
					s, _ := dp.Attributes.Value(attribute.Key("status"))
					counts[r.AsString()+" "+s.Emit()] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					durations += dp.Count
				}
			}
		}
	}

	assert.Equal(t, map[string]int64{
		"/health 200":                 1,
		"/api/v1/executions/:id 404": 2,
	}, counts, "handler errors are counted with their final status and route pattern")
	assert.Equal(t, uint64(3), durations)
}
