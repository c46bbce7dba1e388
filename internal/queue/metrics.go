package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for event queues. Gauges are adjusted
// with Add so queues sharing a name aggregate. A nil *Metrics records
// nothing.
type Metrics struct {
	Depth       *prometheus.GaugeVec
	MemoryBytes *prometheus.GaugeVec
	Events      *prometheus.CounterVec
}

// NewMetrics registers queue metrics once per process.
//
// Metrics:
//   - runtimed_queue_depth{queue} - pending items (ready and delayed)
//   - runtimed_queue_memory_bytes{queue} - bytes held by pending and in-flight items
//   - runtimed_queue_events_total{queue,outcome} - pushed, dropped, acked, retried, dead_lettered, recovered
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Depth: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "runtimed_queue_depth",
					Help: "Number of pending items in event queues",
				},
				[]string{"queue"},
			),
			MemoryBytes: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "runtimed_queue_memory_bytes",
					Help: "Bytes held by queued and in-flight events",
				},
				[]string{"queue"},
			),
			Events: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runtimed_queue_events_total",
					Help: "Total queue item outcomes",
				},
				[]string{"queue", "outcome"},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) depth(name string, delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.Depth.WithLabelValues(name).Add(float64(delta))
}

func (m *Metrics) memory(name string, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.MemoryBytes.WithLabelValues(name).Add(float64(delta))
}

func (m *Metrics) count(name, outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(name, outcome).Inc()
}
