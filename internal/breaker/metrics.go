package breaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for circuit breakers. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	State       *prometheus.GaugeVec
	Transitions *prometheus.CounterVec
	Calls       *prometheus.CounterVec
	Rejected    *prometheus.CounterVec
}

// NewMetrics registers breaker metrics once per process.
//
// Metrics:
//   - runtimed_breaker_state{breaker} - 0 closed, 1 open, 2 half-open
//   - runtimed_breaker_transitions_total{breaker,to}
//   - runtimed_breaker_calls_total{breaker,outcome}
//   - runtimed_breaker_rejected_total{breaker}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			State: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "runtimed_breaker_state",
					Help: "Current circuit breaker state (0 closed, 1 open, 2 half-open)",
				},
				[]string{"breaker"},
			),
			Transitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runtimed_breaker_transitions_total",
					Help: "Total circuit breaker state transitions",
				},
				[]string{"breaker", "to"},
			),
			Calls: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runtimed_breaker_calls_total",
					Help: "Total calls admitted by circuit breakers",
				},
				[]string{"breaker", "outcome"},
			),
			Rejected: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runtimed_breaker_rejected_total",
					Help: "Total calls rejected by open circuit breakers",
				},
				[]string{"breaker"},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) setState(name string, s State) {
	if m == nil {
		return
	}
	m.State.WithLabelValues(name).Set(float64(s))
}

func (m *Metrics) transition(name string, to State) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(name, to.String()).Inc()
}

func (m *Metrics) outcome(name string, ok bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.Calls.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) reject(name string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(name).Inc()
}
