package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	CallDuration *prometheus.HistogramVec
	CallErrors   *prometheus.CounterVec
	CircuitOpen  prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		CallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sangha_order_gateway_call_duration_seconds",
			Help:    "Latency of order gateway calls by operation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}, []string{"operation"}),
		CallErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sangha_order_gateway_errors_total",
			Help: "Order gateway failures by operation and error code",
		}, []string{"operation", "code"}),
		CircuitOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sangha_order_gateway_circuit_open",
			Help: "1 while the order gateway circuit breaker is open",
		}),
	}
}

func (m *Metrics) ObserveCall(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.CallDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) IncrementError(operation, code string) {
	if m == nil {
		return
	}
	m.CallErrors.WithLabelValues(operation, code).Inc()
}

func (m *Metrics) SetCircuitOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.CircuitOpen.Set(1)
		return
	}
	m.CircuitOpen.Set(0)
}
