package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Attempts  *prometheus.CounterVec
	Scheduled prometheus.Counter
	Finished  *prometheus.CounterVec
	Pending   prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		Attempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sangha_retry_attempts_total",
			Help: "Registration creation attempts made by the retry orchestrator",
		}, []string{"outcome", "code"}),
		Scheduled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sangha_retry_scheduled_total",
			Help: "Follow-up attempts scheduled after a retryable failure",
		}),
		Finished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sangha_retry_finished_total",
			Help: "Retry sequences that reached a terminal status",
		}, []string{"status"}),
		Pending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sangha_retry_timers_pending",
			Help: "Scheduled retry attempts waiting to fire",
		}),
	}
}

func (m *Metrics) IncrementAttempt(outcome, code string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(outcome, code).Inc()
}

func (m *Metrics) IncrementScheduled() {
	if m == nil {
		return
	}
	m.Scheduled.Inc()
	m.Pending.Inc()
}

func (m *Metrics) TimerDone() {
	if m == nil {
		return
	}
	m.Pending.Dec()
}

func (m *Metrics) IncrementFinished(status string) {
	if m == nil {
		return
	}
	m.Finished.WithLabelValues(status).Inc()
}
