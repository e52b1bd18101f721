package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RegistrationsCreated  prometheus.Counter
	RegistrationsModified prometheus.Counter
	RegistrationsCanceled prometheus.Counter
	DuplicateAttempts     prometheus.Counter
	EligibilityDenied     *prometheus.CounterVec
	GatewayFailures       *prometheus.CounterVec
	StorageInconsistency  prometheus.Counter
	OrderCancelFailures   prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		RegistrationsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sangha_registrations_created_total",
			Help: "Registrations confirmed after a successful gateway order",
		}),
		RegistrationsModified: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sangha_registrations_modified_total",
			Help: "Accepted registration modifications",
		}),
		RegistrationsCanceled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sangha_registrations_cancelled_total",
			Help: "Accepted registration cancellations",
		}),
		DuplicateAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sangha_registration_duplicate_attempts_total",
			Help: "Create attempts rejected because an active registration exists",
		}),
		EligibilityDenied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sangha_registration_eligibility_denied_total",
			Help: "Mutations rejected by eligibility rules",
		}, []string{"mode", "reason"}),
		GatewayFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sangha_registration_gateway_failures_total",
			Help: "Create attempts that failed at the order gateway by error code",
		}, []string{"code"}),
		StorageInconsistency: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sangha_registration_storage_inconsistency_total",
			Help: "Gateway orders created without a persisted registration",
		}),
		OrderCancelFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sangha_registration_order_cancel_failures_total",
			Help: "Best-effort gateway cancellations that failed",
		}),
	}
}

func (m *Metrics) IncrementCreated() {
	if m == nil {
		return
	}
	m.RegistrationsCreated.Inc()
}

func (m *Metrics) IncrementModified() {
	if m == nil {
		return
	}
	m.RegistrationsModified.Inc()
}

func (m *Metrics) IncrementCancelled() {
	if m == nil {
		return
	}
	m.RegistrationsCanceled.Inc()
}

func (m *Metrics) IncrementDuplicate() {
	if m == nil {
		return
	}
	m.DuplicateAttempts.Inc()
}

func (m *Metrics) IncrementEligibilityDenied(mode, reason string) {
	if m == nil {
		return
	}
	m.EligibilityDenied.WithLabelValues(mode, reason).Inc()
}

func (m *Metrics) IncrementGatewayFailure(code string) {
	if m == nil {
		return
	}
	m.GatewayFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) IncrementStorageInconsistency() {
	if m == nil {
		return
	}
	m.StorageInconsistency.Inc()
}

func (m *Metrics) IncrementOrderCancelFailure() {
	if m == nil {
		return
	}
	m.OrderCancelFailures.Inc()
}
