package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PaymentMetrics tracks escrow lifecycle activity for operators.
type PaymentMetrics struct {
	paymentsOpened prometheus.Counter
	deliveries     prometheus.Counter
	disputes       prometheus.Counter
	settlements    *prometheus.CounterVec
	slashes        prometheus.Counter
}

var (
	paymentsOnce     sync.Once
	paymentsRegistry *PaymentMetrics
)

// Payments returns the process-wide payment metrics registry.
func Payments() *PaymentMetrics {
	paymentsOnce.Do(func() {
		paymentsRegistry = &PaymentMetrics{
			paymentsOpened: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mpay_payments_opened_total",
				Help: "Count of escrow payments opened.",
			}),
			deliveries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mpay_deliveries_total",
				Help: "Count of verified delivery commitments.",
			}),
			disputes: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mpay_disputes_total",
				Help: "Count of disputes raised by buyers.",
			}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mpay_settlements_total",
				Help: "Count of terminal settlements by outcome.",
			}, []string{"outcome"}),
			slashes: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mpay_bond_slashes_total",
				Help: "Count of executed bond slashes.",
			}),
		}
		prometheus.MustRegister(
			paymentsRegistry.paymentsOpened,
			paymentsRegistry.deliveries,
			paymentsRegistry.disputes,
			paymentsRegistry.settlements,
			paymentsRegistry.slashes,
		)
	})
	return paymentsRegistry
}

func (m *PaymentMetrics) ObservePaymentOpened() {
	if m == nil {
		return
	}
	m.paymentsOpened.Inc()
}

func (m *PaymentMetrics) ObserveDelivery() {
	if m == nil {
		return
	}
	m.deliveries.Inc()
}

func (m *PaymentMetrics) ObserveDispute() {
	if m == nil {
		return
	}
	m.disputes.Inc()
}

func (m *PaymentMetrics) ObserveSettlement(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

func (m *PaymentMetrics) ObserveSlash() {
	if m == nil {
		return
	}
	m.slashes.Inc()
}
