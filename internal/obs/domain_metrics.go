package obs

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics groups the collectors recorded by payment operations.
type SettlementMetrics struct {
	SubmitTotal    *prometheus.CounterVec
	VoidTotal      *prometheus.CounterVec
	GuardRejected  *prometheus.CounterVec
	SubmitDuration prometheus.Histogram
}

// NewSettlementMetrics registers settlement collectors on reg, reusing ones
// already registered under the same names.
func NewSettlementMetrics(namespace string, reg prometheus.Registerer) *SettlementMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &SettlementMetrics{
		SubmitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_submit_total",
			Help:      "Payment submissions by outcome.",
		}, []string{"result"}),
		VoidTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_void_total",
			Help:      "Payment voids by outcome.",
		}, []string{"result"}),
		GuardRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_guard_rejected_total",
			Help:      "Mutations rejected because another one was in flight for the same sale.",
		}, []string{"operation"}),
		SubmitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_submit_duration_ms",
			Help:      "Latency of payment submissions in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
	}
	mustRegisterCollector(reg, m.SubmitTotal, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.SubmitTotal = v
		}
	})
	mustRegisterCollector(reg, m.VoidTotal, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.VoidTotal = v
		}
	})
	mustRegisterCollector(reg, m.GuardRejected, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.GuardRejected = v
		}
	})
	mustRegisterCollector(reg, m.SubmitDuration, func(existing prometheus.Collector) {
		if v, ok := existing.(prometheus.Histogram); ok {
			m.SubmitDuration = v
		}
	})
	return m
}

// Submit records the outcome of a submission. Safe on a nil receiver.
func (m *SettlementMetrics) Submit(result string, millis float64) {
	if m == nil {
		return
	}
	m.SubmitTotal.WithLabelValues(result).Inc()
	m.SubmitDuration.Observe(millis)
}

// Void records the outcome of a void. Safe on a nil receiver.
func (m *SettlementMetrics) Void(result string) {
	if m == nil {
		return
	}
	m.VoidTotal.WithLabelValues(result).Inc()
}

// Rejected counts a mutation refused by the in-flight guard. Safe on a nil receiver.
func (m *SettlementMetrics) Rejected(operation string) {
	if m == nil {
		return
	}
	m.GuardRejected.WithLabelValues(operation).Inc()
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register settlement metric: %w", err))
	}
}
