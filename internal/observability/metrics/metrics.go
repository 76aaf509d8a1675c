// Package metrics exposes prometheus instrumentation for the attestation
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Engine collects counters for the attestation transaction lifecycle.
// All methods are nil-safe so wiring can stay optional in tests.
type Engine struct {
	paymentsSeen      *prometheus.CounterVec
	paymentsRejected  *prometheus.CounterVec
	verifications     *prometheus.CounterVec
	attestationsPosts *prometheus.CounterVec
	rewardGrants      *prometheus.CounterVec
	voucherDebits     prometheus.Counter
	sweepRuns         *prometheus.CounterVec
	sweepFailures     *prometheus.CounterVec
}

// NewEngine constructs the collector set. A nil registerer registers on an
// isolated registry, keeping repeated construction safe in tests.
func NewEngine(reg prometheus.Registerer) *Engine {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Engine{
		paymentsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attestd_payments_seen_total",
			Help: "Payments observed on watched addresses by route.",
		}, []string{"route"}),
		paymentsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attestd_payments_rejected_total",
			Help: "Payments refused during validation by reason.",
		}, []string{"reason"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attestd_verifications_total",
			Help: "Vendor verification results recorded by provider and outcome.",
		}, []string{"provider", "outcome"}),
		attestationsPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attestd_attestation_posts_total",
			Help: "Attestation units posted to the ledger by kind.",
		}, []string{"kind"}),
		rewardGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attestd_reward_grants_total",
			Help: "Reward grants recorded by kind.",
		}, []string{"kind"}),
		voucherDebits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attestd_voucher_debits_total",
			Help: "Voucher balance debits applied for attestation payments.",
		}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attestd_sweep_runs_total",
			Help: "Background sweep executions by task.",
		}, []string{"task"}),
		sweepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attestd_sweep_failures_total",
			Help: "Background sweep executions that returned an error, by task.",
		}, []string{"task"}),
	}
	reg.MustRegister(
		m.paymentsSeen,
		m.paymentsRejected,
		m.verifications,
		m.attestationsPosts,
		m.rewardGrants,
		m.voucherDebits,
		m.sweepRuns,
		m.sweepFailures,
	)
	return m
}

func (m *Engine) ObservePaymentSeen(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.paymentsSeen.WithLabelValues(route).Inc()
}

func (m *Engine) ObservePaymentRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.paymentsRejected.WithLabelValues(reason).Inc()
}

func (m *Engine) ObserveVerification(provider, outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(provider, outcome).Inc()
}

func (m *Engine) ObserveAttestationPosted(kind string) {
	if m == nil {
		return
	}
	m.attestationsPosts.WithLabelValues(kind).Inc()
}

func (m *Engine) ObserveRewardGrant(kind string) {
	if m == nil {
		return
	}
	m.rewardGrants.WithLabelValues(kind).Inc()
}

func (m *Engine) ObserveVoucherDebit() {
	if m == nil {
		return
	}
	m.voucherDebits.Inc()
}

func (m *Engine) ObserveSweepRun(task string) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(task).Inc()
}

func (m *Engine) ObserveSweepFailure(task string) {
	if m == nil {
		return
	}
	m.sweepFailures.WithLabelValues(task).Inc()
}
