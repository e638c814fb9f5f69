// Package metrics exposes prometheus instrumentation for rule
// application, policy runs, trust verification and compliance scoring.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all palisade metrics.
type Registry struct {
	// Rule and policy metrics
	RulesApplied     *prometheus.CounterVec
	RuleFailures     *prometheus.CounterVec
	PolicyRuns       *prometheus.CounterVec
	ActiveRules      prometheus.Gauge
	ValidationErrors *prometheus.CounterVec

	// Trust metrics
	TrustChecks      *prometheus.CounterVec
	TrustSetSize     *prometheus.GaugeVec
	VerificationTime prometheus.Histogram

	// Compliance metrics
	ComplianceScore  *prometheus.GaugeVec
	ComplianceChecks *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.RulesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palisade_rules_applied_total",
		Help: "Rules successfully applied, by backend and action",
	}, []string{"backend", "action"})

	r.RuleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palisade_rule_failures_total",
		Help: "Rules that failed to apply, by backend",
	}, []string{"backend"})

	r.PolicyRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palisade_policy_runs_total",
		Help: "Policy applications, by policy and result",
	}, []string{"policy", "result"})

	r.ActiveRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "palisade_active_rules",
		Help: "Rules currently active in the backend",
	})

	r.ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palisade_validation_errors_total",
		Help: "Policy validation failures, by policy",
	}, []string{"policy"})

	r.TrustChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palisade_trust_checks_total",
		Help: "Trust verification runs, by host and outcome",
	}, []string{"host", "outcome"})

	r.TrustSetSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "palisade_trust_set_size",
		Help: "Members in each trust set",
	}, []string{"set"})

	r.VerificationTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "palisade_trust_verification_duration_seconds",
		Help:    "Duration of a single host trust verification",
		Buckets: prometheus.DefBuckets,
	})

	r.ComplianceScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "palisade_compliance_score",
		Help: "Latest compliance score per framework, 0 to 100",
	}, []string{"framework"})

	r.ComplianceChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palisade_compliance_checks_total",
		Help: "Individual compliance checks, by framework and result",
	}, []string{"framework", "result"})

	return r
}

// RecordRuleApplied records a successful rule application.
func (r *Registry) RecordRuleApplied(backend, action string) {
	r.RulesApplied.WithLabelValues(backend, action).Inc()
}

// RecordRuleFailure records a failed rule application.
func (r *Registry) RecordRuleFailure(backend string) {
	r.RuleFailures.WithLabelValues(backend).Inc()
}

// RecordPolicyRun records the outcome of one policy application.
func (r *Registry) RecordPolicyRun(policy string, fullyApplied bool) {
	result := "partial"
	if fullyApplied {
		result = "applied"
	}
	r.PolicyRuns.WithLabelValues(policy, result).Inc()
}

// RecordTrustCheck records one host verification outcome.
func (r *Registry) RecordTrustCheck(host, outcome string) {
	r.TrustChecks.WithLabelValues(host, outcome).Inc()
}

// UpdateTrustSets updates the trust set gauges.
func (r *Registry) UpdateTrustSets(verified, compromised int) {
	r.TrustSetSize.WithLabelValues("verified").Set(float64(verified))
	r.TrustSetSize.WithLabelValues("compromised").Set(float64(compromised))
}

// RecordCompliance records a framework's score and per-check results.
func (r *Registry) RecordCompliance(framework string, score float64, passed, failed int) {
	r.ComplianceScore.WithLabelValues(framework).Set(score)
	r.ComplianceChecks.WithLabelValues(framework, "pass").Add(float64(passed))
	r.ComplianceChecks.WithLabelValues(framework, "fail").Add(float64(failed))
}
