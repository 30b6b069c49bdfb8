// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is safe to pass around: every method guards against it, so
// components can be wired without observability in tests.
type Metrics struct {
	// Fabric metrics
	MessagesSent    *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec

	// Evidence metrics
	EvidenceIngested *prometheus.CounterVec
	TokensReady      prometheus.Gauge
	TokensTracked    prometheus.Gauge

	// Decision metrics
	DecisionsTotal   *prometheus.CounterVec
	DecisionLatency  prometheus.Histogram
	DrainCycles      prometheus.Counter
	ReanalysisCycles prometheus.Counter
	RollupsComputed  prometheus.Counter

	// Settlement metrics
	SettlementsTotal *prometheus.CounterVec
	LedgerAppends    prometheus.Counter
	LedgerFailures   prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "token_sentinel"
	}

	return &Metrics{
		MessagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fabric",
			Name:      "messages_sent_total",
			Help:      "Total envelopes handed to the fabric, by kind",
		}, []string{"kind"}),
		MessagesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fabric",
			Name:      "messages_dropped_total",
			Help:      "Total envelopes skipped because a target was unreachable, by target",
		}, []string{"target"}),
		EvidenceIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "evidence_ingested_total",
			Help:      "Total evidence messages ingested, by kind",
		}, []string{"kind"}),
		TokensReady: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "tokens_ready",
			Help:      "Tokens currently decision-ready and unclaimed",
		}),
		TokensTracked: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "tokens_tracked",
			Help:      "Token contexts currently tracked",
		}),
		DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "decisions_total",
			Help:      "Total decisions emitted, by classification",
		}, []string{"classification"}),
		DecisionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "decision_latency_seconds",
			Help:      "Time from claim to emitted decision",
			Buckets:   prometheus.DefBuckets,
		}),
		DrainCycles: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "drain_cycles_total",
			Help:      "Total drain loop cycles",
		}),
		ReanalysisCycles: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "reanalysis_cycles_total",
			Help:      "Total re-analysis loop cycles",
		}),
		RollupsComputed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "rollups_computed_total",
			Help:      "Total rollup summaries computed",
		}),
		SettlementsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "settlements_total",
			Help:      "Total settlement records, by status",
		}, []string{"status"}),
		LedgerAppends: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "ledger_appends_total",
			Help:      "Total successful audit ledger appends",
		}),
		LedgerFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "ledger_failures_total",
			Help:      "Total failed audit ledger appends",
		}),
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncMessageSent increments the sent counter for a kind.
func (m *Metrics) IncMessageSent(kind string) {
	if m != nil {
		m.MessagesSent.WithLabelValues(kind).Inc()
	}
}

// IncMessageDropped increments the dropped counter for a target.
func (m *Metrics) IncMessageDropped(target string) {
	if m != nil {
		m.MessagesDropped.WithLabelValues(target).Inc()
	}
}

// IncEvidence increments the ingested counter for an evidence kind.
func (m *Metrics) IncEvidence(kind string) {
	if m != nil {
		m.EvidenceIngested.WithLabelValues(kind).Inc()
	}
}

// SetTokensReady records the current ready-token gauge.
func (m *Metrics) SetTokensReady(n int) {
	if m != nil {
		m.TokensReady.Set(float64(n))
	}
}

// SetTokensTracked records the current tracked-token gauge.
func (m *Metrics) SetTokensTracked(n int) {
	if m != nil {
		m.TokensTracked.Set(float64(n))
	}
}

// IncDecision increments the decision counter for a classification.
func (m *Metrics) IncDecision(classification string) {
	if m != nil {
		m.DecisionsTotal.WithLabelValues(classification).Inc()
	}
}

// ObserveDecisionLatency records one decision's claim-to-emit latency.
func (m *Metrics) ObserveDecisionLatency(seconds float64) {
	if m != nil {
		m.DecisionLatency.Observe(seconds)
	}
}

// IncSettlement increments the settlement counter for a status.
func (m *Metrics) IncSettlement(status string) {
	if m != nil {
		m.SettlementsTotal.WithLabelValues(status).Inc()
	}
}

// IncLedgerAppend counts one successful audit ledger append.
func (m *Metrics) IncLedgerAppend() {
	if m != nil {
		m.LedgerAppends.Inc()
	}
}

// IncLedgerFailure counts one failed audit ledger append.
func (m *Metrics) IncLedgerFailure() {
	if m != nil {
		m.LedgerFailures.Inc()
	}
}
