// Package metrics defines the Prometheus instrumentation for the routing hub.
// The Metrics handle is constructed once at process start and shared by
// reference; there is no package-level registry state, so tests can build
// isolated instances against their own registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument used by the hub. All label values come from
// closed, bounded sets; raw addresses, domains, thread ids and request ids
// never become label values.
type Metrics struct {
	// Ingestion
	EventsTotal *prometheus.CounterVec // {source_channel, status}

	// Rule evaluation
	RuleMatchesTotal   *prometheus.CounterVec // {rule_type, action, source_channel}
	PassThroughsTotal  *prometheus.CounterVec // {source_channel, reason}
	EvaluationDuration *prometheus.HistogramVec

	// Dispatch
	DispatchTotal    *prometheus.CounterVec // {outcome, error_class}
	DispatchDuration prometheus.Histogram
	QueueAccepted    prometheus.Counter
	QueueRecovered   prometheus.Counter

	// Registry
	EligibilityTransitionsTotal *prometheus.CounterVec // {from, to}

	// Connectors
	HeartbeatsTotal *prometheus.CounterVec // {connector_type}

	// Admission control
	OverloadRejectedTotal *prometheus.CounterVec // {source_channel}
}

// New builds a Metrics handle registered against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_ingest_events_total",
				Help: "Total number of ingestion attempts by outcome",
			},
			[]string{"source_channel", "status"},
		),
		RuleMatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_triage_rule_matches_total",
				Help: "Total rule matches; route_to targets are collapsed into the action label",
			},
			[]string{"rule_type", "action", "source_channel"},
		),
		PassThroughsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_triage_pass_throughs_total",
				Help: "Total evaluations that passed through without a match",
			},
			[]string{"source_channel", "reason"},
		),
		EvaluationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_triage_evaluation_duration_seconds",
				Help:    "Duration of rule evaluation in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_dispatch_total",
				Help: "Total dispatch attempts by outcome and normalized error class",
			},
			[]string{"outcome", "error_class"},
		),
		DispatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "switchboard_dispatch_duration_seconds",
				Help:    "Duration of handoff attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		QueueAccepted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "switchboard_dispatch_queue_accepted_total",
				Help: "Total route inbox entries accepted",
			},
		),
		QueueRecovered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "switchboard_dispatch_queue_recovered_total",
				Help: "Total route inbox entries re-dispatched by crash recovery",
			},
		),
		EligibilityTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_registry_eligibility_transitions_total",
				Help: "Total worker eligibility state transitions",
			},
			[]string{"from", "to"},
		),
		HeartbeatsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_connector_heartbeats_total",
				Help: "Total connector heartbeats received",
			},
			[]string{"connector_type"},
		),
		OverloadRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_ingest_overload_rejected_total",
				Help: "Total ingestion requests rejected by admission control",
			},
			[]string{"source_channel"},
		),
	}
}

// Evaluation result label values.
const (
	ResultMatched     = "matched"
	ResultPassThrough = "pass_through"
	ResultError       = "error"
)
