// Package metrics provides Prometheus collectors for the detection engine.
//
// Metrics Categories:
//   - Ingest: accepted, duplicate and rejected events
//   - Buffer: buffered events, evictions, cap exhaustion
//   - Scheduling: trigger queue depth and drops, evaluations by outcome, latency
//   - Alerting: alerts created/merged, delivery failures, breaker state
//   - API: request latency and rate-limited requests
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest Metrics

	// EventsIngestedTotal counts events by tenant and outcome (accepted, duplicate, rejected).
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfir_events_ingested_total",
			Help: "Total number of events received for ingestion",
		},
		[]string{"tenant", "outcome"},
	)

	// Buffer Metrics

	// BufferEvents tracks the number of buffered events per tenant.
	BufferEvents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dfir_buffer_events",
			Help: "Number of events currently held in the event buffer",
		},
		[]string{"tenant"},
	)

	// BufferEvictedTotal counts evicted events by reason (retention, cap).
	BufferEvictedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfir_buffer_evicted_total",
			Help: "Total number of events evicted from the event buffer",
		},
		[]string{"tenant", "reason"},
	)

	// Scheduling Metrics

	// TriggerQueueDepth tracks pending evaluation triggers.
	TriggerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dfir_trigger_queue_depth",
			Help: "Number of pending evaluation triggers",
		},
	)

	// TriggersDroppedTotal counts dropped event-driven triggers.
	TriggersDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dfir_triggers_dropped_total",
			Help: "Total number of event-driven triggers dropped under backpressure",
		},
	)

	// TriggersCoalescedTotal counts triggers merged into a pending run.
	TriggersCoalescedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dfir_triggers_coalesced_total",
			Help: "Total number of triggers coalesced into an already pending evaluation",
		},
	)

	// EvaluationsTotal counts evaluations by pattern type and outcome.
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfir_rule_evaluations_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"pattern", "outcome"},
	)

	// EvaluationDuration tracks matcher latency.
	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dfir_rule_evaluation_duration_seconds",
			Help:    "Duration of rule evaluations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"pattern"},
	)

	// RulesSuppressed tracks rules currently suppressed after repeated errors.
	RulesSuppressed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dfir_rules_suppressed",
			Help: "Number of rules currently suppressed after repeated matcher errors",
		},
	)

	// RulesLoaded tracks compiled rules per tenant.
	RulesLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dfir_rules_loaded",
			Help: "Number of compiled rules per tenant",
		},
		[]string{"tenant"},
	)

	// Alerting Metrics

	// AlertsTotal counts alerts by outcome (created, merged).
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfir_alerts_total",
			Help: "Total number of alerts created or merged",
		},
		[]string{"tenant", "outcome"},
	)

	// AlertDeliveryFailuresTotal counts failed sink deliveries.
	AlertDeliveryFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfir_alert_delivery_failures_total",
			Help: "Total number of failed alert deliveries by sink",
		},
		[]string{"sink"},
	)

	// AlertDeadLetters tracks alerts waiting in the dead letter queue.
	AlertDeadLetters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dfir_alert_dead_letters",
			Help: "Number of alert deliveries in the dead letter queue",
		},
	)

	// SinkBreakerState tracks circuit breaker state per sink (0 closed, 1 half-open, 2 open).
	SinkBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dfir_sink_breaker_state",
			Help: "Circuit breaker state per alert sink",
		},
		[]string{"sink"},
	)

	// API Metrics

	// HTTPRequestDuration tracks API latency by route pattern and status.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dfir_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	// HTTPRateLimitedTotal counts requests rejected by the rate limiter.
	HTTPRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dfir_http_rate_limited_total",
			Help: "Total number of API requests rejected by the rate limiter",
		},
	)
)

// RecordEvaluation records one evaluation outcome and its latency.
func RecordEvaluation(pattern, outcome string, d time.Duration) {
	EvaluationsTotal.WithLabelValues(pattern, outcome).Inc()
	EvaluationDuration.WithLabelValues(pattern).Observe(d.Seconds())
}
