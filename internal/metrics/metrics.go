// Package metrics exposes the engine's Prometheus collectors. Callers
// go through the Record helpers rather than touching collectors
// directly, which keeps label sets consistent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evaluation metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerting_evaluations_total",
			Help: "Total rule evaluations by outcome",
		},
		[]string{"outcome"}, // ok, condition_met, error
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alerting_evaluation_duration_seconds",
			Help:    "Wall time of a single rule evaluation including store round trips",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	EvaluationOverrunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alerting_evaluation_overruns_total",
			Help: "Ticks dropped because the previous evaluation of the rule was still running",
		},
	)

	// Rule set metrics
	RulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alerting_rules_loaded",
			Help: "Number of rules in the active snapshot, enabled or not",
		},
	)

	RulesFiring = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alerting_rules_firing",
			Help: "Number of rules currently in the FIRING state",
		},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerting_transitions_total",
			Help: "State machine transitions by prior and new state",
		},
		[]string{"from", "to"},
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerting_notifications_total",
			Help: "Webhook delivery batches by aggregate result",
		},
		[]string{"result"}, // all_ok, partial, all_failed
	)

	NotificationAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alerting_notification_attempts_total",
			Help: "Individual webhook HTTP attempts including retries",
		},
	)

	// Store metrics
	StoreRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerting_store_requests_total",
			Help: "Search store requests by operation and outcome",
		},
		[]string{"op", "outcome"}, // outcome: ok, error
	)
)

// RecordEvaluation records one completed evaluation.
func RecordEvaluation(outcome string, elapsed time.Duration) {
	EvaluationsTotal.WithLabelValues(outcome).Inc()
	EvaluationDuration.Observe(elapsed.Seconds())
}

// RecordOverrun records a dropped tick.
func RecordOverrun() {
	EvaluationOverrunsTotal.Inc()
}

// RecordTransition records a lifecycle state change.
func RecordTransition(from, to string) {
	TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordNotification records the aggregate result of one delivery batch.
func RecordNotification(result string) {
	NotificationsTotal.WithLabelValues(result).Inc()
}

// RecordNotificationAttempt records a single webhook HTTP attempt.
func RecordNotificationAttempt() {
	NotificationAttemptsTotal.Inc()
}

// RecordStoreRequest records a store round trip. Wired into the store
// client's OnRequest hook so pkg/opensearch stays free of Prometheus.
func RecordStoreRequest(op string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	StoreRequestsTotal.WithLabelValues(op, outcome).Inc()
}

// SetRulesLoaded sets the size of the active rule snapshot.
func SetRulesLoaded(n int) {
	RulesLoaded.Set(float64(n))
}

// SetRulesFiring sets the number of rules currently FIRING.
func SetRulesFiring(n int) {
	RulesFiring.Set(float64(n))
}
