package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evaluation metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertengine_evaluations_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"rule", "outcome"}, // outcome: breach, clear, no_data, error
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alertengine_evaluation_duration_seconds",
			Help:    "Rule evaluation latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alertengine_sweep_duration_seconds",
			Help:    "Coordinator sweep latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"sweep"}, // sweep: rules, escalation
	)

	// Alert lifecycle metrics
	AlertsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertengine_alerts_opened_total",
			Help: "Total number of alerts opened",
		},
		[]string{"rule"},
	)

	AlertsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertengine_alerts_resolved_total",
			Help: "Total number of alerts resolved",
		},
		[]string{"cause"},
	)

	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertengine_escalations_total",
			Help: "Total number of escalation level advances",
		},
		[]string{"policy"},
	)

	// Dispatch metrics
	DispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertengine_dispatch_attempts_total",
			Help: "Total number of notification dispatch outcomes",
		},
		[]string{"channel", "status"}, // status: sent, failed, exhausted, skipped
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alertengine_breaker_state",
			Help: "Circuit breaker state per channel (0 closed, 1 half-open, 2 open)",
		},
		[]string{"channel"},
	)
)
