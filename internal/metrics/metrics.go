// Package metrics holds the Prometheus collectors for admission and the
// moderation queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AdmissionDecisions counts upload admission outcomes.
var AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nodeimage",
	Name:      "admission_decisions_total",
	Help:      "Upload admission decisions by outcome.",
}, []string{"decision"})

// TasksProcessed counts moderation tasks leaving the processing state.
var TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nodeimage",
	Name:      "moderation_tasks_processed_total",
	Help:      "Moderation tasks processed by outcome.",
}, []string{"outcome"})

// TasksEscalated counts failed tasks moved to error after exhausting retries.
var TasksEscalated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "nodeimage",
	Name:      "moderation_tasks_escalated_total",
	Help:      "Moderation tasks escalated to the error status.",
})

// ProviderLatency tracks moderation provider call duration.
var ProviderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "nodeimage",
	Name:      "moderation_provider_latency_seconds",
	Help:      "Moderation provider call duration in seconds.",
	Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
})

// Backoffs counts how often polling was suspended for an unavailable provider.
var Backoffs = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "nodeimage",
	Name:      "moderation_backoffs_total",
	Help:      "Poll loop suspensions caused by provider unavailability.",
})

// QueueDepth reports task counts per status, refreshed by the reporter job.
var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "nodeimage",
	Name:      "moderation_queue_depth",
	Help:      "Moderation tasks per status.",
}, []string{"status"})

// ProcessorBusy is 1 while a moderation task is in flight.
var ProcessorBusy = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "nodeimage",
	Name:      "moderation_processor_busy",
	Help:      "Whether the moderation processor is executing a task.",
})

// HandlerPanics counts panics recovered by the HTTP middleware.
var HandlerPanics = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nodeimage",
	Name:      "http_handler_panics_total",
	Help:      "Panics recovered from HTTP handlers by route.",
}, []string{"route"})
