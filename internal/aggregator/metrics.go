package aggregator

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ruleinsight",
		Name:      "events_ingested_total",
		Help:      "Validation events merged into hourly aggregates.",
	})
	eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ruleinsight",
		Name:      "events_dropped_total",
		Help:      "Malformed validation events dropped before merging.",
	}, []string{"reason"})
	eventsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ruleinsight",
		Name:      "events_deduplicated_total",
		Help:      "Redelivered events skipped by the event-id claim.",
	})
	eventsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ruleinsight",
		Name:      "events_dead_lettered_total",
		Help:      "Events routed to the dead-letter table after exhausted retries.",
	})
	mergeRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ruleinsight",
		Name:      "merge_retries_total",
		Help:      "Store merge attempts retried after a transient error.",
	})
	ruleTriggers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ruleinsight",
		Name:      "rule_triggers_total",
		Help:      "Observed rule triggers by rule ID.",
	}, []string{"rule"})
	batchFlushSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ruleinsight",
		Name:      "batch_flush_seconds",
		Help:      "Wall time spent merging one ingestion batch.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
)

// InitMetrics registers the aggregator's operational metrics with the
// default prometheus registry. Call once from main.
func InitMetrics() {
	prometheus.MustRegister(
		eventsIngested,
		eventsDropped,
		eventsDeduplicated,
		eventsDeadLettered,
		mergeRetries,
		ruleTriggers,
		batchFlushSeconds,
	)
}
