package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spanflow",
		Subsystem: "collector",
		Name:      "ingested_spans_total",
		Help:      "Spans stored for the first time.",
	})
	metricDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spanflow",
		Subsystem: "collector",
		Name:      "duplicate_spans_total",
		Help:      "Spans received again after they were stored.",
	})
	metricRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spanflow",
		Subsystem: "collector",
		Name:      "rejected_spans_total",
		Help:      "Spans skipped because their ids were malformed.",
	})
	metricBadBatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spanflow",
		Subsystem: "collector",
		Name:      "undecodable_batches_total",
		Help:      "Bus messages that did not decode as span batches.",
	})
	metricIngestRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spanflow",
		Subsystem: "collector",
		Name:      "ingest_retries_total",
		Help:      "Store attempts repeated for span batches received from the bus.",
	})
	metricDroppedBatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spanflow",
		Subsystem: "collector",
		Name:      "dropped_batches_total",
		Help:      "Span batches from the bus given up after every store attempt failed.",
	})
	metricEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spanflow",
		Subsystem: "collector",
		Name:      "evicted_traces_total",
		Help:      "Traces evicted from the memory store to stay within its bound.",
	})
	metricPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spanflow",
		Subsystem: "collector",
		Name:      "pruned_traces_total",
		Help:      "Traces removed by retention.",
	})
)
