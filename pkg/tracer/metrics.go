package tracer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spanflow",
		Subsystem: "reporter",
		Name:      "enqueued_spans_total",
		Help:      "Spans accepted into the reporter queue.",
	})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spanflow",
		Subsystem: "reporter",
		Name:      "dropped_spans_total",
		Help:      "Spans dropped because the reporter queue was full or closed.",
	})
	metricExported = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spanflow",
		Subsystem: "reporter",
		Name:      "exported_spans_total",
		Help:      "Spans delivered to the transport.",
	})
	metricFailedBatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spanflow",
		Subsystem: "reporter",
		Name:      "failed_batches_total",
		Help:      "Batches discarded after the last delivery attempt failed.",
	})
	metricRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spanflow",
		Subsystem: "reporter",
		Name:      "retries_total",
		Help:      "Delivery attempts retried after a transport error.",
	})
)
