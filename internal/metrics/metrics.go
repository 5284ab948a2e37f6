// Package metrics exposes Prometheus collectors for the ingestion pipeline:
// conversion/vision/KB upstream calls, poller iterations, document
// transitions, and queue depth.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	upstreamReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docingest",
			Name:      "upstream_requests_total",
			Help:      "Total upstream requests by collaborator and result",
		},
		[]string{"collaborator", "result"},
	)

	upstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docingest",
			Name:      "upstream_request_duration_seconds",
			Help:      "Duration of upstream requests by collaborator",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"collaborator"},
	)

	documentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docingest",
			Name:      "documents_processed_total",
			Help:      "Total documents reaching a terminal state, by state",
		},
		[]string{"state"},
	)

	retriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docingest",
			Name:      "retries_total",
			Help:      "Total number of document retries",
		},
	)

	pollIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docingest",
			Name:      "kb_poll_iterations_total",
			Help:      "KB parse-completion poll iterations by outcome",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docingest",
			Name:      "queue_depth",
			Help:      "Queue depth gauges for stream, delayed and dlq",
		},
		[]string{"type"},
	)

	activePollers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docingest",
			Name:      "active_kb_pollers",
			Help:      "Number of parse-completion pollers currently running",
		},
	)
)

// Init registers collectors. Safe to call once at process startup.
func Init() {
	prometheus.MustRegister(upstreamReqs, upstreamLatency, documentsProcessed, retriesTotal, pollIterations, queueDepth, activePollers)
}

// Handler returns the http.Handler for /metrics.
func Handler() http.Handler { return promhttp.Handler() }

// ObserveUpstream records the outcome and latency of a call to an external
// collaborator ("conversion", "vision", "kb", "workflow").
func ObserveUpstream(collaborator, result string, dur time.Duration) {
	upstreamReqs.WithLabelValues(collaborator, result).Inc()
	upstreamLatency.WithLabelValues(collaborator).Observe(dur.Seconds())
}

// IncDocumentState records a document reaching the given terminal state.
func IncDocumentState(state string) { documentsProcessed.WithLabelValues(state).Inc() }

// IncRetry records a document retry.
func IncRetry() { retriesTotal.Inc() }

// IncPollIteration records one poll iteration outcome ("done", "failed", "pending", "transient").
func IncPollIteration(outcome string) { pollIterations.WithLabelValues(outcome).Inc() }

// SetQueueDepth sets the gauge for a queue segment ("stream", "delayed", "dlq").
func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }

// SetActivePollers sets the current count of running KB pollers.
func SetActivePollers(n int) { activePollers.Set(float64(n)) }
