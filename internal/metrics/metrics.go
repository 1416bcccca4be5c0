// Package metrics exposes Prometheus instrumentation for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Streaming fan-out
	SubscribersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_subscribers_active",
		Help: "Current number of connected streaming subscribers",
	})
	SubscribersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_subscribers_total",
		Help: "Total streaming subscriber connections accepted",
	})
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_messages_sent_total",
		Help: "Messages delivered to subscribers by type",
	}, []string{"type"})
	SubscriberEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_subscriber_evictions_total",
		Help: "Subscribers evicted by reason (slow, dead, shutdown)",
	}, []string{"reason"})
	QueueOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_queue_overflows_total",
		Help: "Subscriber queue overflow events (backpressure applied)",
	})
	DroppedDeltas = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_dropped_deltas_total",
		Help: "Delta messages discarded under the drop-oldest policy",
	})

	// Pipeline
	DeltasEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_deltas_emitted_total",
		Help: "Delta/snapshot messages emitted by the delta engine",
	}, []string{"type"})
	FileEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_file_events_total",
		Help: "Debounced file-changed events emitted by the watcher",
	})
	WatcherResyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_watcher_resyncs_total",
		Help: "Synthetic resync events after a lost filesystem watch",
	})
	ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_parse_errors_total",
		Help: "Archive records the extractor failed to decode",
	})
	ExtractLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_extract_latency_seconds",
		Help:    "Tail read + parse latency per file-changed event",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
	})

	// Historical API
	ArchiveRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_archive_requests_total",
		Help: "Historical API requests by operation and outcome",
	}, []string{"op", "outcome"})
	ArchiveForbidden = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_archive_forbidden_total",
		Help: "Archive requests refused for escaping the archive root",
	})

	// Relay
	RelayPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_relay_published_total",
		Help: "Messages republished to the NATS relay",
	})
	RelayErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_relay_errors_total",
		Help: "Failed NATS relay publishes",
	})
)

func init() {
	prometheus.MustRegister(
		SubscribersActive,
		SubscribersTotal,
		MessagesSent,
		SubscriberEvictions,
		QueueOverflows,
		DroppedDeltas,
		DeltasEmitted,
		FileEvents,
		WatcherResyncs,
		ParseErrors,
		ExtractLatency,
		ArchiveRequests,
		ArchiveForbidden,
		RelayPublished,
		RelayErrors,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
