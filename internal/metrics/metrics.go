// Package metrics defines Prometheus metrics for famgraph.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "famgraph_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "famgraph_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "famgraph_errors_total",
			Help: "Total errors by type",
		},
		[]string{"type"},
	)

	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "famgraph_events_processed_total",
			Help: "Change events processed, by entity type and node outcome",
		},
		[]string{"entity_type", "outcome"},
	)

	ApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "famgraph_apply_duration_seconds",
			Help:    "Time to apply one change event end to end",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"entity_type"},
	)

	RelationshipOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "famgraph_relationship_writes_total",
			Help: "Relationship writes by outcome",
		},
		[]string{"outcome"},
	)

	DeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "famgraph_dead_letters_total",
			Help: "Events dead-lettered, by reason",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "famgraph_partition_queue_depth",
			Help: "Events waiting in each worker partition",
		},
		[]string{"partition"},
	)

	ReconcileFindings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "famgraph_reconcile_findings_total",
			Help: "Integrity findings reported by reconcile scans",
		},
		[]string{"kind"},
	)

	SubgraphNodes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "famgraph_subgraph_nodes",
			Help:    "Nodes returned per subgraph query",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	SubgraphTruncated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "famgraph_subgraph_truncated_total",
			Help: "Subgraph queries that hit a size limit",
		},
	)

	FeedEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "famgraph_feed_entries_total",
			Help: "Change feed entries by delivery kind (delivered, redelivered, acked, undecodable)",
		},
		[]string{"kind"},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "famgraph_websocket_connections",
			Help: "Active WebSocket connections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestDuration, RequestsTotal, ErrorsTotal,
		EventsProcessed, ApplyDuration, RelationshipOutcomes, DeadLetters,
		QueueDepth, ReconcileFindings,
		SubgraphNodes, SubgraphTruncated,
		FeedEntries, WSConnections,
	)
}
