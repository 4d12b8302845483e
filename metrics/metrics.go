// Package metrics exposes Prometheus collectors for query execution and
// row fetching. All collectors register with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal counts executed statements by result kind and status.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapidb_queries_total",
			Help: "Total number of statements executed",
		},
		[]string{"kind", "status"},
	)
	// QueryDuration is the latency of statement execution, first batch included.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mapidb_query_duration_seconds",
			Help:    "Statement round trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	// FetchesTotal counts supplemental fetches by encoding and status.
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapidb_fetches_total",
			Help: "Total number of supplemental row fetches",
		},
		[]string{"encoding", "status"},
	)
	// RowsFetched counts rows received, first batches included.
	RowsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapidb_rows_fetched_total",
			Help: "Total number of rows received from the server",
		},
		[]string{"encoding"},
	)
	// BatchSize is the distribution of supplemental fetch sizes.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mapidb_fetch_batch_rows",
			Help:    "Rows requested per supplemental fetch",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
	)
	// OpenCursors is the number of cursors not yet closed.
	OpenCursors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapidb_open_cursors",
			Help: "Number of open cursors",
		},
	)
)

// Encoding returns the label value for a fetch encoding.
func Encoding(binary bool) string {
	if binary {
		return "binary"
	}
	return "text"
}

// Status returns the label value for an operation outcome.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
