// Package metrics is the Prometheus surface for the node (A2): counters,
// gauges, and histograms for Raft, the applied store, the blob store, the
// batching replicator, and the HTTP surface, exposed on /metrics. Grounded
// on the teacher's pkg/metrics, generalized from Warren's
// container/scheduler/ingress/deployment metric families to confman's
// config-store domain.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store metrics
	EntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "confman_entries_total",
			Help: "Total number of live config entries across all namespaces",
		},
	)

	NamespacesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "confman_namespaces_total",
			Help: "Total number of live namespaces",
		},
	)

	BlobsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "confman_blobs_total",
			Help: "Total number of distinct blobs held in local blob storage",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "confman_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "confman_raft_term",
			Help: "Current Raft term",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "confman_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "confman_raft_apply_duration_seconds",
			Help:    "Time taken for a raft.Raft.Apply call to return",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Batch replicator metrics
	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "confman_batch_size",
			Help:    "Number of commands coalesced into a single raft.Apply call",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	BatchFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "confman_batch_flush_duration_seconds",
			Help:    "Time to encode, apply, and release the waiters of one flushed batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Blob replication metrics
	BlobReplicationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "confman_blob_replication_duration_seconds",
			Help:    "Time taken to achieve quorum replication of a blob",
			Buckets: prometheus.DefBuckets,
		},
	)

	BlobReplicationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "confman_blob_replication_failures_total",
			Help: "Total number of blob writes that failed to reach quorum replication",
		},
	)

	BlobResolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "confman_blob_resolve_duration_seconds",
			Help:    "Time taken to resolve a blob not present on the local node",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Read barrier metrics
	ReadBarrierWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "confman_read_barrier_wait_seconds",
			Help:    "Time a linearizable read spent waiting on the read barrier",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReadBarrierFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confman_read_barrier_failures_total",
			Help: "Total number of read-barrier failures by failure mode",
		},
		[]string{"mode"},
	)

	// HTTP surface metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confman_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "confman_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		EntriesTotal,
		NamespacesTotal,
		BlobsTotal,
		RaftLeader,
		RaftTerm,
		RaftAppliedIndex,
		RaftApplyDuration,
		BatchSize,
		BatchFlushDuration,
		BlobReplicationDuration,
		BlobReplicationFailuresTotal,
		BlobResolveDuration,
		ReadBarrierWaitDuration,
		ReadBarrierFailuresTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
