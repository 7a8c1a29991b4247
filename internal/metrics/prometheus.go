package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a cache node
type Metrics struct {
	// Slot state machine metrics
	SlotsByState          *prometheus.GaugeVec
	SlotTransitionsTotal  *prometheus.CounterVec
	SlotTransitionErrors  prometheus.Counter
	AssignmentsTotal      prometheus.Counter
	AssignmentsRejected   *prometheus.CounterVec

	// Chunk lifecycle metrics
	ChunkDownloadsTotal   *prometheus.CounterVec
	ChunkDownloadDuration prometheus.Histogram
	ChunkDownloadBytes    prometheus.Histogram
	ChunkEvictionsTotal   prometheus.Counter
	EvictionDrainTimeouts prometheus.Counter
	LiveChunks            prometheus.Gauge

	// Read path metrics
	ChunkListRequestsTotal prometheus.Counter
	ChunkSearchesTotal     prometheus.Counter

	// Metadata store metrics
	StoreUnavailableTotal prometheus.Counter
	StoreCASConflicts     prometheus.Counter

	// Fleet metrics
	GossipMembersTotal prometheus.Gauge
}

// New creates and registers all Prometheus metrics with the given registerer
func New(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		SlotsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "cachenode",
			Subsystem:   "slot",
			Name:        "state",
			Help:        "Number of cache slots currently in each state",
			ConstLabels: labels,
		}, []string{"state"}),
		SlotTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cachenode",
			Subsystem:   "slot",
			Name:        "transitions_total",
			Help:        "Total slot state transitions by target state",
			ConstLabels: labels,
		}, []string{"to"}),
		SlotTransitionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cachenode",
			Subsystem:   "slot",
			Name:        "transition_errors_total",
			Help:        "Total slot transitions that failed and retreated to FREE",
			ConstLabels: labels,
		}),
		AssignmentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cachenode",
			Subsystem:   "slot",
			Name:        "assignments_total",
			Help:        "Total chunk assignments observed by this node's slots",
			ConstLabels: labels,
		}),
		AssignmentsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cachenode",
			Subsystem:   "slot",
			Name:        "assignments_rejected_total",
			Help:        "Total chunk assignments rejected by reason",
			ConstLabels: labels,
		}, []string{"reason"}),

		ChunkDownloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cachenode",
			Subsystem:   "chunk",
			Name:        "downloads_total",
			Help:        "Total chunk downloads by result",
			ConstLabels: labels,
		}, []string{"result"}),
		ChunkDownloadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "cachenode",
			Subsystem:   "chunk",
			Name:        "download_duration_seconds",
			Help:        "Histogram of chunk download durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ChunkDownloadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "cachenode",
			Subsystem:   "chunk",
			Name:        "download_bytes",
			Help:        "Histogram of downloaded chunk sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1<<20, 2, 12), // 1MB to 4GB
		}),
		ChunkEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cachenode",
			Subsystem:   "chunk",
			Name:        "evictions_total",
			Help:        "Total chunk evictions",
			ConstLabels: labels,
		}),
		EvictionDrainTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cachenode",
			Subsystem:   "chunk",
			Name:        "eviction_drain_timeouts_total",
			Help:        "Total evictions whose search drain exceeded the timeout",
			ConstLabels: labels,
		}),
		LiveChunks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "cachenode",
			Subsystem:   "chunk",
			Name:        "live_total",
			Help:        "Number of chunks currently open for search",
			ConstLabels: labels,
		}),

		ChunkListRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cachenode",
			Subsystem:   "query",
			Name:        "chunk_list_requests_total",
			Help:        "Total chunk list snapshots handed to the query fan-out layer",
			ConstLabels: labels,
		}),
		ChunkSearchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cachenode",
			Subsystem:   "query",
			Name:        "chunk_searches_total",
			Help:        "Total per-chunk searches dispatched on this node",
			ConstLabels: labels,
		}),

		StoreUnavailableTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cachenode",
			Subsystem:   "metadata",
			Name:        "store_unavailable_total",
			Help:        "Total metadata store operations that found the store unreachable",
			ConstLabels: labels,
		}),
		StoreCASConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "cachenode",
			Subsystem:   "metadata",
			Name:        "cas_conflicts_total",
			Help:        "Total conditioned record writes lost to a concurrent writer",
			ConstLabels: labels,
		}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "cachenode",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Number of fleet members visible via gossip",
			ConstLabels: labels,
		}),
	}
}

// NewForTest creates metrics on a private registry for tests
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry(), "test-node")
}
