package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MemCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilelayer_memcache_hits_total",
		Help: "Total number of tiles served straight from the memory cache",
	})

	MemCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilelayer_memcache_misses_total",
		Help: "Total number of memory cache misses",
	})

	DeduplicatedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilelayer_deduplicated_requests_total",
		Help: "Total number of tile requests joined to an in-flight request",
	})

	UnreachableRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilelayer_unreachable_rejections_total",
		Help: "Total number of tile requests rejected because the tile is blacklisted while offline",
	})

	UnreachableAdditions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilelayer_unreachable_additions_total",
		Help: "Total number of tiles added to the unreachable set",
	})

	WorkingSetSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilelayer_working_set_size",
		Help: "Number of tile requests currently in flight",
	})

	ProviderFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilelayer_provider_fetches_total",
		Help: "Total number of provider fetches by provider and outcome",
	}, []string{"provider", "outcome"})

	RequestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilelayer_request_outcomes_total",
		Help: "Total number of finished tile requests by outcome",
	}, []string{"outcome"})

	UpstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilelayer_upstream_latency_seconds",
		Help:    "Latency of upstream tile fetches in seconds",
		Buckets: prometheus.DefBuckets,
	})

	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tilelayer_store_operation_duration_seconds",
		Help:    "Duration of tile store operations in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"backend", "operation"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilelayer_store_errors_total",
		Help: "Total number of tile store errors",
	}, []string{"backend", "operation"})

	ConnectivityUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilelayer_connectivity_up",
		Help: "1 when the connectivity probe last succeeded, 0 otherwise",
	})
)
