package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WindowsFetched tracks top-level windows completed by the range fetcher
	WindowsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfetch_windows_fetched_total",
			Help: "Total number of top-level windows fetched",
		},
		[]string{"task"},
	)

	// GranularityStepDowns tracks windows retried at a smaller granularity
	GranularityStepDowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfetch_granularity_stepdowns_total",
			Help: "Total number of windows retried at a smaller granularity",
		},
		[]string{"task", "from"},
	)

	// UnrecoverableWindows tracks windows that failed at every granularity
	UnrecoverableWindows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfetch_unrecoverable_windows_total",
			Help: "Total number of windows that failed at the smallest granularity",
		},
		[]string{"task", "oversized"},
	)

	// LogsFetched tracks log records returned to callers
	LogsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfetch_logs_fetched_total",
			Help: "Total number of log records fetched",
		},
		[]string{"task"},
	)

	// SourceCalls tracks calls to remote sources by operation and outcome
	SourceCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfetch_source_calls_total",
			Help: "Total number of remote source calls",
		},
		[]string{"operation", "outcome"},
	)

	// SamplesAbsent tracks samples dropped after retry exhaustion
	SamplesAbsent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfetch_samples_absent_total",
			Help: "Total number of call samples absent after retries",
		},
		[]string{"function"},
	)

	// PagesFetched tracks paginated source pages
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfetch_pages_fetched_total",
			Help: "Total number of pages fetched",
		},
		[]string{"mode"},
	)

	// BlocksFetched tracks blocks fetched by the block iterator
	BlocksFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainfetch_blocks_fetched_total",
			Help: "Total number of blocks fetched",
		},
	)

	// RPCCallsTotal tracks RPC calls per provider
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfetch_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"provider", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per provider
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainfetch_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"provider", "error_type"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainfetch_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "method"},
	)

	// Progress tracks the last reported progress per label
	Progress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainfetch_progress_ratio",
			Help: "Completed fraction of the current operation",
		},
		[]string{"label"},
	)
)
