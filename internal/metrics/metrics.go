// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sessions tracks currently connected sessions by transport.
var Sessions = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "tradegate_sessions",
		Help: "Number of connected client sessions",
	},
	[]string{"transport"},
)

// DegradedSessions counts sessions torn down because their send queue filled up.
var DegradedSessions = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradegate_sessions_degraded_total",
		Help: "Sessions torn down after their outbound queue overflowed",
	},
)

// Commands counts dispatched commands by name and outcome.
var Commands = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradegate_commands_total",
		Help: "Commands dispatched, by command name and result",
	},
	[]string{"cmd", "result"},
)

// Pipeline metrics
var (
	PipelineDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradegate_pipeline_depth",
			Help: "Frames buffered in the event pipeline",
		},
	)

	PipelineStale = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradegate_pipeline_stale_frames_total",
			Help: "Frames delivered later than the staleness threshold",
		},
	)

	PipelineBackoff = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradegate_pipeline_producer_backoff_total",
			Help: "Producer retries caused by a full pipeline",
		},
	)

	PipelineDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradegate_pipeline_dropped_total",
			Help: "Frames abandoned after the producer wait budget ran out",
		},
	)

	PipelineLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradegate_pipeline_latency_seconds",
			Help:    "Delay between frame origination and consumption",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1},
		},
	)
)

// History cache metrics
var (
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegate_history_cache_requests_total",
			Help: "History cache lookups by result (hit, miss, shared)",
		},
		[]string{"result"},
	)

	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegate_history_cache_evictions_total",
			Help: "History cache removals by reason",
		},
		[]string{"reason"},
	)

	CacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradegate_history_cache_bytes",
			Help: "Estimated bytes held by the history cache",
		},
	)

	BarFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegate_platform_bar_fetches_total",
			Help: "Bar retrievals issued to the host platform, by result",
		},
		[]string{"result"},
	)
)

// OrderTransitions counts accepted order state transitions.
var OrderTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradegate_order_transitions_total",
		Help: "Accepted order state transitions by resulting state",
	},
	[]string{"state"},
)

func init() {
	prometheus.MustRegister(Sessions, DegradedSessions, Commands)
	prometheus.MustRegister(PipelineDepth, PipelineStale, PipelineBackoff, PipelineDropped, PipelineLatency)
	prometheus.MustRegister(CacheRequests, CacheEvictions, CacheBytes, BarFetches)
	prometheus.MustRegister(OrderTransitions)
}
