package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Query metrics
	QueriesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_queries_submitted_total",
			Help: "Total number of queries submitted",
		},
		[]string{"query_type", "strategy"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fathom_query_duration_seconds",
			Help:    "End-to-end query execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type", "strategy"},
	)

	// Task metrics
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_tasks_completed_total",
			Help: "Total number of worker tasks finished, by terminal status",
		},
		[]string{"status"},
	)

	TaskDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_task_depth",
			Help:    "Depth of worker tasks in the recursion tree",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	LiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fathom_live_workers",
			Help: "Worker tasks currently holding a budget slot",
		},
	)

	// Partitioner metrics
	PartitionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_partitions_created_total",
			Help: "Total number of chunks produced by the partitioner",
		},
	)

	OversizedChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_oversized_chunks_total",
			Help: "Chunks emitted whole because a record exceeded the target size",
		},
	)

	ChunkLines = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_chunk_lines",
			Help:    "Line count of chunks produced by the partitioner",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10),
		},
	)

	// Aggregation metrics
	ReduceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_reduce_latency_seconds",
			Help:    "Time spent reducing child results into a parent result",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	// Budget metrics
	BudgetDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_budget_denials_total",
			Help: "Worker slot acquisitions refused, by exhausted ceiling",
		},
		[]string{"reason"},
	)

	QueryCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_query_cost_usd",
			Help:    "Evaluation cost in USD accumulated per query",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
	)

	// Evaluator metrics
	EvaluatorCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_evaluator_calls_total",
			Help: "Calls to the evaluation service",
		},
		[]string{"status"},
	)

	EvaluatorLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_evaluator_latency_seconds",
			Help:    "Evaluation service call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Result cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_result_cache_hits_total",
			Help: "Query results served from the result cache",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_result_cache_misses_total",
			Help: "Query results not found in the result cache",
		},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fathom_stream_subscribers",
			Help: "Active SSE and WebSocket event subscribers",
		},
	)

	StreamEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_stream_events_published_total",
			Help: "Task lifecycle events published to subscribers",
		},
	)
)
