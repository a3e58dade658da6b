package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Arena metrics
	ArenaAllocatedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_allocated_bytes",
		Help: "Current bytes carved out of an arena",
	}, []string{"arena"})

	ArenaCapacityBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_capacity_bytes",
		Help: "Total capacity of an arena in bytes",
	}, []string{"arena"})

	ArenaExhaustions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_exhaustions_total",
		Help: "Total number of allocation requests rejected for lack of capacity",
	})

	// Graph metrics
	GraphNodes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_nodes",
		Help:    "Number of operation nodes per computed graph",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	GraphComputeDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "graph_compute_duration_seconds",
		Help: "Duration of whole-graph compute calls",
	})

	OpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "op_duration_seconds",
		Help:    "Histogram of per-operation execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// KV cache metrics
	KVCachePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_positions",
		Help: "Sequence positions currently populated in the KV cache",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total capacity of the KV cache in bytes",
	})

	KVCacheOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_overflows_total",
		Help: "Total number of decode steps rejected for exceeding the context window",
	})

	// Session metrics
	TokensEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokens_evaluated_total",
		Help: "Total number of tokens pushed through the forward pass",
	})

	EvaluateDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "evaluate_duration_seconds",
		Help: "Duration of single decode steps",
	})

	// Quantization metrics
	QuantizedElements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantized_elements_total",
		Help: "Total number of float elements pushed through a quantizer",
	}, []string{"dtype"})

	// Loader metrics
	LoadDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "model_load_duration_seconds",
		Help: "Duration of model loads",
	})

	TensorsLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tensors_loaded_total",
		Help: "Total number of weight tensors materialized",
	})
)

// RecordArena updates the allocation gauges for a named arena.
func RecordArena(name string, used, capacity int64) {
	ArenaAllocatedBytes.WithLabelValues(name).Set(float64(used))
	ArenaCapacityBytes.WithLabelValues(name).Set(float64(capacity))
}

// RecordGraphCompute records one whole-graph execution.
func RecordGraphCompute(nodes int, d time.Duration) {
	GraphNodes.Observe(float64(nodes))
	GraphComputeDuration.Observe(d.Seconds())
}

// RecordOp records a single operation node's execution time.
func RecordOp(op string, d time.Duration) {
	OpDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordEvaluate records one decode step.
func RecordEvaluate(tokens int, d time.Duration) {
	TokensEvaluated.Add(float64(tokens))
	EvaluateDuration.Observe(d.Seconds())
}

// RecordKVCache updates the cache position gauge.
func RecordKVCache(positions int, capacityBytes int64) {
	KVCachePositions.Set(float64(positions))
	KVCacheCapacityBytes.Set(float64(capacityBytes))
}

// RecordQuantize tallies elements pushed through a quantizer.
func RecordQuantize(dtype string, elements int) {
	QuantizedElements.WithLabelValues(dtype).Add(float64(elements))
}

// RecordLoad records a completed model load.
func RecordLoad(tensors int, d time.Duration) {
	TensorsLoaded.Add(float64(tensors))
	LoadDuration.Observe(d.Seconds())
}
