package sched

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// edgeDropTotal counts bundles evicted by drop-oldest backpressure.
	// Not an error: an expected, counted event.
	edgeDropTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visionflow_edge_drops_total",
		Help: "Bundles dropped per edge by drop-oldest backpressure",
	}, []string{"edge"})

	nodeErrorTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visionflow_node_errors_total",
		Help: "Node invocation failures by node and kind",
	}, []string{"node", "kind"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "visionflow_queue_depth",
		Help: "Current async input queue depth per node",
	}, []string{"node"})

	frameCycleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "visionflow_frame_cycles_total",
		Help: "Frame cycles started",
	})

	frameSkipTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "visionflow_frame_skips_total",
		Help: "Frame cycles skipped by the resource profile skip ratio",
	})

	frameLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "visionflow_frame_latency_seconds",
		Help:    "Capture-to-sink latency per frame bundle",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	breakerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "visionflow_breaker_open",
		Help: "1 when a node circuit breaker is open or half-open",
	}, []string{"node"})
)
