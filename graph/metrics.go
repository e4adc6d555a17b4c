package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for engine execution. All metrics are
// namespaced "stategraph". A nil *Metrics is valid and records nothing, so
// the engine never branches on whether metrics are configured.
//
// Exposed series:
//
//	inflight_nodes        gauge      nodes currently executing
//	frontier_depth        gauge      nodes in the current frontier
//	node_latency_ms       histogram  invocation duration, labels: node_id, status
//	retries_total         counter    retry attempts, label: node_id
//	merge_conflicts_total counter    strict-merge conflicts detected
//	join_waits_total      counter    arrivals at a still-incomplete join, label: join_id
//	checkpoints_total     counter    checkpoints written
//
// Expose them the usual way:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewMetrics(registry)
//	engine := graph.New(g, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	inflightNodes  prometheus.Gauge
	frontierDepth  prometheus.Gauge
	nodeLatency    *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	mergeConflicts prometheus.Counter
	joinWaits      *prometheus.CounterVec
	checkpoints    prometheus.Counter
}

// NewMetrics creates and registers the engine metrics. Pass
// prometheus.DefaultRegisterer for the global registry, or a private
// registry for isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stategraph",
			Name:      "inflight_nodes",
			Help:      "Number of nodes currently executing",
		}),
		frontierDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stategraph",
			Name:      "frontier_depth",
			Help:      "Number of nodes in the current execution frontier",
		}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stategraph",
			Name:      "node_latency_ms",
			Help:      "Node invocation duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node_id", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stategraph",
			Name:      "retries_total",
			Help:      "Cumulative node retry attempts",
		}, []string{"node_id"}),
		mergeConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stategraph",
			Name:      "merge_conflicts_total",
			Help:      "Strict-merge conflicts detected between parallel branches",
		}),
		joinWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stategraph",
			Name:      "join_waits_total",
			Help:      "Arrivals at a join barrier that was still incomplete",
		}, []string{"join_id"}),
		checkpoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stategraph",
			Name:      "checkpoints_total",
			Help:      "Checkpoints written",
		}),
	}
}

func (m *Metrics) setInflight(n int) {
	if m == nil {
		return
	}
	m.inflightNodes.Set(float64(n))
}

func (m *Metrics) setFrontierDepth(n int) {
	if m == nil {
		return
	}
	m.frontierDepth.Set(float64(n))
}

func (m *Metrics) observeNodeLatency(nodeID string, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.nodeLatency.WithLabelValues(nodeID, status).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) incRetries(nodeID string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(nodeID).Inc()
}

func (m *Metrics) incMergeConflicts() {
	if m == nil {
		return
	}
	m.mergeConflicts.Inc()
}

func (m *Metrics) incJoinWaits(joinID string) {
	if m == nil {
		return
	}
	m.joinWaits.WithLabelValues(joinID).Inc()
}

func (m *Metrics) incCheckpoints() {
	if m == nil {
		return
	}
	m.checkpoints.Inc()
}
