package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides the runtime's production monitoring
// surface, namespaced "agentgraph_":
//
//   - inflight_sessions (gauge): sessions currently running a turn.
//   - queue_depth (gauge): turns queued in the session scheduler.
//   - node_latency_ms (histogram): per-node execution duration, labeled
//     by session_id, node_id, status.
//   - retries_total (counter): node retry attempts.
//   - routing_ambiguity_total (counter): RoutingAmbiguity occurrences.
//   - backpressure_events_total (counter): scheduler/broadcaster
//     saturation events.
type PrometheusMetrics struct {
	inflightSessions prometheus.Gauge
	queueDepth       prometheus.Gauge

	nodeLatency *prometheus.HistogramVec

	retries          *prometheus.CounterVec
	routingAmbiguity *prometheus.CounterVec
	backpressure     *prometheus.CounterVec

	registry prometheus.Registerer
	mu       sync.RWMutex
	enabled  bool
}

// NewPrometheusMetrics creates and registers the runtime's metrics with
// the given registry (pass nil for prometheus.DefaultRegisterer).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{registry: registry, enabled: true}

	pm.inflightSessions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentgraph",
		Name:      "inflight_sessions",
		Help:      "Current number of sessions with a turn in progress",
	})
	pm.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentgraph",
		Name:      "queue_depth",
		Help:      "Number of turns waiting in the session scheduler",
	})
	pm.nodeLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentgraph",
		Name:      "node_latency_ms",
		Help:      "Node execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"session_id", "node_id", "status"})
	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentgraph",
		Name:      "retries_total",
		Help:      "Cumulative node retry attempts",
	}, []string{"session_id", "node_id", "reason"})
	pm.routingAmbiguity = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentgraph",
		Name:      "routing_ambiguity_total",
		Help:      "Routing ambiguity/dead-end occurrences",
	}, []string{"node_id", "kind"})
	pm.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentgraph",
		Name:      "backpressure_events_total",
		Help:      "Scheduler or broadcaster saturation events",
	}, []string{"component", "reason"})

	return pm
}

// RecordNodeLatency records a node's execution duration.
func (pm *PrometheusMetrics) RecordNodeLatency(sessionID, nodeID string, latency time.Duration, status string) {
	if !pm.enabled {
		return
	}
	pm.nodeLatency.WithLabelValues(sessionID, nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries increments the retry counter for a node.
func (pm *PrometheusMetrics) IncrementRetries(sessionID, nodeID, reason string) {
	if !pm.enabled {
		return
	}
	pm.retries.WithLabelValues(sessionID, nodeID, reason).Inc()
}

// IncrementRoutingAmbiguity increments the routing-ambiguity counter.
func (pm *PrometheusMetrics) IncrementRoutingAmbiguity(nodeID, kind string) {
	if !pm.enabled {
		return
	}
	pm.routingAmbiguity.WithLabelValues(nodeID, kind).Inc()
}

// UpdateQueueDepth sets the current scheduler queue depth.
func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.enabled {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

// UpdateInflightSessions sets the current in-flight session count.
func (pm *PrometheusMetrics) UpdateInflightSessions(count int) {
	if !pm.enabled {
		return
	}
	pm.inflightSessions.Set(float64(count))
}

// IncrementBackpressure increments the backpressure counter for a component.
func (pm *PrometheusMetrics) IncrementBackpressure(component, reason string) {
	if !pm.enabled {
		return
	}
	pm.backpressure.WithLabelValues(component, reason).Inc()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
