package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exposes sync engine metrics through a Prometheus
// registry.
type PrometheusCollector struct {
	registry *prometheus.Registry

	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	messagesQueued    *prometheus.CounterVec
	messagesExpired   *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	syncIssues        *prometheus.CounterVec
	rollbacks         prometheus.Counter
	latency           prometheus.Histogram
	queueDepth        prometheus.Gauge
}

// NewPrometheusCollector creates a collector backed by its own registry.
func NewPrometheusCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()

	c := &PrometheusCollector{
		registry: registry,
		connectionState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tablesync_connection_state",
				Help: "Current connection state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"},
		),
		reconnectAttempts: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "tablesync_reconnect_attempts_total",
				Help: "Total number of reconnection attempts",
			},
		),
		messagesQueued: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablesync_messages_queued_total",
				Help: "Total number of messages accepted by the outbound queue",
			},
			[]string{"destination"},
		),
		messagesExpired: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablesync_messages_expired_total",
				Help: "Total number of queued messages dropped past their TTL",
			},
			[]string{"destination"},
		),
		messagesDropped: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablesync_messages_dropped_total",
				Help: "Total number of queued messages dropped after exhausting attempts",
			},
			[]string{"destination"},
		),
		deliveries: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablesync_deliveries_total",
				Help: "Total number of delivery receipts by outcome",
			},
			[]string{"outcome"},
		),
		syncIssues: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablesync_sync_issues_total",
				Help: "Total number of sync issues recorded",
			},
			[]string{"category"},
		),
		rollbacks: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "tablesync_rollbacks_total",
				Help: "Total number of optimistic updates rolled back",
			},
		),
		latency: promauto.With(registry).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tablesync_round_trip_seconds",
				Help:    "Round-trip latency of server frames",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),
		queueDepth: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "tablesync_queue_depth",
				Help: "Number of messages currently held in the outbound queue",
			},
		),
	}
	return c
}

// Registry returns the underlying registry for exposition.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

var knownStates = []string{"idle", "connecting", "connected", "disconnected", "error"}

func (c *PrometheusCollector) RecordConnectionState(state string) {
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		c.connectionState.WithLabelValues(s).Set(v)
	}
}

func (c *PrometheusCollector) RecordReconnectAttempt() {
	c.reconnectAttempts.Inc()
}

func (c *PrometheusCollector) RecordMessageQueued(destination string) {
	c.messagesQueued.WithLabelValues(destination).Inc()
}

func (c *PrometheusCollector) RecordMessageExpired(destination string) {
	c.messagesExpired.WithLabelValues(destination).Inc()
}

func (c *PrometheusCollector) RecordMessageDropped(destination string) {
	c.messagesDropped.WithLabelValues(destination).Inc()
}

func (c *PrometheusCollector) RecordDelivery(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.deliveries.WithLabelValues(outcome).Inc()
}

func (c *PrometheusCollector) RecordSyncIssue(category string) {
	c.syncIssues.WithLabelValues(category).Inc()
}

func (c *PrometheusCollector) RecordRollback() {
	c.rollbacks.Inc()
}

func (c *PrometheusCollector) RecordLatency(rtt time.Duration) {
	c.latency.Observe(rtt.Seconds())
}

func (c *PrometheusCollector) RecordQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}
