package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricMessagesPublished = "broadcast_messages_published_total"
	MetricMessagesReceived  = "broadcast_messages_received_total"
	MetricStaleDropped      = "broadcast_stale_dropped_total"
	MetricConflictsResolved = "broadcast_conflicts_resolved_total"
	MetricDecodeErrors      = "broadcast_decode_errors_total"
	MetricMasterRole        = "broadcast_master_role"
)

// Metrics contains Prometheus metrics for the broadcast coordinator.
// All operations are thread-safe.
type Metrics struct {
	published         *prometheus.CounterVec
	received          *prometheus.CounterVec
	staleDropped      *prometheus.CounterVec
	conflictsResolved *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	masterRole        prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricMessagesPublished,
			Help: "Total number of broadcast messages published, by type",
		}, []string{"type"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricMessagesReceived,
			Help: "Total number of broadcast messages received, by type",
		}, []string{"type"}),
		staleDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricStaleDropped,
			Help: "Total number of incoming messages dropped for a stale version, by type",
		}, []string{"type"}),
		conflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricConflictsResolved,
			Help: "Total number of cross-instance conflicts resolved, by type",
		}, []string{"type"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricDecodeErrors,
			Help: "Total number of broadcast messages that failed to decode",
		}),
		masterRole: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricMasterRole,
			Help: "1 when this instance currently holds the master role, 0 otherwise",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.published,
		m.received,
		m.staleDropped,
		m.conflictsResolved,
		m.decodeErrors,
		m.masterRole,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
