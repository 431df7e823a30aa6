package nearby

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricQueries    = "nearby_queries_total"
	MetricRetries    = "nearby_query_retries_total"
	MetricFailures   = "nearby_query_failures_total"
	MetricCollapsed  = "nearby_requests_collapsed_total"
	MetricSuperseded = "nearby_results_superseded_total"
	MetricPurged     = "nearby_profiles_purged_total"
)

// Metrics contains Prometheus metrics for the nearby fetcher.
type Metrics struct {
	queries    prometheus.Counter
	retries    prometheus.Counter
	failures   prometheus.Counter
	collapsed  prometheus.Counter
	superseded prometheus.Counter
	purged     prometheus.Counter
}

// NewMetrics creates a Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricQueries,
			Help: "Total number of successful nearby backend queries",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRetries,
			Help: "Total number of nearby query retry attempts",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFailures,
			Help: "Total number of nearby queries that exhausted their retries",
		}),
		collapsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricCollapsed,
			Help: "Total number of requests collapsed by the debounce window",
		}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSuperseded,
			Help: "Total number of query results dropped because a newer request fired",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPurged,
			Help: "Total number of held profiles purged by the self-heal pass",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.queries,
		m.retries,
		m.failures,
		m.collapsed,
		m.superseded,
		m.purged,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
