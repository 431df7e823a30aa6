package loccache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricCacheHits         = "loccache_hits_total"
	MetricCacheMisses       = "loccache_misses_total"
	MetricCacheEvictions    = "loccache_evictions_total"
	MetricCacheEntries      = "loccache_entries"
	MetricCacheHitRate      = "loccache_hit_rate"
	MetricCacheMissRate     = "loccache_miss_rate"
	MetricCacheEvictionRate = "loccache_eviction_rate"
	MetricCacheAvgEntryAge  = "loccache_avg_entry_age_seconds"
	MetricCacheFreshness    = "loccache_entries_by_freshness"
	MetricCacheMemoryBytes  = "loccache_memory_bytes"
)

// Metrics contains Prometheus metrics for the location cache.
// All operations are thread-safe.
type Metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter

	entries      prometheus.Gauge
	hitRate      prometheus.Gauge
	missRate     prometheus.Gauge
	evictionRate prometheus.Gauge
	avgEntryAge  prometheus.Gauge
	freshness    *prometheus.GaugeVec
	memoryBytes  prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricCacheHits,
			Help: "Total number of location cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricCacheMisses,
			Help: "Total number of location cache misses",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricCacheEvictions,
			Help: "Total number of location cache evictions",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricCacheEntries,
			Help: "Current number of location cache entries",
		}),
		hitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricCacheHitRate,
			Help: "Cache hits as a fraction of total cache operations",
		}),
		missRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricCacheMissRate,
			Help: "Cache misses as a fraction of total cache operations",
		}),
		evictionRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricCacheEvictionRate,
			Help: "Cache evictions as a fraction of total cache operations",
		}),
		avgEntryAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricCacheAvgEntryAge,
			Help: "Average age of cache entries in seconds",
		}),
		freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricCacheFreshness,
			Help: "Number of cache entries by freshness bucket",
		}, []string{"freshness"}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricCacheMemoryBytes,
			Help: "Estimated serialized size of the cache in bytes",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.hits,
		m.misses,
		m.evictions,
		m.entries,
		m.hitRate,
		m.missRate,
		m.evictionRate,
		m.avgEntryAge,
		m.freshness,
		m.memoryBytes,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// observeAnalytics pushes a computed analytics view into the gauges.
func (m *Metrics) observeAnalytics(a Analytics) {
	m.entries.Set(float64(a.Entries))
	m.hitRate.Set(a.HitRate)
	m.missRate.Set(a.MissRate)
	m.evictionRate.Set(a.EvictionRate)
	m.avgEntryAge.Set(a.AvgEntryAgeSeconds)
	m.freshness.WithLabelValues(string(FreshnessFresh)).Set(float64(a.FreshEntries))
	m.freshness.WithLabelValues(string(FreshnessStale)).Set(float64(a.StaleEntries))
	m.freshness.WithLabelValues(string(FreshnessExpired)).Set(float64(a.ExpiredEntries))
	m.memoryBytes.Set(float64(a.MemoryBytes))
}
