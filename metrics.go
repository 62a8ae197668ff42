package modelcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// cacheMetrics exports cache activity to Prometheus. Built only when a
// registerer is configured; a nil *cacheMetrics disables every method.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(reg prometheus.Registerer, cache string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"cache": cache}
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "modelcache",
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Number of reads served from the cache.",
			ConstLabels: labels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "modelcache",
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Number of reads not found in the cache.",
			ConstLabels: labels,
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "modelcache",
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Number of entries evicted to respect the size limit.",
			ConstLabels: labels,
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "modelcache",
			Subsystem:   "cache",
			Name:        "size",
			Help:        "Current number of cached entries.",
			ConstLabels: labels,
		}),
	}

	for _, col := range []prometheus.Collector{m.hits, m.misses, m.evictions, m.size} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordEviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *cacheMetrics) updateSize(n int) {
	if m != nil {
		m.size.Set(float64(n))
	}
}
