// Package metrics provides Prometheus metrics for the distribution cache.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maresync/distcache/internal/cache"
)

// Registry is the Prometheus registry for all distcache metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// CacheMetrics exposes the cache gauges and satisfies cache.MetricsSink.
type CacheMetrics struct {
	gauges map[string]prometheus.Gauge
}

// New initializes all cache gauges on the package registry.
func New() *CacheMetrics {
	gauge := func(name, help string) prometheus.Gauge {
		return promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Namespace: "distcache",
			Name:      name,
			Help:      help,
		})
	}

	return &CacheMetrics{
		gauges: map[string]prometheus.Gauge{
			cache.GaugeFilesTotal:            gauge(cache.GaugeFilesTotal, "Number of files in the hot tier"),
			cache.GaugeFilesTotalSize:        gauge(cache.GaugeFilesTotalSize, "Total bytes in the hot tier"),
			cache.GaugeFilesTotalColdStorage: gauge(cache.GaugeFilesTotalColdStorage, "Number of files in cold storage"),
			cache.GaugeFilesSizeColdStorage:  gauge(cache.GaugeFilesSizeColdStorage, "Total bytes in cold storage"),
			cache.GaugeFilesDownloading:      gauge(cache.GaugeFilesDownloading, "In-flight peer fetches"),
			cache.GaugeFilesWaitingForHandle: gauge(cache.GaugeFilesWaitingForHandle, "Callers waiting on an in-flight fetch"),
		},
	}
}

// IncGauge implements cache.MetricsSink.
func (m *CacheMetrics) IncGauge(name string, value float64) {
	if g, ok := m.gauges[name]; ok {
		g.Add(value)
	}
}

// DecGauge implements cache.MetricsSink.
func (m *CacheMetrics) DecGauge(name string, value float64) {
	if g, ok := m.gauges[name]; ok {
		g.Sub(value)
	}
}

// SetGauge implements cache.MetricsSink.
func (m *CacheMetrics) SetGauge(name string, value float64) {
	if g, ok := m.gauges[name]; ok {
		g.Set(value)
	}
}

// Handler returns the HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
