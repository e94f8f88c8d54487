package metrics

import (
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maresync/distcache/internal/cache"
)

func gaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := Registry.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == "distcache_"+name {
			require.Equal(t, dto.MetricType_GAUGE, fam.GetType())
			return fam.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("gauge %s not found", name)
	return 0
}

func TestCacheMetrics_GaugeUpdates(t *testing.T) {
	m := New()

	m.IncGauge(cache.GaugeFilesDownloading, 1)
	m.IncGauge(cache.GaugeFilesDownloading, 1)
	m.DecGauge(cache.GaugeFilesDownloading, 1)
	assert.Equal(t, float64(1), gaugeValue(t, cache.GaugeFilesDownloading))

	m.SetGauge(cache.GaugeFilesTotal, 1500)
	m.SetGauge(cache.GaugeFilesTotalSize, 1<<30)
	assert.Equal(t, float64(1500), gaugeValue(t, cache.GaugeFilesTotal))
	assert.Equal(t, float64(1<<30), gaugeValue(t, cache.GaugeFilesTotalSize))

	// Unknown gauge names are ignored rather than panicking.
	m.IncGauge("not_a_gauge", 1)
	m.SetGauge("not_a_gauge", 1)
}

func TestHandler_ServesRegistry(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "distcache_files_total")
}
