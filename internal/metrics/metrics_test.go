package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ength/aiagent-console/internal/metrics"
)

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = c.(prometheus.Metric).Write(m)
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	_ = gauge.(prometheus.Metric).Write(m)
	return m.GetGauge().GetValue()
}

func TestHTTPMiddleware_RecordsRequestMetrics(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	before := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "200")

	resp, err := http.Get(server.URL + "/some/asset.js")
	require.NoError(t, err)
	_ = resp.Body.Close()

	after := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "200")
	assert.Equal(t, float64(1), after-before)
}

func TestHTTPMiddleware_NormalizesPaths(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	// Agent API paths are grouped under their collection so agent ids
	// do not explode label cardinality.
	before := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/api/agents", "200")
	resp, err := http.Get(server.URL + "/api/agents/abc123/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	after := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/api/agents", "200")
	assert.Equal(t, float64(1), after-before)

	// Fixed endpoints keep their own label.
	before = getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/ws", "200")
	resp, err = http.Get(server.URL + "/ws")
	require.NoError(t, err)
	_ = resp.Body.Close()
	after = getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/ws", "200")
	assert.Equal(t, float64(1), after-before)

	// Anything else is grouped as /static.
	before = getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "200")
	resp, err = http.Get(server.URL + "/assets/bundle.js")
	require.NoError(t, err)
	_ = resp.Body.Close()
	after = getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "200")
	assert.Equal(t, float64(1), after-before)
}

func TestHTTPMiddleware_Records404(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	before := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "404")

	resp, err := http.Get(server.URL + "/nonexistent")
	require.NoError(t, err)
	_ = resp.Body.Close()

	after := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/static", "404")
	assert.Equal(t, float64(1), after-before)
}

func TestGauges(t *testing.T) {
	for name, gauge := range map[string]prometheus.Gauge{
		"agents":      metrics.ActiveAgents,
		"ptys":        metrics.ActivePTYs,
		"subscribers": metrics.ActiveSubscribers,
	} {
		before := getGaugeValue(t, gauge)
		gauge.Inc()
		assert.Equal(t, float64(1), getGaugeValue(t, gauge)-before, name)
		gauge.Dec()
		assert.Equal(t, before, getGaugeValue(t, gauge), name)
	}
}

func TestMetricsRegistered(t *testing.T) {
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have registered metrics")
}
