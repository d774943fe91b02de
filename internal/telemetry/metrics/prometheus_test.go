package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusProviderCounterIsRegisteredAndIncremented(t *testing.T) {
	reg := prom.NewRegistry()
	p := NewPrometheusProvider(PrometheusProviderOptions{Registry: reg})

	counter := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "reads_total", Help: "total reads", Labels: []string{"device"}}})
	counter.Inc(1, "plc-1")
	counter.Inc(2, "plc-1")

	count, err := testutil.GatherAndCount(reg, "reads_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheusProviderReusesExistingMetricByName(t *testing.T) {
	reg := prom.NewRegistry()
	p := NewPrometheusProvider(PrometheusProviderOptions{Registry: reg})

	first := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "writes_total"}})
	second := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "writes_total"}})

	first.Inc(1)
	second.Inc(1)

	count, err := testutil.GatherAndCount(reg, "writes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "both calls register against the same underlying CounterVec")
}

func TestPrometheusProviderInvalidNameFallsBackToNoop(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	counter := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "not a valid name"}})

	assert.NotPanics(t, func() { counter.Inc(1) })
}

func TestPrometheusProviderGaugeSetAndAdd(t *testing.T) {
	reg := prom.NewRegistry()
	p := NewPrometheusProvider(PrometheusProviderOptions{Registry: reg})

	gauge := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Name: "queue_depth", Labels: []string{"stage"}}})
	gauge.Set(5, "historian")
	gauge.Add(2, "historian")

	out, err := testutil.GatherAndCount(reg, "queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 1, out)
}

func TestPrometheusProviderHistogramDefaultBuckets(t *testing.T) {
	reg := prom.NewRegistry()
	p := NewPrometheusProvider(PrometheusProviderOptions{Registry: reg})

	hist := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Name: "read_latency"}})
	hist.Observe(0.1)

	count, err := testutil.GatherAndCount(reg, "read_latency")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheusProviderTimerObservesElapsedDuration(t *testing.T) {
	reg := prom.NewRegistry()
	p := NewPrometheusProvider(PrometheusProviderOptions{Registry: reg})

	stop := p.NewTimer(HistogramOpts{CommonOpts: CommonOpts{Name: "write_latency"}})
	timer := stop()
	timer.ObserveDuration()

	count, err := testutil.GatherAndCount(reg, "write_latency")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsHandlerServesPrometheusFormat(t *testing.T) {
	reg := prom.NewRegistry()
	p := NewPrometheusProvider(PrometheusProviderOptions{Registry: reg})
	counter := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "reads_total"}})
	counter.Inc(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reads_total")
}
