package metric

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/health"
)

func TestMetricsRegistry_RegisterAndUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total", Help: "test"})
	require.NoError(t, registry.RegisterCounter("translator", "test_counter", counter))

	err := registry.RegisterCounter("translator", "test_counter", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	assert.True(t, registry.Unregister("translator", "test_counter"))
	assert.False(t, registry.Unregister("translator", "test_counter"))
}

func TestMetricsRegistry_PrometheusConflict(t *testing.T) {
	registry := NewMetricsRegistry()

	a := prometheus.NewGauge(prometheus.GaugeOpts{Name: "same_name", Help: "a"})
	b := prometheus.NewGauge(prometheus.GaugeOpts{Name: "same_name", Help: "a"})
	require.NoError(t, registry.RegisterGauge("svc1", "g", a))

	err := registry.RegisterGauge("svc2", "g", b)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPublished("relay", "ScopeStateMsg")
		m.RecordRequest("router", "REQ_START_SCAN", "REP_SUCCESS", time.Millisecond)
		m.RecordNATSConnection(true)
	})

	var r *MetricsRegistry
	assert.Nil(t, r.CoreMetrics())
}

func TestMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordPublished("relay", "ControlState")
	m.RecordPublished("relay", "ControlState")
	m.RecordReplay("relay", 3)
	m.RecordControlState(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("relay", "ControlState")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Replays.WithLabelValues("relay")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReplayedMessages.WithLabelValues("relay")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProblemsActive))
}

func TestMetrics_RequestDurationGathered(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()
	m.RecordRequest("router", "REQ_START_SCAN", "REP_SUCCESS", 20*time.Millisecond)
	m.RecordRequest("router", "REQ_START_SCAN", "REP_NO_RESPONSE", time.Second)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily)
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	durations := byName["afspm_control_request_duration_seconds"]
	require.NotNil(t, durations)
	require.Len(t, durations.Metric, 1, "one series per component and request")
	hist := durations.Metric[0].GetHistogram()
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.InDelta(t, 1.02, hist.GetSampleSum(), 1e-9)

	requests := byName["afspm_control_requests_total"]
	require.NotNil(t, requests)
	assert.Len(t, requests.Metric, 2, "one series per response code")
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordKill("relay", "sent")

	monitor := health.NewMonitor()
	monitor.UpdateHealthy("relay", "running")

	srv := httptest.NewServer(NewServer("", "", registry, monitor).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "afspm_pubsub_kill_signals_total")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var status health.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	_ = resp.Body.Close()
	assert.True(t, status.IsHealthy())

	monitor.UpdateUnhealthy("natsclient", "disconnected")
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/metrics", NewMetricsRegistry(), nil)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "second start must fail")
	assert.Contains(t, s.Address(), "127.0.0.1:")

	resp, err := http.Get(s.Address())
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}
