package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gateway-service/service/adapters"
	"gateway-service/service/eventbus"
	"gateway-service/service/forwarders"
	"gateway-service/service/gateway"
	"gateway-service/service/models"
	"gateway-service/service/pipeline"
	"gateway-service/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorService_Rates(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMonitorService(10 * time.Second)
	m.now = func() time.Time { return now }

	for i := 0; i < 8; i++ {
		m.Record(true)
	}
	m.Record(false)
	m.Record(false)

	rate, errRate := m.Rates()
	assert.InDelta(t, 1.0, rate, 1e-9)
	assert.InDelta(t, 0.2, errRate, 1e-9)

	// 窗口滑过后旧桶不再计入
	now = now.Add(11 * time.Second)
	m.Record(true)
	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Completed)
	assert.Equal(t, int64(0), snap.Failed)
	assert.Equal(t, 0.0, snap.ErrorRate)
}

func TestMonitorService_SubscribesToResults(t *testing.T) {
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	m := NewMonitorService(0)
	require.NoError(t, m.Start(bus))

	bus.Publish(eventbus.TopicMessageDone, &pipeline.Result{Status: models.LogStatusSuccess})
	bus.Publish(eventbus.TopicMessageFailed, &pipeline.Result{Status: models.LogStatusFailed})
	bus.Publish(eventbus.TopicMessageDone, "ignored")
	require.NoError(t, bus.Wait(context.Background()))

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Completed)
	assert.Equal(t, int64(1), snap.Failed)

	m.Stop(bus)
	bus.Publish(eventbus.TopicMessageDone, &pipeline.Result{Status: models.LogStatusSuccess})
	require.NoError(t, bus.Wait(context.Background()))
	assert.Equal(t, int64(2), m.Snapshot().Completed)
}

func TestMetricsCollector_CountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewMetricsCollector(reg)
	require.NoError(t, err)

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	require.NoError(t, c.Attach(bus))

	bus.Publish(eventbus.TopicRawReceived, models.NewUnifiedMessage(models.ProtocolUDP, "ds-1", []byte("abcd")))
	bus.Publish(eventbus.TopicMessageFailed, &pipeline.Result{Status: models.LogStatusFailed, FailureReason: models.FailureReasonUnrouted})
	bus.Publish(eventbus.TopicDataForwarded, &forwarders.ForwardResult{TargetID: "t-1", Protocol: "HTTP", Status: models.ForwardStatusSuccess, RetryCount: 2})
	bus.Publish(eventbus.TopicGatewayStatus, gateway.Status{Running: true, AdaptersRunning: 3, AdaptersTotal: 4})
	require.NoError(t, bus.Wait(context.Background()))

	assert.Equal(t, 1.0, promtest.ToFloat64(c.received.WithLabelValues("UDP", "ds-1")))
	assert.Equal(t, 4.0, promtest.ToFloat64(c.receivedBytes.WithLabelValues("UDP")))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.processed.WithLabelValues(models.LogStatusFailed)))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.failures.WithLabelValues(models.FailureReasonUnrouted)))
	assert.Equal(t, 1.0, promtest.ToFloat64(c.forwards.WithLabelValues("t-1", "HTTP", models.ForwardStatusSuccess)))
	assert.Equal(t, 2.0, promtest.ToFloat64(c.forwardRetries.WithLabelValues("HTTP")))
	assert.Equal(t, 3.0, promtest.ToFloat64(c.adaptersRunning))
	assert.Equal(t, 4.0, promtest.ToFloat64(c.adaptersTotal))

	_, err = NewMetricsCollector(reg)
	assert.Error(t, err, "重复注册")
}

func TestMetricsCollector_Exposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewMetricsCollector(reg)
	require.NoError(t, err)

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	require.NoError(t, c.Attach(bus))
	bus.Publish(eventbus.TopicGatewayStatus, gateway.Status{Running: true, AdaptersRunning: 2, RulesLoaded: 5})
	require.NoError(t, bus.Wait(context.Background()))

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	require.NoError(t, err)

	running, ok := families[namespace+"_adapters_running"]
	require.True(t, ok, "应暴露 adapters_running")
	assert.Equal(t, 2.0, running.GetMetric()[0].GetGauge().GetValue())
	rules, ok := families[namespace+"_rules_loaded"]
	require.True(t, ok)
	assert.Equal(t, 5.0, rules.GetMetric()[0].GetGauge().GetValue())
}

type staticGateway struct{ status gateway.Status }

func (s staticGateway) Status() gateway.Status { return s.status }

func TestHealthChecker_Scores(t *testing.T) {
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)

	recent := time.Now().Add(-time.Minute)
	gw := staticGateway{status: gateway.Status{
		Running:         true,
		AdaptersRunning: 1,
		AdaptersTotal:   2,
		Pipeline:        pipeline.Stats{Running: true},
		Adapters:        []adapters.Stats{{ID: "ds-1", LastMessageAt: &recent}},
		DataSources: map[string]gateway.EntityStatus{
			"ds-1": {ID: "ds-1", Name: "a", State: gateway.StateRunning},
			"ds-2": {ID: "ds-2", Name: "b", State: gateway.StateError, Error: "bind failed"},
		},
	}}

	h := NewHealthChecker(tdb.DB, nil, gw)
	status := h.CheckOverallHealth(context.Background())

	require.Contains(t, status.Dependencies, "database")
	assert.True(t, status.Dependencies["database"].Available)
	assert.NotContains(t, status.Dependencies, "redis")

	assert.Equal(t, 50, status.Components["gateway"].Score)
	assert.Equal(t, StatusCritical, status.Components["gateway"].Status)
	assert.Equal(t, StatusHealthy, status.Components["pipeline"].Status)

	assert.Equal(t, StatusHealthy, status.DataSources["ds-1"].Status)
	assert.Equal(t, &recent, status.DataSources["ds-1"].LastMessageAt)
	assert.Equal(t, StatusCritical, status.DataSources["ds-2"].Status)
	assert.Equal(t, "bind failed", status.DataSources["ds-2"].ErrorMessage)

	// (50 + 100 + 100 + 0 + 100) / 5
	assert.Equal(t, 70, status.Score)
	assert.Equal(t, StatusWarning, status.Overall)
	assert.Equal(t, 1, status.Summary.OfflineDataSources)
	assert.Same(t, status, h.Last())
}

func TestGetStatusFromScore(t *testing.T) {
	cases := map[int]string{100: StatusHealthy, 80: StatusHealthy, 79: StatusWarning, 60: StatusWarning, 59: StatusCritical, 0: StatusCritical}
	for score, want := range cases {
		assert.Equal(t, want, getStatusFromScore(score), "score %d", score)
	}
}
