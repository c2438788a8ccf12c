package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cepbridge/metric"
)

func metricsServer(t *testing.T) *httptest.Server {
	t.Helper()
	registry := metric.NewMetricsRegistry()
	m := registry.CoreMetrics()
	m.MessagesReceived.Add(6)
	m.EventsInjected.Add(3)
	m.RecordRejected("not_registered")
	m.RecordRejected("not_registered")
	m.RecordRejected("certificate_mismatch")
	m.RecordDropped("malformed")
	m.AlertsPublished.Add(2)
	m.RecordStatements("c1", 2)
	m.RecordStatements("c2", 1)

	ts := httptest.NewServer(metric.NewServer(":0", registry).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestStats_Text(t *testing.T) {
	_, _, d := testEnv(t)
	ts := metricsServer(t)

	out, err := execute(t, d, "stats", "--url", ts.URL+"/metrics")
	require.NoError(t, err)
	assert.Contains(t, out, "received            6\n")
	assert.Contains(t, out, "injected            3\n")
	assert.Contains(t, out, "rejected            3\n  certificate_mismatch 1\n  not_registered    2\n")
	assert.Contains(t, out, "dropped             1\n  malformed         1\n")
	assert.Contains(t, out, "alerts published    2\n")
	assert.Contains(t, out, "statements deployed 3\n")
}

func TestStats_JSON(t *testing.T) {
	_, _, d := testEnv(t)
	ts := metricsServer(t)

	out, err := execute(t, d, "stats", "-o", "json", "--url", ts.URL+"/metrics")
	require.NoError(t, err)

	var st pipelineStats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 6.0, st.Received)
	assert.Equal(t, map[string]float64{"not_registered": 2, "certificate_mismatch": 1}, st.Rejected)
	assert.Equal(t, 0.0, st.Failed)
}

func TestStats_Errors(t *testing.T) {
	_, _, d := testEnv(t)
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := execute(t, d, "stats", "--url", ts.URL+"/metrics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
}

func TestMetricsURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9090/metrics", metricsURL(":9090"))
	assert.Equal(t, "http://ops.local:9000/metrics", metricsURL("ops.local:9000"))
}
