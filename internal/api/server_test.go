package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanguard/internal/alerts"
	"scanguard/internal/audit"
	"scanguard/internal/baseline"
	"scanguard/internal/config"
	"scanguard/internal/engine"
	"scanguard/internal/metrics"
	"scanguard/internal/model"
	"scanguard/internal/response"
)

type testEnv struct {
	srv     *httptest.Server
	eng     *engine.Engine
	auditor *audit.Logger
	cfg     *config.Config
}

func newTestEnv(t *testing.T, withBaseline bool) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Detection.ModelPath = filepath.Join(dir, "baseline_model.json")
	cfg.Detection.AnomalyThreshold = 0.3
	auditor, err := audit.New(filepath.Join(dir, "audit.json"), filepath.Join(dir, "events.ndjson"))
	require.NoError(t, err)

	metricStore := metrics.NewStore(10)
	collectors := metrics.NewCollectors()
	alertStore := alerts.NewStore(10)
	eng := engine.NewEngine(cfg, nil, auditor, metricStore, collectors, alertStore, nil)
	if withBaseline {
		store := baseline.Build([]model.InventoryRecord{
			{IP: "10.0.0.1", Port: 22, Service: "ssh", Product: "openssh"},
			{IP: "10.0.0.2", Port: 80, Service: "http", Product: "nginx"},
		})
		require.NoError(t, baseline.Save(cfg.Detection.ModelPath, store))
		eng.SetBaseline(store)
	}
	blocker := response.NewBlocker("ufw", auditor, nil).WithRunner(func(context.Context, string, ...string) ([]byte, error) {
		return nil, nil
	})
	server := NewServer(Deps{
		Config:     config.NewStaticManager(cfg),
		Engine:     eng,
		Metrics:    metricStore,
		Collectors: collectors,
		Alerts:     alertStore,
		Audit:      auditor,
		Blocker:    blocker,
		Version:    "test",
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, eng: eng, auditor: auditor, cfg: cfg}
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t, true)
	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(env.srv.URL + "/status")
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	b := body["baseline"].(map[string]any)
	assert.Equal(t, true, b["loaded"])
	assert.Equal(t, 2.0, b["records"])
}

func TestDetectScoresRecords(t *testing.T) {
	env := newTestEnv(t, true)
	payload := `[{"ip":"10.0.0.9","port":22,"service":"ssh","product":"openssh"},
		{"ip":"10.0.0.66","port":31337,"service":"backdoor"}]`
	resp, err := http.Post(env.srv.URL+"/detect", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var batch model.DetectionBatch
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&batch))
	resp.Body.Close()
	require.Len(t, batch.Detections, 2)
	assert.False(t, batch.Detections[0].Prediction)
	assert.True(t, batch.Detections[1].Prediction)
	assert.Equal(t, model.SeverityCritical, batch.Detections[1].Severity)

	resp, err = http.Get(env.srv.URL + "/alerts")
	require.NoError(t, err)
	assert.Equal(t, 1.0, decode(t, resp)["count"])

	resp, err = http.Get(env.srv.URL + "/audit?type=anomaly_detected")
	require.NoError(t, err)
	assert.Equal(t, 1.0, decode(t, resp)["count"])

	resp, err = http.Get(env.srv.URL + "/runs")
	require.NoError(t, err)
	runs := decode(t, resp)
	assert.Equal(t, 1.0, runs["count"])
	assert.Equal(t, "memory", runs["source"])

	resp, err = http.Get(env.srv.URL + "/runs/" + batch.RunID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestDetectEmptyBodyReturnsNote(t *testing.T) {
	env := newTestEnv(t, true)
	resp, err := http.Post(env.srv.URL+"/detect", "application/json", nil)
	require.NoError(t, err)
	body := decode(t, resp)
	meta := body["metadata"].(map[string]any)
	assert.Equal(t, 0.0, meta["records_scored"])
	assert.NotEmpty(t, meta["note"])
}

func TestDetectWithoutBaseline(t *testing.T) {
	env := newTestEnv(t, false)
	resp, err := http.Post(env.srv.URL+"/detect", "application/json", strings.NewReader(`[]`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(env.srv.URL+"/admin/reload", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestDetectRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t, true)
	resp, err := http.Post(env.srv.URL+"/detect", "application/json", strings.NewReader(`{"not":"a scan"`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestBaselineAndReload(t *testing.T) {
	env := newTestEnv(t, true)
	resp, err := http.Get(env.srv.URL + "/baseline")
	require.NoError(t, err)
	body := decode(t, resp)
	totals := body["totals"].(map[string]any)
	assert.Equal(t, 2.0, totals["records"])

	resp, err = http.Post(env.srv.URL+"/admin/reload", "application/json", nil)
	require.NoError(t, err)
	reload := decode(t, resp)
	assert.Equal(t, 2.0, reload["baseline_records"])
}

func TestBlockEndpoint(t *testing.T) {
	env := newTestEnv(t, true)
	resp, err := http.Post(env.srv.URL+"/block", "application/json", bytes.NewBufferString(`{"ip":"10.0.0.66"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	events, err := env.auditor.Events()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventFirewallBlock, events[0].Type)

	resp, err = http.Post(env.srv.URL+"/block", "application/json", bytes.NewBufferString(`{"ip":"nope"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestClearAndMetrics(t *testing.T) {
	env := newTestEnv(t, true)
	resp, err := http.Post(env.srv.URL+"/detect", "application/json", strings.NewReader(`[{"ip":"10.0.0.66","port":31337}]`))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Contains(t, buf.String(), "scanguard_records_scored_total 1")
	assert.Contains(t, buf.String(), `scanguard_anomalies_total{severity="critical"} 1`)

	resp, err = http.Post(env.srv.URL+"/admin/clear", "application/json", strings.NewReader(`{"target":"alerts"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(env.srv.URL + "/alerts")
	require.NoError(t, err)
	assert.Equal(t, 0.0, decode(t, resp)["count"])

	resp, err = http.Post(env.srv.URL+"/admin/clear", "application/json", strings.NewReader(`{"target":"bogus"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, true)
	resp, err := http.Get(env.srv.URL + "/detect")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}
