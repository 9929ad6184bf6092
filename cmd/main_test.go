package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/turnstile/internal/config"
	"github.com/compresr/turnstile/internal/monitoring"
)

func TestDefaultConfig_Loads(t *testing.T) {
	data, err := defaultConfig()
	require.NoError(t, err)

	cfg, err := config.LoadFromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Normalizer.LoopDetectionWindow)
	assert.Equal(t, 2, cfg.Normalizer.LoopDetectionThreshold)
	assert.Equal(t, 15*time.Second, cfg.Session.Limits.HeartbeatInterval)
	assert.True(t, cfg.Monitoring.MetricsEnabled)
}

func TestResolveConfig_UserPath(t *testing.T) {
	_, _, err := resolveConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join("configs", "turnstile.yaml")
	data, source, err := resolveConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, source)
	assert.NotEmpty(t, data)
}

func TestBuild_ServesHealthAndMetrics(t *testing.T) {
	cfg, err := config.LoadFromBytes([]byte(`
upstream:
  base_url: http://127.0.0.1:1
monitoring:
  metrics_enabled: true
  completion_log:
    enabled: true
    path: ` + filepath.Join(t.TempDir(), "completions.jsonl") + `
`))
	require.NoError(t, err)

	a, err := build(cfg, monitoring.FromZerolog(zerolog.Nop()))
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.shutdown(ctx)
	}()

	srv := httptest.NewServer(a.gateway.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status string `json:"status"`
		Pool   struct {
			ConfiguredMax int `json:"configured_max"`
		} `json:"pool"`
		Admission struct {
			Limit int `json:"limit"`
		} `json:"admission"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, cfg.Pool.MaxConnections, health.Pool.ConfiguredMax)
	assert.Equal(t, cfg.Session.Admission.MaxConcurrentSessions, health.Admission.Limit)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}
