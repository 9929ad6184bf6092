package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/turnstile/internal/config"
)

const minimal = `
upstream:
  base_url: http://localhost:9000
`

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := config.LoadFromBytes([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultPort, cfg.Server.Port)
	assert.Equal(t, "/v1/chat/completions", cfg.Upstream.ChatPath)
	assert.Equal(t, 32, cfg.Pool.MaxConnections)
	assert.Equal(t, 8, cfg.Pool.MaxIdleConnections)
	assert.Equal(t, 64, cfg.Session.Admission.MaxConcurrentSessions)
	assert.Equal(t, 15*time.Second, cfg.Session.Limits.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Normalizer.LoopDetectionWindow)
	assert.Equal(t, 2, cfg.Normalizer.LoopDetectionThreshold)
	assert.Equal(t, "approx", cfg.Tokens.Tokenizer)
	assert.Equal(t, "info", cfg.Monitoring.Log.Level)
	assert.Equal(t, "/metrics", cfg.Monitoring.MetricsPath)
}

func TestLoadFromBytes_OriginsAndProxies(t *testing.T) {
	cfg, err := config.LoadFromBytes([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultAllowedOrigins, cfg.Server.AllowedOrigins)
	assert.Equal(t, config.DefaultTrustedProxies, cfg.Server.TrustedProxies)

	cfg, err = config.LoadFromBytes([]byte(minimal + `
server:
  allowed_origins: ["https://app.example"]
  trusted_proxies: ["10.0.0.0/8", "192.168.1.7"]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example"}, cfg.Server.AllowedOrigins)

	prefixes, err := config.ParseTrustedProxies(cfg.Server.TrustedProxies)
	require.NoError(t, err)
	require.Len(t, prefixes, 2)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
	assert.Equal(t, "192.168.1.7/32", prefixes[1].String())
}

func TestLoadFromBytes_FullFile(t *testing.T) {
	yaml := `
server:
  port: 18080
  read_timeout: 5s
  rate_limit: 20
upstream:
  base_url: https://backend.example
  model: gpt-test
pool:
  max_connections: 4
  max_idle_connections: 2
  idle_expiry: 30s
session:
  max_concurrent_sessions: 10
  admission_timeout: 2s
  stream_max_duration: 90s
  heartbeat_interval: 5s
normalizer:
  loop_detection_window: 5
  loop_detection_threshold: 3
  debug_conversion_logging: true
tokens:
  tokenizer: tiktoken
monitoring:
  log:
    level: debug
    format: console
  metrics_enabled: true
`
	cfg, err := config.LoadFromBytes([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, 18080, cfg.Server.Port)
	assert.Equal(t, 20, cfg.Server.RateLimit)
	assert.Equal(t, "gpt-test", cfg.Upstream.Model)
	assert.Equal(t, 4, cfg.Pool.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Pool.IdleExpiry)
	assert.Equal(t, 10, cfg.Session.Admission.MaxConcurrentSessions)
	assert.Equal(t, 2*time.Second, cfg.Session.Admission.Timeout)
	assert.Equal(t, 90*time.Second, cfg.Session.Limits.StreamMaxDuration)
	assert.Equal(t, 5*time.Second, cfg.Session.Limits.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Normalizer.LoopDetectionThreshold)
	assert.True(t, cfg.Normalizer.DebugConversionLogging)
	assert.Equal(t, "tiktoken", cfg.Tokens.Tokenizer)
	assert.Equal(t, "console", cfg.Monitoring.Log.Format)
	assert.True(t, cfg.Monitoring.MetricsEnabled)
}

func TestLoadFromBytes_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_BACKEND_URL", "http://backend:1234")
	yaml := `
upstream:
  base_url: ${TEST_BACKEND_URL}
  api_key: ${TEST_MISSING_KEY:-fallback}
`
	cfg, err := config.LoadFromBytes([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "http://backend:1234", cfg.Upstream.BaseURL)
	assert.Equal(t, "fallback", cfg.Upstream.APIKey)
}

func TestLoadFromBytes_EnvOverrides(t *testing.T) {
	t.Setenv(config.EnvUpstreamAPIKey, "sk-env")
	t.Setenv(config.EnvLogLevel, "warn")
	t.Setenv(config.EnvCompletionLog, "/tmp/completions.jsonl")

	cfg, err := config.LoadFromBytes([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.Upstream.APIKey)
	assert.Equal(t, "warn", cfg.Monitoring.Log.Level)
	assert.True(t, cfg.Monitoring.CompletionLog.Enabled)
	assert.Equal(t, "/tmp/completions.jsonl", cfg.Monitoring.CompletionLog.Path)
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing base url", `server: {port: 80}`, "upstream.base_url"},
		{"bad port", minimal + "server: {port: 70000}", "server.port"},
		{"threshold above window", minimal + "normalizer: {loop_detection_window: 2, loop_detection_threshold: 3}", "loop_detection_threshold"},
		{"idle above max", minimal + "pool: {max_connections: 2, max_idle_connections: 3}", "max_idle"},
		{"negative rate limit", minimal + "server: {rate_limit: -1}", "rate_limit"},
		{"acquire beyond deadline", minimal + "session: {stream_max_duration: 1s, acquire_timeout: 2s}", "acquire_timeout"},
		{"bad origin", minimal + "server: {allowed_origins: [localhost]}", "allowed_origins"},
		{"bad proxy", minimal + "server: {trusted_proxies: [not-an-ip]}", "trusted_proxies"},
		{"malformed yaml", "upstream: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadFromBytes([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turnstile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", cfg.Upstream.BaseURL)

	_, err = config.Load("")
	assert.Error(t, err)
	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
