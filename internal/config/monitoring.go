// Monitoring configuration - logging, completion log and metrics settings.
//
// DESIGN: Separates logging (zerolog) from the completion log (JSONL files).
// Logging is for operators, completions are for usage accounting.
package config

import "github.com/compresr/turnstile/internal/monitoring"

// MonitoringConfig contains all monitoring settings.
type MonitoringConfig = monitoring.MonitoringConfig

const DefaultMetricsPath = "/metrics"

func withMonitoringDefaults(m MonitoringConfig) MonitoringConfig {
	if m.Log.Level == "" {
		m.Log.Level = "info"
	}
	if m.Log.Format == "" {
		m.Log.Format = "json"
	}
	if m.Log.Output == "" {
		m.Log.Output = "stdout"
	}
	if m.MetricsPath == "" {
		m.MetricsPath = DefaultMetricsPath
	}
	return m
}
