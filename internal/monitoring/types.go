// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by session/, gateway/ and the sinks in this
// package. Defined here ONCE to avoid circular imports.
//
// TYPES:
//   - Outcome:      Terminal session state as reported to collaborators
//   - Completion:   Usage summary emitted once per session
//   - Config types: MonitoringConfig, LoggerConfig, CompletionLogConfig, AlertConfig
package monitoring

import "time"

// =============================================================================
// COMPLETION SIGNAL - emitted exactly once per session
// =============================================================================

// Outcome is the terminal state a session reached.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Completion summarizes one finished session. Persistence and billing are
// the concern of whatever CompletionSink receives it.
type Completion struct {
	RequestID  string    `json:"request_id,omitempty"`
	SessionID  string    `json:"session_id"`
	MessageID  string    `json:"message_id"`
	Model      string    `json:"model,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	StopReason string    `json:"stop_reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`

	Duration      time.Duration `json:"duration_ns"`
	InputTokens   int           `json:"input_tokens"`
	OutputTokens  int           `json:"output_tokens"`
	Estimated     bool          `json:"tokens_estimated"` // true when the backend reported no usage
	UpstreamBytes int64         `json:"upstream_bytes"`
	Frames        int           `json:"upstream_frames"`
	Events        int           `json:"events"`

	ConnectionID     uint64 `json:"connection_id,omitempty"`
	ConnectionReused bool   `json:"connection_reused,omitempty"`
}

// CompletionSink consumes completion signals. Implementations must be safe
// for concurrent use and must not block for long.
type CompletionSink interface {
	RecordCompletion(c Completion)
}

// Sinks fans a completion out to several sinks.
type Sinks []CompletionSink

// RecordCompletion forwards c to every sink.
func (s Sinks) RecordCompletion(c Completion) {
	for _, sink := range s {
		if sink != nil {
			sink.RecordCompletion(c)
		}
	}
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// MonitoringConfig is the monitoring section of the YAML config.
type MonitoringConfig struct {
	Log            LoggerConfig        `yaml:"log"`
	CompletionLog  CompletionLogConfig `yaml:"completion_log"`
	Alerts         AlertConfig         `yaml:"alerts"`
	MetricsEnabled bool                `yaml:"metrics_enabled"`
	MetricsPath    string              `yaml:"metrics_path"`
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// CompletionLogConfig controls the JSONL completion log.
type CompletionLogConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// AlertConfig contains alert thresholds.
type AlertConfig struct {
	SlowSessionThreshold time.Duration `yaml:"slow_session_threshold"`
}
