// Package monitoring - alerts.go flags anomalies and errors.
//
// DESIGN: AlertManager logs notable events at appropriate levels. It is also
// a CompletionSink so session outcomes feed it directly:
//   - FlagSlowSession:    Warn when a session exceeds the threshold
//   - FlagUpstreamError:  Warn on failed sessions caused by the backend
//   - FlagDeadline:       Error when a session hit stream_max_duration
//   - FlagPanic:          Error on recovered panics
package monitoring

import "time"

// AlertManager flags anomalies and errors.
type AlertManager struct {
	logger               *Logger
	slowSessionThreshold time.Duration
}

// NewAlertManager creates a new alert manager.
func NewAlertManager(logger *Logger, cfg AlertConfig) *AlertManager {
	threshold := cfg.SlowSessionThreshold
	if threshold == 0 {
		threshold = 60 * time.Second
	}
	return &AlertManager{logger: logger, slowSessionThreshold: threshold}
}

// RecordCompletion implements CompletionSink.
func (am *AlertManager) RecordCompletion(c Completion) {
	am.FlagSlowSession(c.RequestID, c.Duration, c.Model)
	if c.Outcome != OutcomeFailed {
		return
	}
	switch c.ErrorKind {
	case "upstream":
		am.FlagUpstreamError(c.RequestID, c.Error)
	case "deadline_exceeded":
		am.FlagDeadline(c.RequestID, c.Duration)
	}
}

// FlagSlowSession logs when a session outlives the threshold.
func (am *AlertManager) FlagSlowSession(requestID string, duration time.Duration, model string) {
	if duration < am.slowSessionThreshold {
		return
	}
	am.logger.Warn().
		Str("request_id", requestID).
		Dur("duration", duration).
		Str("model", model).
		Msg("slow_session")
}

// FlagUpstreamError logs a backend failure.
func (am *AlertManager) FlagUpstreamError(requestID, errorMsg string) {
	am.logger.Warn().
		Str("request_id", requestID).
		Str("error", errorMsg).
		Msg("upstream_error")
}

// FlagDeadline logs a session killed by the overall deadline.
func (am *AlertManager) FlagDeadline(requestID string, duration time.Duration) {
	am.logger.Error().
		Str("request_id", requestID).
		Dur("duration", duration).
		Msg("session_deadline_exceeded")
}

// FlagPanic logs recovered panic.
func (am *AlertManager) FlagPanic(requestID string, panicValue interface{}, stack string) {
	am.logger.Error().
		Str("request_id", requestID).
		Interface("panic", panicValue).
		Str("stack", stack).
		Msg("panic_recovered")
}
