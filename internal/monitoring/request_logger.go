// Package monitoring - request_logger.go logs HTTP request lifecycle.
//
// DESIGN: Structured logging for request tracing at DEBUG level:
//   - LogIncoming:  Request received from client
//   - LogSession:   Session handed to the Streaming Session manager
//
// The finished request is logged once at INFO by the gateway access log.
package monitoring

import (
	"net/http"
	"time"
)

// RequestLogger logs HTTP request lifecycle events.
type RequestLogger struct {
	logger *Logger
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger(logger *Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// RequestInfo contains incoming request information.
type RequestInfo struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	BodySize   int
	StartTime  time.Time
}

// NewRequestInfo creates RequestInfo from an HTTP request.
func NewRequestInfo(r *http.Request, requestID string, bodySize int) *RequestInfo {
	return &RequestInfo{
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		BodySize:   bodySize,
		StartTime:  time.Now(),
	}
}

// LogIncoming logs an incoming request.
func (rl *RequestLogger) LogIncoming(info *RequestInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("method", info.Method).
		Str("path", info.Path).
		Int("body_size", info.BodySize).
		Msg("incoming")
}

// SessionInfo describes a session started for a request.
type SessionInfo struct {
	RequestID string
	SessionID string
	Model     string
	Turns     int
	Stream    bool
	Transport string // sse, json, websocket
}

// LogSession logs the start of a session.
func (rl *RequestLogger) LogSession(info *SessionInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("session_id", info.SessionID).
		Str("model", info.Model).
		Int("turns", info.Turns).
		Bool("stream", info.Stream).
		Str("transport", info.Transport).
		Msg("session")
}
