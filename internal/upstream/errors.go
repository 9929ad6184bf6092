package upstream

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Phase is where an upstream failure happened.
type Phase string

const (
	PhaseConnect Phase = "connect" // dial, TLS or request write
	PhaseStatus  Phase = "status"  // non-2xx response
	PhaseStream  Phase = "stream"  // protocol violation or read failure mid-stream
)

// Error is any failure attributable to the backend.
type Error struct {
	Phase      Phase
	StatusCode int    // HTTP status for PhaseStatus, else 0
	Message    string // Backend-provided message when available
	Body       string // Excerpt of the error body
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "upstream %s error", e.Phase)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether a caller may reasonably retry with backoff.
func (e *Error) Retryable() bool {
	switch e.Phase {
	case PhaseConnect:
		return true
	case PhaseStatus:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	}
	return false
}

// statusError builds a PhaseStatus error, pulling the message out of the
// usual {"error":{"message":...}} envelope.
func statusError(status int, body []byte) *Error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{Phase: PhaseStatus, StatusCode: status, Message: msg, Body: string(body)}
}

// StreamError reports a mid-stream protocol violation.
func StreamError(format string, args ...any) *Error {
	return &Error{Phase: PhaseStream, Message: fmt.Sprintf(format, args...)}
}
