package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/compresr/turnstile/internal/admission"
	"github.com/compresr/turnstile/internal/history"
	"github.com/compresr/turnstile/internal/pool"
	"github.com/compresr/turnstile/internal/upstream"
)

// ErrDeadlineExceeded is returned when a session outlives stream_max_duration.
var ErrDeadlineExceeded = errors.New("session deadline exceeded")

// Downstream error event types.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeLoopDetected   = "loop_detected_error"
	TypeOverloaded     = "overloaded_error"
	TypeRateLimit      = "rate_limit_error"
	TypeAPI            = "api_error"
	TypeTimeout        = "timeout_error"
)

// Kind classifies a session failure.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindLoop        Kind = "loop_detected"
	KindPoolTimeout Kind = "pool_timeout"
	KindAdmission   Kind = "admission_timeout"
	KindUpstream    Kind = "upstream"
	KindDeadline    Kind = "deadline_exceeded"
	KindCancelled   Kind = "cancelled"
	KindInternal    Kind = "internal"
)

// ErrorInfo is the payload of a downstream error event.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`

	Kind      Kind `json:"-"`
	Status    int  `json:"-"` // HTTP status for non-streaming responses
	Retryable bool `json:"-"`
}

// RetryableType reports whether an error event type invites a retry with
// backoff. Used by clients that only see the wire type.
func RetryableType(t string) bool {
	return t == TypeOverloaded || t == TypeRateLimit
}

// Classify maps an error to its kind and downstream error payload.
func Classify(err error) ErrorInfo {
	var (
		verr *history.ValidationError
		lerr *history.LoopDetectedError
		perr *pool.TimeoutError
		aerr *admission.TimeoutError
		uerr *upstream.Error
	)
	switch {
	case err == nil:
		return ErrorInfo{Type: TypeAPI, Message: "unknown error", Kind: KindInternal, Status: http.StatusInternalServerError}

	case errors.As(err, &verr):
		return ErrorInfo{Type: TypeInvalidRequest, Message: verr.Error(), Kind: KindValidation, Status: http.StatusBadRequest}

	case errors.As(err, &lerr):
		return ErrorInfo{Type: TypeLoopDetected, Message: lerr.Error(), Kind: KindLoop, Status: http.StatusUnprocessableEntity}

	case errors.As(err, &perr):
		return ErrorInfo{Type: TypeOverloaded, Message: perr.Error(), Kind: KindPoolTimeout,
			Status: http.StatusServiceUnavailable, Retryable: true}

	case errors.As(err, &aerr):
		return ErrorInfo{Type: TypeOverloaded, Message: aerr.Error(), Kind: KindAdmission,
			Status: http.StatusServiceUnavailable, Retryable: true}

	case errors.Is(err, ErrDeadlineExceeded):
		return ErrorInfo{Type: TypeTimeout, Message: err.Error(), Kind: KindDeadline, Status: http.StatusGatewayTimeout}

	case errors.As(err, &uerr):
		return classifyUpstream(uerr)

	case errors.Is(err, context.Canceled):
		return ErrorInfo{Type: TypeAPI, Message: "request cancelled", Kind: KindCancelled, Status: 499}
	}
	return ErrorInfo{Type: TypeAPI, Message: err.Error(), Kind: KindInternal, Status: http.StatusInternalServerError}
}

func classifyUpstream(e *upstream.Error) ErrorInfo {
	info := ErrorInfo{Type: TypeAPI, Message: e.Error(), Kind: KindUpstream, Status: http.StatusBadGateway}
	if e.Phase != upstream.PhaseStatus {
		return info
	}
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		info.Type, info.Status, info.Retryable = TypeRateLimit, http.StatusTooManyRequests, true
	case e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == 529:
		info.Type, info.Status, info.Retryable = TypeOverloaded, http.StatusServiceUnavailable, true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		// The backend rejected the translated request; report its status as-is.
		info.Type, info.Status = TypeInvalidRequest, e.StatusCode
	}
	return info
}

// deadlineError carries the configured limit in its message.
func deadlineError(limit fmt.Stringer) error {
	return fmt.Errorf("%w: exceeded stream_max_duration of %s", ErrDeadlineExceeded, limit)
}

// truncate bounds messages placed in logs and error events.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
