// Package external is the Go client for the gateway's own Messages API.
//
// USAGE:
//   - Stream():  ranges over downstream events (SSE), retrying per RetryPolicy
//   - Create():  one non-streaming request returning the assembled message
//
// DESIGN: Retries happen only here, never inside the gateway. A streaming
// attempt buffers events until the first content block starts, so an
// overloaded_error or rate_limit_error arriving before any content is retried
// invisibly. Once content was delivered the error is passed through as-is.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/turnstile/internal/monitoring"
	"github.com/compresr/turnstile/internal/session"
	"github.com/compresr/turnstile/internal/upstream"
)

const (
	// DefaultTimeout bounds non-streaming calls.
	DefaultTimeout = 60 * time.Second

	messagesPath = "/v1/messages"

	// maxResponseSize prevents OOM on unexpectedly large API responses (10MB).
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBodyLen limits error body in error messages to avoid log bloat.
	maxErrorBodyLen = 500

	anthropicVersion = "2023-06-01"
)

// Config configures a Client.
type Config struct {
	BaseURL    string        `yaml:"base_url"` // Gateway root URL
	APIKey     string        `yaml:"api_key"`  // Sent as x-api-key when set
	Timeout    time.Duration `yaml:"timeout"`  // Non-streaming request timeout
	Retry      RetryPolicy   `yaml:"retry"`
	HTTPClient *http.Client  `yaml:"-"` // Overrides the default client (tests, custom transports)
}

// APIError is an error reply from the gateway.
type APIError struct {
	StatusCode int    // 0 for error events inside a stream
	Type       string // downstream error type, e.g. overloaded_error
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway returned %d %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("gateway error event %s: %s", e.Type, e.Message)
}

// Retryable reports whether the error type invites a retry.
func (e *APIError) Retryable() bool { return session.RetryableType(e.Type) }

// Client talks to a gateway.
type Client struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	retry    RetryPolicy
	http     *http.Client
}

// NewClient validates cfg and creates a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("external: base_url required")
	}
	retry := cfg.Retry.withDefaults()
	if err := retry.Validate(); err != nil {
		return nil, fmt.Errorf("external: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{} // timeout via context, not client
	}
	return &Client{
		endpoint: strings.TrimSuffix(cfg.BaseURL, "/") + messagesPath,
		apiKey:   cfg.APIKey,
		timeout:  timeout,
		retry:    retry,
		http:     hc,
	}, nil
}

// =============================================================================
// STREAMING
// =============================================================================

// Stream sends body with stream:true and yields the gateway's events. A
// transport failure or an error status yields a non-nil error as the last
// element; an error event is yielded as an event and ends the sequence.
func (c *Client) Stream(ctx context.Context, body []byte) iter.Seq2[session.Event, error] {
	return func(yield func(session.Event, error) bool) {
		body, err := sjson.SetBytes(body, "stream", true)
		if err != nil {
			yield(session.Event{}, fmt.Errorf("external: invalid request body: %w", err))
			return
		}

		requestID := monitoring.NewRequestID()
		for attempt := 1; ; attempt++ {
			res := c.streamAttempt(ctx, body, requestID, yield)
			if res.stopped || res.retryType == "" {
				return
			}
			if !c.retry.ShouldRetry(attempt, res.retryType, false) {
				res.flush(yield)
				return
			}

			wait := max(c.retry.Backoff(attempt), res.retryAfter)
			log.Debug().
				Str("request_id", requestID).
				Int("attempt", attempt).
				Str("error_type", res.retryType).
				Dur("backoff", wait).
				Msg("external: retrying")
			if err := sleep(ctx, wait); err != nil {
				yield(session.Event{}, err)
				return
			}
		}
	}
}

// attemptResult describes how one streaming attempt ended. retryType is set
// only when the failure may be retried; pending then holds what to deliver
// if it is not.
type attemptResult struct {
	stopped    bool
	retryType  string
	retryAfter time.Duration
	pending    []session.Event
	err        error
}

func (r attemptResult) flush(yield func(session.Event, error) bool) {
	for _, ev := range r.pending {
		if !yield(ev, nil) {
			return
		}
	}
	if r.err != nil {
		yield(session.Event{}, r.err)
	}
}

func (c *Client) streamAttempt(ctx context.Context, body []byte, requestID string, yield func(session.Event, error) bool) attemptResult {
	resp, err := c.do(ctx, body, requestID, "text/event-stream")
	if err != nil {
		return attemptResult{stopped: !yield(session.Event{}, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := readAPIError(resp)
		if apiErr.Retryable() {
			return attemptResult{retryType: apiErr.Type, retryAfter: apiErr.RetryAfter, err: apiErr}
		}
		yield(session.Event{}, apiErr)
		return attemptResult{stopped: true}
	}

	frames := upstream.NewFrameReader(resp.Body)
	defer frames.Close()

	var (
		pending   []session.Event
		delivered bool
	)
	for {
		f, err := frames.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("external: stream ended without message_stop")
			}
			for _, ev := range pending {
				if !yield(ev, nil) {
					return attemptResult{stopped: true}
				}
			}
			yield(session.Event{}, err)
			return attemptResult{stopped: true}
		}
		if f.Comment || len(f.Data) == 0 {
			continue
		}
		ev, err := session.ParseEvent(f.Data)
		if err != nil {
			yield(session.Event{}, fmt.Errorf("external: %w", err))
			return attemptResult{stopped: true}
		}

		if !delivered {
			if ev.Type == session.EventError && ev.Error != nil && session.RetryableType(ev.Error.Type) {
				return attemptResult{retryType: ev.Error.Type, pending: append(pending, ev)}
			}
			if ev.Type == session.EventMessageStart || ev.Type == session.EventPing {
				pending = append(pending, ev)
				continue
			}
			delivered = true
			for _, p := range pending {
				if !yield(p, nil) {
					return attemptResult{stopped: true}
				}
			}
			pending = nil
		}

		if !yield(ev, nil) {
			return attemptResult{stopped: true}
		}
		if ev.Type.Terminal() {
			return attemptResult{stopped: true}
		}
	}
}

// =============================================================================
// NON-STREAMING
// =============================================================================

// Create sends body with stream:false and returns the assembled message.
func (c *Client) Create(ctx context.Context, body []byte) (*session.Message, error) {
	body, err := sjson.SetBytes(body, "stream", false)
	if err != nil {
		return nil, fmt.Errorf("external: invalid request body: %w", err)
	}

	requestID := monitoring.NewRequestID()
	for attempt := 1; ; attempt++ {
		msg, err := c.createOnce(ctx, body, requestID)
		if err == nil {
			return msg, nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !c.retry.ShouldRetry(attempt, apiErr.Type, false) {
			return nil, err
		}
		if err := sleep(ctx, max(c.retry.Backoff(attempt), apiErr.RetryAfter)); err != nil {
			return nil, err
		}
	}
}

func (c *Client) createOnce(ctx context.Context, body []byte, requestID string) (*session.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, body, requestID, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("external: failed to read response: %w", err)
	}
	var msg session.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("external: failed to parse response: %w", err)
	}
	return &msg, nil
}

// =============================================================================
// HTTP
// =============================================================================

func (c *Client) do(ctx context.Context, body []byte, requestID, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("external: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set(monitoring.RequestIDHeader, requestID)
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("external: request failed: %w", err)
	}
	return resp, nil
}

// readAPIError decodes a {"type":"error","error":{...}} reply.
func readAPIError(resp *http.Response) *APIError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	e := &APIError{
		StatusCode: resp.StatusCode,
		Type:       gjson.GetBytes(data, "error.type").String(),
		Message:    gjson.GetBytes(data, "error.message").String(),
	}
	if e.Type == "" {
		e.Type = session.TypeAPI
	}
	if e.Message == "" {
		msg := string(data)
		if len(msg) > maxErrorBodyLen {
			msg = msg[:maxErrorBodyLen] + "... (truncated)"
		}
		e.Message = msg
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}
