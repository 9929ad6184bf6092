package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/compresr/turnstile/internal/history"
	"github.com/compresr/turnstile/internal/session"
	"github.com/compresr/turnstile/internal/upstream"
)

// messagesRequest is the Messages API request body.
type messagesRequest struct {
	Model         string            `json:"model"`
	System        json.RawMessage   `json:"system,omitempty"`
	Messages      []history.Message `json:"messages"`
	Tools         []upstream.Tool   `json:"tools,omitempty"`
	MaxTokens     int               `json:"max_tokens"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Stream        bool              `json:"stream"`
}

// requestError is a client error detected before a session exists.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(format string, args ...any) *requestError {
	return &requestError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

// decodeRequest parses a request body into a session request.
func decodeRequest(body []byte) (session.Request, bool, error) {
	var mr messagesRequest
	if err := json.Unmarshal(body, &mr); err != nil {
		return session.Request{}, false, badRequest("invalid JSON body: %v", err)
	}
	if len(mr.Messages) == 0 {
		return session.Request{}, false, badRequest("messages: at least one message is required")
	}
	if mr.MaxTokens < 0 {
		return session.Request{}, false, badRequest("max_tokens cannot be negative")
	}
	for i, t := range mr.Tools {
		if t.Name == "" {
			return session.Request{}, false, badRequest("tools.%d: name is required", i)
		}
	}

	system, err := decodeSystem(mr.System)
	if err != nil {
		return session.Request{}, false, err
	}
	h, err := history.FromWire(mr.Messages)
	if err != nil {
		return session.Request{}, false, err
	}

	return session.Request{
		Model:         mr.Model,
		System:        system,
		History:       h,
		Tools:         mr.Tools,
		MaxTokens:     mr.MaxTokens,
		Temperature:   mr.Temperature,
		TopP:          mr.TopP,
		StopSequences: mr.StopSequences,
	}, mr.Stream, nil
}

// decodeSystem accepts a string or an array of text blocks.
func decodeSystem(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", badRequest("system must be a string or an array of text blocks")
	}
	parts := make([]string, 0, len(blocks))
	for i, b := range blocks {
		if b.Type != "text" {
			return "", badRequest("system.%d: unsupported block type %q", i, b.Type)
		}
		parts = append(parts, b.Text)
	}
	return strings.Join(parts, "\n"), nil
}

// readBody reads at most limit bytes.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &requestError{status: http.StatusRequestEntityTooLarge, message: "request body too large"}
		}
		return nil, badRequest("failed to read request body: %v", err)
	}
	return body, nil
}

// errorInfoFor converts a pre-session error into the downstream error shape.
func errorInfoFor(err error) session.ErrorInfo {
	var rerr *requestError
	if errors.As(err, &rerr) {
		return session.ErrorInfo{Type: session.TypeInvalidRequest, Message: rerr.message, Status: rerr.status}
	}
	return session.Classify(err)
}

type errorBody struct {
	Type  string            `json:"type"`
	Error session.ErrorInfo `json:"error"`
}

// writeErrorInfo writes a Messages API error response.
func writeErrorInfo(w http.ResponseWriter, info session.ErrorInfo) {
	status := info.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if info.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorBody{Type: "error", Error: info})
}

// writeError writes an api_error with the given status.
func (g *Gateway) writeError(w http.ResponseWriter, message string, status int) {
	errType := session.TypeAPI
	switch {
	case status == http.StatusTooManyRequests:
		errType = session.TypeRateLimit
	case status >= 400 && status < 500:
		errType = session.TypeInvalidRequest
	}
	writeErrorInfo(w, session.ErrorInfo{Type: errType, Message: message, Status: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("gateway: failed to encode response")
		http.Error(w, `{"type":"error","error":{"type":"api_error","message":"encoding failure"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
