package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/turnstile/internal/admission"
	"github.com/compresr/turnstile/internal/monitoring"
	"github.com/compresr/turnstile/internal/pool"
	"github.com/compresr/turnstile/internal/session"
)

// handleMessages serves POST /v1/messages.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, g.cfg.MaxBodyBytes)
	if err != nil {
		writeErrorInfo(w, errorInfoFor(err))
		return
	}
	req, stream, err := decodeRequest(body)
	if err != nil {
		writeErrorInfo(w, errorInfoFor(err))
		return
	}

	ctx := r.Context()
	sess := g.sessions.New(ctx, req)
	transport := "json"
	if stream {
		transport = "sse"
	}
	g.requestLogger.LogSession(&monitoring.SessionInfo{
		RequestID: monitoring.RequestIDFromContext(ctx),
		SessionID: sess.ID(),
		Model:     req.Model,
		Turns:     len(req.History),
		Stream:    stream,
		Transport: transport,
	})

	if stream {
		g.streamSSE(w, r, sess)
		return
	}

	msg, info := session.Collect(sess.Events(ctx))
	switch {
	case info != nil:
		writeErrorInfo(w, *info)
	case msg != nil:
		writeJSON(w, http.StatusOK, msg)
	default:
		// Client went away; nothing left to write to.
		log.Debug().Str("session_id", sess.ID()).Msg("gateway: client cancelled before completion")
	}
}

// streamSSE writes every event as one SSE frame and flushes it. A write
// failure stops the range, which cancels the session.
func (g *Gateway) streamSSE(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sess.Close()
		g.writeError(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Sessions carry their own deadline.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range sess.Events(r.Context()) {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("event", string(ev.Type)).Msg("gateway: failed to encode event")
			break
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			break
		}
		flusher.Flush()
	}
}

// healthResponse is the /health body.
type healthResponse struct {
	Status    string              `json:"status"`
	Uptime    string              `json:"uptime"`
	Pool      *pool.Snapshot      `json:"pool,omitempty"`
	Admission *admission.Snapshot `json:"admission,omitempty"`
}

// handleHealth serves GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Uptime: time.Since(g.startedAt).Round(time.Second).String()}
	if g.pool != nil {
		s := g.pool.Snapshot()
		resp.Pool = &s
	}
	if g.admission != nil {
		s := g.admission.Snapshot()
		resp.Admission = &s
	}
	writeJSON(w, http.StatusOK, resp)
}
