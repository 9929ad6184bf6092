package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/compresr/turnstile/internal/monitoring"
	"github.com/compresr/turnstile/internal/session"
)

// handleWebSocket serves GET /v1/messages/ws. The first text message is the
// request body; every event is then sent as one text message and the
// connection is closed after the terminal event. A client close cancels the
// session.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Server read/write timeouts must not cut a long-lived stream.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.origins.websocketPatterns(),
	})
	if err != nil {
		log.Debug().Err(err).Msg("gateway: websocket accept failed")
		return
	}
	defer c.CloseNow()
	if g.cfg.MaxBodyBytes > 0 {
		c.SetReadLimit(g.cfg.MaxBodyBytes)
	}

	readCtx := r.Context()
	if g.cfg.ReadTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(readCtx, g.cfg.ReadTimeout)
		defer cancel()
	}
	typ, body, err := c.Read(readCtx)
	if err != nil {
		log.Debug().Err(err).Msg("gateway: websocket read failed")
		return
	}
	if typ != websocket.MessageText {
		_ = c.Close(websocket.StatusUnsupportedData, "request must be a text message")
		return
	}

	req, _, err := decodeRequest(body)
	if err != nil {
		info := errorInfoFor(err)
		g.writeWSEvent(r.Context(), c, session.Event{Type: session.EventError, Error: &info})
		_ = c.Close(websocket.StatusNormalClosure, "")
		return
	}

	// CloseRead cancels ctx once the peer closes or sends anything further.
	ctx := c.CloseRead(r.Context())
	sess := g.sessions.New(ctx, req)
	g.requestLogger.LogSession(&monitoring.SessionInfo{
		RequestID: monitoring.RequestIDFromContext(ctx),
		SessionID: sess.ID(),
		Model:     req.Model,
		Turns:     len(req.History),
		Stream:    true,
		Transport: "websocket",
	})

	for ev := range sess.Events(ctx) {
		if err := g.writeWSEvent(ctx, c, ev); err != nil {
			break
		}
	}
	_ = c.Close(websocket.StatusNormalClosure, "")
}

func (g *Gateway) writeWSEvent(ctx context.Context, c *websocket.Conn, ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("event", string(ev.Type)).Msg("gateway: failed to encode event")
		return err
	}
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Debug().Err(err).Msg("gateway: websocket write failed")
		}
		return err
	}
	return nil
}
