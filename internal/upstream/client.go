// Package upstream talks to the OpenAI-compatible completion backend.
//
// DESIGN: A single Client owns the transport lifecycle (created once,
// Shutdown once) and is injected into the connection pool as a Dialer.
// Every Conn wraps its own http.Transport limited to one TCP connection, so a
// pooled Conn maps to exactly one reusable upstream socket:
//
//	Client.Dial ──► Conn ──Stream(body)──► Stream.Next ──► Frame ... io.EOF
//
// FILES:
//   - client.go:  Config, Client, Dialer/Conn/Stream
//   - request.go: NormalizedHistory → chat completions request body
//   - sse.go:     SSE frame reader
//   - errors.go:  Error (connect/status/stream phases)
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultChatPath              = "/v1/chat/completions"
	DefaultConnectTimeout        = 10 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second

	// maxErrorBodyLen limits how much of a non-2xx body is kept.
	maxErrorBodyLen = 4096
	// maxDrainLen bounds how much unread body is drained to keep a socket reusable.
	maxDrainLen = 64 * 1024
)

// ErrClientClosed is returned by Dial after Shutdown.
var ErrClientClosed = errors.New("upstream client is shut down")

// Config contains backend connection settings.
type Config struct {
	BaseURL               string        `yaml:"base_url"`                // Backend root URL, e.g. https://api.openai.com
	ChatPath              string        `yaml:"chat_path"`               // Chat completions path
	APIKey                string        `yaml:"api_key"`                 // Sent as Authorization: Bearer
	Model                 string        `yaml:"model"`                   // Overrides the client's model when set
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`         // Per-attempt TCP/TLS connect timeout
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"` // Time to first response byte
}

// WithDefaults fills unset fields.
func WithDefaults(cfg Config) Config {
	if cfg.ChatPath == "" {
		cfg.ChatPath = DefaultChatPath
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ResponseHeaderTimeout == 0 {
		cfg.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}
	return cfg
}

// Validate checks the backend settings.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid upstream.base_url %q: must be an http(s) URL", c.BaseURL)
	}
	if c.ConnectTimeout < 0 || c.ResponseHeaderTimeout < 0 {
		return fmt.Errorf("upstream timeouts cannot be negative")
	}
	return nil
}

// =============================================================================
// INTERFACES
// =============================================================================

// Dialer opens new upstream connections. The pool depends on this, not on Client.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one reusable upstream transport connection.
type Conn interface {
	// Stream issues a streaming completion request. A non-2xx response is
	// returned as *Error with PhaseStatus.
	Stream(ctx context.Context, body []byte) (Stream, error)
	Close() error
}

// Stream yields SSE frames until io.EOF.
type Stream interface {
	Next() (Frame, error)
	Close() error
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the process-wide upstream transport owner.
type Client struct {
	cfg      Config
	endpoint string

	mu     sync.Mutex
	closed bool
	conns  map[*httpConn]struct{}

	shutdownOnce sync.Once
}

// NewClient validates cfg and prepares the client. No network I/O happens here.
func NewClient(cfg Config) (*Client, error) {
	cfg = WithDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.ChatPath, "/"),
		conns:    make(map[*httpConn]struct{}),
	}, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Endpoint returns the full chat completions URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Dial creates a Conn with a dedicated single-socket transport. The TCP
// connection itself is established by the first Stream call.
func (c *Client) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   c.cfg.ConnectTimeout,
		ResponseHeaderTimeout: c.cfg.ResponseHeaderTimeout,
		MaxConnsPerHost:       1,
		MaxIdleConnsPerHost:   1,
		MaxIdleConns:          1,
		DisableCompression:    true,
	}
	conn := &httpConn{client: c, transport: transport, http: &http.Client{Transport: transport}}
	c.conns[conn] = struct{}{}
	return conn, nil
}

// Shutdown closes every live connection and rejects further dials. Safe to
// call more than once.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conns := c.conns
		c.conns = make(map[*httpConn]struct{})
		c.mu.Unlock()

		for conn := range conns {
			conn.transport.CloseIdleConnections()
		}
		log.Info().Int("connections", len(conns)).Msg("upstream client shut down")
	})
}

func (c *Client) forget(conn *httpConn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
}

// =============================================================================
// HTTP CONNECTION
// =============================================================================

type httpConn struct {
	client    *Client
	transport *http.Transport
	http      *http.Client
	closeOnce sync.Once
}

func (h *httpConn) Stream(ctx context.Context, body []byte) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.client.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Phase: PhaseConnect, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if h.client.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.client.cfg.APIKey)
	}

	resp, err := h.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("upstream request: %w", ctxErr)
		}
		return nil, &Error{Phase: PhaseConnect, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return nil, statusError(resp.StatusCode, excerpt)
	}

	return newSSEStream(resp.Body), nil
}

func (h *httpConn) Close() error {
	h.closeOnce.Do(func() {
		h.transport.CloseIdleConnections()
		h.client.forget(h)
	})
	return nil
}
