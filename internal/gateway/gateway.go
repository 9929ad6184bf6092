// Package gateway serves the Messages API in front of the session core.
//
// DESIGN: The gateway owns HTTP only. Each request is decoded into a
// session.Request and handed to the session Manager; the resulting event
// sequence is written out as SSE, collected into one JSON message, or sent
// frame by frame over a WebSocket. Closing the connection cancels the
// session's context, which releases its resources.
//
// Endpoints:
//   - POST /v1/messages:    SSE when stream:true, JSON otherwise
//   - GET  /v1/messages/ws: WebSocket streaming
//   - GET  /health:         pool and admission snapshots
//   - GET  /metrics:        Prometheus, when enabled
//
// FILES:
//   - gateway.go:    Gateway, server lifecycle, routes
//   - handler.go:    /v1/messages and /health handlers
//   - request.go:    request decoding and error replies
//   - websocket.go:  WebSocket transport
//   - middleware.go: request IDs, panic recovery, rate limit, logging, CORS
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/turnstile/internal/admission"
	"github.com/compresr/turnstile/internal/config"
	"github.com/compresr/turnstile/internal/monitoring"
	"github.com/compresr/turnstile/internal/pool"
	"github.com/compresr/turnstile/internal/session"
)

// Header and limit constants.
const (
	HeaderRequestID     = monitoring.RequestIDHeader
	MaxRateLimitBuckets = 10000
)

// PoolStats is the read-only pool view used by /health.
type PoolStats interface {
	Snapshot() pool.Snapshot
}

// AdmissionStats is the read-only admission view used by /health.
type AdmissionStats interface {
	Snapshot() admission.Snapshot
}

// Options wires a Gateway.
type Options struct {
	Server      config.ServerConfig
	Sessions    *session.Manager
	Pool        PoolStats
	Admission   AdmissionStats
	Metrics     *monitoring.Metrics // nil disables /metrics
	MetricsPath string
	Logger      *monitoring.Logger
	Alerts      *monitoring.AlertManager // nil uses default thresholds on Logger
}

// Gateway is the HTTP front end.
type Gateway struct {
	cfg       config.ServerConfig
	sessions  *session.Manager
	pool      PoolStats
	admission AdmissionStats

	metrics       *monitoring.Metrics
	metricsPath   string
	alerts        *monitoring.AlertManager
	requestLogger *monitoring.RequestLogger
	rateLimiter   *rateLimiter
	origins       originPolicy
	proxies       []netip.Prefix

	server    *http.Server
	startedAt time.Time
}

// New creates a gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Sessions == nil {
		return nil, errors.New("gateway: session manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = monitoring.FromZerolog(log.Logger)
	}
	alerts := opts.Alerts
	if alerts == nil {
		alerts = monitoring.NewAlertManager(logger, monitoring.AlertConfig{})
	}
	origins := opts.Server.AllowedOrigins
	if origins == nil {
		origins = config.DefaultAllowedOrigins
	}
	proxyList := opts.Server.TrustedProxies
	if proxyList == nil {
		proxyList = config.DefaultTrustedProxies
	}
	proxies, err := config.ParseTrustedProxies(proxyList)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	g := &Gateway{
		cfg:           opts.Server,
		sessions:      opts.Sessions,
		pool:          opts.Pool,
		admission:     opts.Admission,
		metrics:       opts.Metrics,
		metricsPath:   opts.MetricsPath,
		alerts:        alerts,
		requestLogger: monitoring.NewRequestLogger(logger),
		origins:       newOriginPolicy(origins),
		proxies:       proxies,
		startedAt:     time.Now(),
	}
	if g.metricsPath == "" {
		g.metricsPath = config.DefaultMetricsPath
	}
	if opts.Server.RateLimit > 0 {
		g.rateLimiter = newRateLimiter(opts.Server.RateLimit)
	}
	g.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Server.Port),
		Handler:      g.Handler(),
		ReadTimeout:  opts.Server.ReadTimeout,
		WriteTimeout: opts.Server.WriteTimeout,
	}
	return g, nil
}

// Handler returns the routed handler with the middleware chain applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", g.handleMessages)
	mux.HandleFunc("GET /v1/messages/ws", g.handleWebSocket)
	mux.HandleFunc("GET /health", g.handleHealth)
	if g.metrics != nil {
		mux.Handle("GET "+g.metricsPath, g.metrics.Handler())
	}

	var h http.Handler = mux
	h = g.security(h)
	h = g.accessLog(h)
	if g.rateLimiter != nil {
		h = g.rateLimit(h)
	}
	h = g.panicRecovery(h)
	return g.withRequestID(h)
}

// Start listens until Shutdown. It returns nil after a graceful shutdown.
func (g *Gateway) Start() error {
	log.Info().Str("addr", g.server.Addr).Msg("gateway listening")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}
