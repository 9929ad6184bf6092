// HTTP middleware for request IDs, panics, rate limiting, logging and CORS.
//
// DESIGN: Middleware chain, outermost first:
//  1. withRequestID:  adopt or mint X-Request-ID and put it in the context
//  2. panicRecovery:  500 reply, panic reported once through the alert manager
//  3. rateLimit:      per-client token bucket, client IP via trusted proxies
//  4. accessLog:      one INFO line per finished request
//  5. security:       security headers, CORS from server.allowed_origins
package gateway

import (
	"bufio"
	"errors"
	"math"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/turnstile/internal/monitoring"
)

// statusWriter records the status code written through it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE streaming working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed by the WebSocket upgrade.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// withRequestID must wrap everything else so that panics and rejections are
// reported under the same ID the client sees.
func (g *Gateway) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = monitoring.NewRequestID()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(monitoring.WithRequestIDContext(r.Context(), id)))
	})
}

// panicRecovery turns a handler panic into a 500.
func (g *Gateway) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			g.alerts.FlagPanic(monitoring.RequestIDFromContext(r.Context()), rec, string(debug.Stack()))
			g.writeError(w, "internal error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects clients that ran out of tokens.
func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := g.clientIP(r)
		if wait, ok := g.rateLimiter.take(ip); !ok {
			log.Warn().
				Str("request_id", monitoring.RequestIDFromContext(r.Context())).
				Str("ip", ip).
				Dur("retry_after", wait).
				Msg("rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			g.writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}

// accessLog logs each request once it has finished.
func (g *Gateway) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := monitoring.RequestIDFromContext(r.Context())
		g.requestLogger.LogIncoming(monitoring.NewRequestInfo(r, requestID, int(max(r.ContentLength, 0))))

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("client_ip", g.clientIP(r)).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// security sets hardening headers and answers CORS for allowed origins.
func (g *Gateway) security(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")

		if origin := r.Header.Get("Origin"); origin != "" && g.origins.allows(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, x-api-key, anthropic-version")
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originPolicy matches Origin headers against server.allowed_origins. An
// entry is "*", an exact origin, or "scheme://host:*" for any port.
type originPolicy struct {
	any     bool
	exact   map[string]bool
	anyPort []string // "scheme://host"
}

func newOriginPolicy(entries []string) originPolicy {
	p := originPolicy{exact: make(map[string]bool, len(entries))}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSuffix(e, "/"))
		switch {
		case e == "*":
			p.any = true
		case strings.HasSuffix(e, ":*"):
			p.anyPort = append(p.anyPort, strings.TrimSuffix(e, ":*"))
		default:
			p.exact[e] = true
		}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if p.any {
		return true
	}
	origin = strings.ToLower(origin)
	if p.exact[origin] {
		return true
	}
	for _, base := range p.anyPort {
		rest, ok := strings.CutPrefix(origin, base)
		if !ok {
			continue
		}
		if rest == "" {
			return true
		}
		if port, ok := strings.CutPrefix(rest, ":"); ok {
			if _, err := strconv.ParseUint(port, 10, 16); err == nil {
				return true
			}
		}
	}
	return false
}

// websocketPatterns converts the policy into host patterns for
// websocket.AcceptOptions.OriginPatterns, which match the origin host only.
func (p originPolicy) websocketPatterns() []string {
	if p.any {
		return []string{"*"}
	}
	var out []string
	for o := range p.exact {
		if _, host, ok := strings.Cut(o, "://"); ok {
			out = append(out, host)
		}
	}
	for _, base := range p.anyPort {
		if _, host, ok := strings.Cut(base, "://"); ok {
			out = append(out, host, host+":*")
		}
	}
	return out
}

// clientIP is the peer address, or the nearest untrusted hop of
// X-Forwarded-For when the peer is a trusted proxy.
func (g *Gateway) clientIP(r *http.Request) string {
	peer, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		return host
	}
	addr := peer.Addr().Unmap()
	if !g.trusted(addr) {
		return addr.String()
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			hop = hop.Unmap()
			if i == 0 || !g.trusted(hop) {
				return hop.String()
			}
		}
	}
	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}
	return addr.String()
}

func (g *Gateway) trusted(addr netip.Addr) bool {
	for _, p := range g.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// rateLimiter keeps one token bucket per client: capacity rate, refilled at
// rate tokens per second.
type rateLimiter struct {
	rate       float64
	maxClients int
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func newRateLimiter(rate int) *rateLimiter {
	return &rateLimiter{
		rate:       float64(rate),
		maxClients: MaxRateLimitBuckets,
		now:        time.Now,
		buckets:    make(map[string]*bucket),
	}
}

// take spends one token for client. When none is left it returns the time
// until the next token.
func (rl *rateLimiter) take(client string) (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[client]
	if !ok {
		if len(rl.buckets) >= rl.maxClients {
			rl.pruneLocked(now)
		}
		b = &bucket{tokens: rl.rate, seen: now}
		rl.buckets[client] = b
	}
	b.tokens = min(rl.rate, b.tokens+now.Sub(b.seen).Seconds()*rl.rate)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}
	return time.Duration((1 - b.tokens) / rl.rate * float64(time.Second)), false
}

// pruneLocked drops buckets that have refilled completely, and the least
// recently seen one if that freed nothing.
func (rl *rateLimiter) pruneLocked(now time.Time) {
	full := time.Second
	var oldest string
	var oldestSeen time.Time
	for k, b := range rl.buckets {
		if now.Sub(b.seen) >= full {
			delete(rl.buckets, k)
			continue
		}
		if oldest == "" || b.seen.Before(oldestSeen) {
			oldest, oldestSeen = k, b.seen
		}
	}
	if len(rl.buckets) >= rl.maxClients && oldest != "" {
		delete(rl.buckets, oldest)
	}
}
