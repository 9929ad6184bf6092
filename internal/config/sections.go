package config

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/compresr/turnstile/internal/admission"
	"github.com/compresr/turnstile/internal/history"
	"github.com/compresr/turnstile/internal/pool"
	"github.com/compresr/turnstile/internal/session"
	"github.com/compresr/turnstile/internal/tokens"
	"github.com/compresr/turnstile/internal/upstream"
)

// Package configs, re-exported so callers need only this package.
type (
	UpstreamConfig   = upstream.Config
	PoolConfig       = pool.Config
	NormalizerConfig = history.Config
	TokensConfig     = tokens.Config
)

// Server defaults.
const (
	DefaultPort            = 8080
	DefaultReadTimeout     = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxBodyBytes    = 32 << 20
)

// DefaultAllowedOrigins and DefaultTrustedProxies are used when the server
// section leaves them unset.
var (
	DefaultAllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	DefaultTrustedProxies = []string{"127.0.0.1/32", "::1/128"}
)

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // Port to listen on
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // Max time to read request
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 0 leaves streaming responses unbounded here; sessions carry their own deadline
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Grace period for in-flight sessions
	RateLimit       int           `yaml:"rate_limit"`       // Requests per second per client IP, 0 disables
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`   // Request body limit
	AllowedOrigins  []string      `yaml:"allowed_origins"`  // CORS and WebSocket origins; "scheme://host:*" matches any port
	TrustedProxies  []string      `yaml:"trusted_proxies"`  // IPs or CIDRs whose X-Forwarded-For is honored
}

func withServerDefaults(s ServerConfig) ServerConfig {
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.AllowedOrigins == nil {
		s.AllowedOrigins = slices.Clone(DefaultAllowedOrigins)
	}
	if s.TrustedProxies == nil {
		s.TrustedProxies = slices.Clone(DefaultTrustedProxies)
	}
	return s
}

// Validate checks the server section.
func (s ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", s.Port)
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.ShutdownTimeout < 0 {
		return fmt.Errorf("server timeouts cannot be negative")
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit cannot be negative")
	}
	if s.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes cannot be negative")
	}
	for _, o := range s.AllowedOrigins {
		if o != "*" && !strings.Contains(o, "://") {
			return fmt.Errorf("server.allowed_origins: %q must be \"*\" or scheme://host[:port]", o)
		}
	}
	if _, err := ParseTrustedProxies(s.TrustedProxies); err != nil {
		return err
	}
	return nil
}

// ParseTrustedProxies turns IPs and CIDRs into prefixes. A bare IP becomes a
// single-address prefix.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

// SessionConfig is the session section: the admission limit and the
// per-session limits share one YAML mapping.
type SessionConfig struct {
	Admission admission.Config `yaml:",inline"`
	Limits    session.Config   `yaml:",inline"`
}
