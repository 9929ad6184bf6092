// Package pool holds a bounded set of reusable upstream connections.
//
// DESIGN: A FIFO weighted semaphore bounds connections lent out at once, so
// Acquire blocks cooperatively and waiters are served in arrival order. The
// idle set is a LIFO stack guarded by a mutex; expired idle connections are
// evicted lazily on Acquire. Every Acquire hands out a fresh *Connection
// lease over the pooled transport, so Release is idempotent per lease: a
// stale lease released after its transport was lent out again is a no-op.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/compresr/turnstile/internal/upstream"
)

const (
	DefaultMaxConnections     = 32
	DefaultMaxIdleConnections = 8
	DefaultIdleExpiry         = 90 * time.Second
	DefaultConnectTimeout     = 10 * time.Second
	DefaultAcquireTimeout     = 5 * time.Second
)

var (
	// ErrPoolTimeout is matched by every *TimeoutError via errors.Is.
	ErrPoolTimeout = errors.New("connection pool acquire timeout")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("connection pool is closed")
)

// Config contains pool limits.
type Config struct {
	MaxConnections     int           `yaml:"max_connections"`      // Connections lent out at once
	MaxIdleConnections int           `yaml:"max_idle_connections"` // Idle connections kept for reuse
	IdleExpiry         time.Duration `yaml:"idle_expiry"`          // Idle connections older than this are evicted
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`      // Per-attempt dial timeout
	AcquireTimeout     time.Duration `yaml:"acquire_timeout"`      // Default wait when Acquire gets timeout <= 0
}

// WithDefaults fills unset fields.
func WithDefaults(cfg Config) Config {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.MaxIdleConnections == 0 {
		cfg.MaxIdleConnections = min(DefaultMaxIdleConnections, cfg.MaxConnections)
	}
	if cfg.IdleExpiry == 0 {
		cfg.IdleExpiry = DefaultIdleExpiry
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	return cfg
}

// Validate checks pool limits.
func (c Config) Validate() error {
	if c.MaxConnections < 1 {
		return fmt.Errorf("pool.max_connections must be >= 1, got %d", c.MaxConnections)
	}
	if c.MaxIdleConnections < 0 || c.MaxIdleConnections > c.MaxConnections {
		return fmt.Errorf("pool.max_idle_connections must be between 0 and max_connections (%d), got %d",
			c.MaxConnections, c.MaxIdleConnections)
	}
	if c.IdleExpiry <= 0 {
		return fmt.Errorf("pool.idle_expiry must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("pool.connect_timeout must be positive")
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be positive")
	}
	return nil
}

// TimeoutError is returned when no connection became available in time.
// It is a backpressure signal: callers may retry with backoff.
type TimeoutError struct {
	Waited         time.Duration
	MaxConnections int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no upstream connection available after %s (max_connections=%d)",
		e.Waited.Round(time.Millisecond), e.MaxConnections)
}

func (e *TimeoutError) Unwrap() error { return ErrPoolTimeout }

// Retryable is always true for pool timeouts.
func (e *TimeoutError) Retryable() bool { return true }

// pooled is the transport kept across leases.
type pooled struct {
	conn     upstream.Conn
	id       uint64
	created  time.Time
	lastUsed time.Time
	uses     int
}

// Connection is one lease of a pooled upstream connection. It is valid until
// passed to Release.
type Connection struct {
	upstream.Conn

	pc       *pooled
	pool     *Pool
	uses     int
	released atomic.Bool
}

// ID identifies the underlying transport for logging. Leases of the same
// transport share an ID.
func (c *Connection) ID() uint64 { return c.pc.id }

// Reused reports whether the transport served an earlier lease.
func (c *Connection) Reused() bool { return c.uses > 1 }

// Snapshot is a read-only view for health and metrics collectors.
type Snapshot struct {
	ConfiguredMax     int `json:"configured_max"`
	ConfiguredMaxIdle int `json:"configured_max_idle"`
	InUse             int `json:"currently_in_use"`
	Idle              int `json:"idle"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock replaces time.Now, for idle expiry tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool lends upstream connections.
type Pool struct {
	cfg    Config
	dialer upstream.Dialer
	sem    *semaphore.Weighted
	now    func() time.Time
	nextID atomic.Uint64

	mu     sync.Mutex
	idle   []*pooled
	inUse  int
	closed bool
}

// New creates a pool. Unset config fields get defaults.
func New(cfg Config, dialer upstream.Dialer, opts ...Option) (*Pool, error) {
	cfg = WithDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, errors.New("pool: dialer is required")
	}
	p := &Pool{
		cfg:    cfg,
		dialer: dialer,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConnections)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// Acquire borrows a connection, waiting up to timeout (the configured
// acquire_timeout when timeout <= 0). It returns a *TimeoutError when the
// wait elapses, or ctx.Err() when ctx ends first.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Connection, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}

	start := p.now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	err := p.sem.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		waited := p.now().Sub(start)
		log.Warn().Dur("waited", waited).Int("max_connections", p.cfg.MaxConnections).Msg("pool: acquire timeout")
		return nil, &TimeoutError{Waited: waited, MaxConnections: p.cfg.MaxConnections}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	expired := p.evictExpiredLocked()
	var pc *pooled
	if n := len(p.idle); n > 0 {
		pc = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
	}
	p.inUse++
	p.mu.Unlock()

	for _, c := range expired {
		_ = c.conn.Close()
	}
	if len(expired) > 0 {
		log.Debug().Int("evicted", len(expired)).Msg("pool: evicted expired idle connections")
	}

	if pc == nil {
		pc, err = p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.inUse--
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, err
		}
	}

	pc.uses++
	return &Connection{Conn: pc.conn, pc: pc, pool: p, uses: pc.uses}, nil
}

func (p *Pool) dial(ctx context.Context) (*pooled, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	raw, err := p.dialer.Dial(dialCtx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var uerr *upstream.Error
		if errors.As(err, &uerr) {
			return nil, err
		}
		return nil, &upstream.Error{Phase: upstream.PhaseConnect, Message: "dial failed", Cause: err}
	}

	now := p.now()
	c := &pooled{conn: raw, id: p.nextID.Add(1), created: now, lastUsed: now}
	log.Debug().Uint64("conn_id", c.id).Msg("pool: dialed new connection")
	return c, nil
}

// evictExpiredLocked removes idle connections unused for longer than
// IdleExpiry and returns them for closing outside the lock.
func (p *Pool) evictExpiredLocked() []*pooled {
	now := p.now()
	kept := p.idle[:0]
	var expired []*pooled
	for _, c := range p.idle {
		if now.Sub(c.lastUsed) > p.cfg.IdleExpiry {
			expired = append(expired, c)
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	return expired
}

// Release returns a borrowed connection. Unhealthy connections are closed
// instead of kept. Calling Release again for the same lease is a no-op, even
// when the transport has since been lent to someone else.
func (p *Pool) Release(lease *Connection, healthy bool) {
	if lease == nil || lease.pool != p || !lease.released.CompareAndSwap(false, true) {
		return
	}
	pc := lease.pc

	p.mu.Lock()
	p.inUse--
	keep := healthy && !p.closed && len(p.idle) < p.cfg.MaxIdleConnections
	if keep {
		pc.lastUsed = p.now()
		p.idle = append(p.idle, pc)
	}
	p.mu.Unlock()

	if !keep {
		_ = pc.conn.Close()
		log.Debug().Uint64("conn_id", pc.id).Bool("healthy", healthy).Msg("pool: discarded connection")
	}
	p.sem.Release(1)
}

// Snapshot returns current counters.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		ConfiguredMax:     p.cfg.MaxConnections,
		ConfiguredMaxIdle: p.cfg.MaxIdleConnections,
		InUse:             p.inUse,
		Idle:              len(p.idle),
	}
}

// Close closes idle connections and fails further Acquire calls. Connections
// still lent out are closed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		_ = c.conn.Close()
	}
	log.Info().Int("closed_idle", len(idle)).Msg("pool closed")
}
