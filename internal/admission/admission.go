// Package admission bounds how many sessions run at once.
//
// DESIGN: A FIFO weighted semaphore holds the slots; an atomic counter
// mirrors the holders so a stray Release can be detected and ignored
// instead of over-releasing the semaphore.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConcurrentSessions = 64
	DefaultAdmissionTimeout      = 10 * time.Second
)

// ErrAdmissionTimeout is matched by every *TimeoutError via errors.Is.
var ErrAdmissionTimeout = errors.New("admission timeout")

// Config contains the concurrency ceiling.
type Config struct {
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"` // Sessions admitted at once
	Timeout               time.Duration `yaml:"admission_timeout"`       // Max wait for a slot
}

// WithDefaults fills unset fields.
func WithDefaults(cfg Config) Config {
	if cfg.MaxConcurrentSessions == 0 {
		cfg.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultAdmissionTimeout
	}
	return cfg
}

// Validate checks the ceiling.
func (c Config) Validate() error {
	if c.MaxConcurrentSessions < 1 {
		return fmt.Errorf("session.max_concurrent_sessions must be >= 1, got %d", c.MaxConcurrentSessions)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("session.admission_timeout must be positive")
	}
	return nil
}

// TimeoutError is returned when the ceiling stayed saturated for Timeout.
type TimeoutError struct {
	Waited time.Duration
	Limit  int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session limit of %d reached, waited %s", e.Limit, e.Waited.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error { return ErrAdmissionTimeout }

// Retryable is always true for admission timeouts.
func (e *TimeoutError) Retryable() bool { return true }

// Snapshot is a read-only view of the controller.
type Snapshot struct {
	Limit    int `json:"limit"`
	InFlight int `json:"in_flight"`
}

// Controller gates session admission.
type Controller struct {
	cfg      Config
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// New creates a controller. Unset config fields get defaults.
func New(cfg Config) (*Controller, error) {
	cfg = WithDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{cfg: cfg, sem: semaphore.NewWeighted(int64(cfg.MaxConcurrentSessions))}, nil
}

// Acquire blocks until a slot is free, the configured timeout elapses
// (*TimeoutError) or ctx ends (ctx.Err()).
func (c *Controller) Acquire(ctx context.Context) error {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		waited := time.Since(start)
		log.Warn().Dur("waited", waited).Int("limit", c.cfg.MaxConcurrentSessions).Msg("admission: timeout")
		return &TimeoutError{Waited: waited, Limit: c.cfg.MaxConcurrentSessions}
	}
	c.inFlight.Add(1)
	return nil
}

// Release frees one slot. A Release with no slot held is logged and ignored.
func (c *Controller) Release() {
	for {
		n := c.inFlight.Load()
		if n <= 0 {
			log.Warn().Msg("admission: release without a held slot ignored")
			return
		}
		if c.inFlight.CompareAndSwap(n, n-1) {
			break
		}
	}
	c.sem.Release(1)
}

// Snapshot returns the current counters.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{Limit: c.cfg.MaxConcurrentSessions, InFlight: int(c.inFlight.Load())}
}
