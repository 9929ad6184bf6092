package external

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/compresr/turnstile/internal/session"
)

// Retry defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultMultiplier     = 2.0
)

// RetryPolicy decides whether and when a failed request is retried. The
// gateway never retries on its own; only this client consults the policy.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts"`    // Total attempts including the first, 1 disables retries
	InitialBackoff time.Duration `yaml:"initial_backoff"` // Wait before the second attempt
	MaxBackoff     time.Duration `yaml:"max_backoff"`     // Upper bound for any wait
	Multiplier     float64       `yaml:"multiplier"`      // Growth factor between waits
}

// DefaultRetryPolicy returns the default exponential policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Multiplier:     DefaultMultiplier,
	}
}

// withDefaults fills unset fields.
func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier == 0 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("retry backoffs cannot be negative")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %g", p.Multiplier)
	}
	return nil
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt is allowed. Only overload and
// rate-limit errors are retried, and never once content reached the caller.
func (p RetryPolicy) ShouldRetry(attempt int, errType string, delivered bool) bool {
	if delivered || attempt >= p.MaxAttempts {
		return false
	}
	return session.RetryableType(errType)
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
