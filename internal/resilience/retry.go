package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryConfig tunes [Retry]'s backoff schedule.
type RetryConfig struct {
	// BaseDelay is the delay before the first retry. Default: 200ms.
	BaseDelay time.Duration

	// Factor multiplies the delay after each attempt. Default: 2.
	Factor float64

	// JitterPct randomises each delay by +/- this percentage (0-100).
	// Default: 25.
	JitterPct float64

	// CapDelay is the maximum delay between attempts. Default: 10s.
	CapDelay time.Duration

	// MaxAttempts is the total number of attempts, including the first.
	// Default: 4.
	MaxAttempts int
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.Factor <= 0 {
		c.Factor = 2
	}
	if c.JitterPct <= 0 {
		c.JitterPct = 25
	}
	if c.CapDelay <= 0 {
		c.CapDelay = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	return c
}

// Retryable is implemented by errors that carry their own retry decision.
// Errors that do not implement it are treated as retryable.
type Retryable interface {
	Retryable() bool
}

// Retry calls fn repeatedly with exponential backoff and jitter until it
// succeeds, the context is cancelled, a non-retryable error is returned, or
// cfg.MaxAttempts is exhausted. It returns the last error on exhaustion.
//
// fn is expected to honour ctx for its own per-attempt deadline; Retry does
// not impose one beyond what ctx already carries.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	delay := cfg.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var r Retryable
		if errors.As(lastErr, &r) && !r.Retryable() {
			return lastErr
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		wait := jitter(delay, cfg.JitterPct)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * cfg.Factor)
		if delay > cfg.CapDelay {
			delay = cfg.CapDelay
		}
	}
	return lastErr
}

// jitter randomises d by +/- pct percent.
func jitter(d time.Duration, pct float64) time.Duration {
	if pct <= 0 {
		return d
	}
	spread := float64(d) * (pct / 100)
	offset := (rand.Float64()*2 - 1) * spread
	result := float64(d) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}
