package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jdziat/clipjobs/pkg/core"
)

// RetryConfig controls how store writes are retried when the database is
// briefly unreachable.
type RetryConfig struct {
	// MaxAttempts counts the first try. Default: 5
	MaxAttempts int

	// InitialBackoff is the wait before the second try. Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between tries. Default: 5s
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after each try. Default: 2.0
	BackoffMultiplier float64

	// JitterFraction randomises each wait by up to this fraction. Default: 0.1
	JitterFraction float64
}

// DefaultRetryConfig returns the retry settings used for store writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// claimRetryConfig backs off harder so an outage is not hammered by every
// idle worker.
func claimRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// retryWithBackoff runs op until it succeeds, returns a permanent error, the
// attempts run out, or ctx ends. The last error is returned.
func retryWithBackoff(ctx context.Context, config RetryConfig, op func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsRetryableError(lastErr) || attempt >= config.MaxAttempts {
			return lastErr
		}

		wait := backoff + time.Duration(float64(backoff)*config.JitterFraction*(rand.Float64()*2-1))
		if wait < 0 {
			wait = backoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(time.Duration(float64(backoff)*config.BackoffMultiplier), config.MaxBackoff)
	}
	return lastErr
}

// IsRetryableError reports whether a store error may succeed on a later try.
// Context errors and job state rejections are final.
func IsRetryableError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, core.ErrJobNotFound),
		errors.Is(err, core.ErrJobNotOwned),
		errors.Is(err, core.ErrJobNotActive),
		errors.Is(err, core.ErrJobTerminal):
		return false
	}
	return true
}

// JobBackoff is the delay before a failed job is offered again:
// base doubled per previous attempt, capped at ceiling.
func JobBackoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}
