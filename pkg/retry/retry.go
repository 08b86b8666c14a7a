// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/harun/orbit/pkg/agenterr"
)

// Options configures a retry loop
type Options struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// ShouldRetry decides whether a failure is worth another attempt.
	// Defaults to agenterr.IsRecoverable.
	ShouldRetry func(error) bool

	// OnRetry is called before sleeping ahead of attempt+1
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep waits between attempts; overridable for tests
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns 3 attempts starting at 1s, doubling, capped at 30s
func DefaultOptions() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		ShouldRetry:       agenterr.IsRecoverable,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = 1
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = agenterr.IsRecoverable
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	return o
}

// Delay returns the wait after the given failed attempt (1-based):
// min(InitialDelay * multiplier^(attempt-1), MaxDelay)
func Delay(opts Options, attempt int) time.Duration {
	multiplier := opts.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(opts.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if opts.MaxDelay > 0 && delay > float64(opts.MaxDelay) {
		return opts.MaxDelay
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, attempts run out, or ShouldRetry rejects the error.
// The last error is returned unchanged.
func Do(ctx context.Context, fn func(ctx context.Context) error, opts Options) error {
	_, err := DoValue(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts)
	return err
}

// DoValue is Do for operations that produce a value
func DoValue[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts Options) (T, error) {
	opts = opts.withDefaults()

	var zero T
	for attempt := 1; ; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}

		if attempt >= opts.MaxAttempts || !opts.ShouldRetry(err) {
			return zero, err
		}

		delay := Delay(opts, attempt)
		if hint := agenterr.RetryAfter(err); hint > delay {
			delay = hint
			if opts.MaxDelay > 0 && delay > opts.MaxDelay {
				delay = opts.MaxDelay
			}
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, err)
		}

		if sleepErr := opts.Sleep(ctx, delay); sleepErr != nil {
			return zero, sleepErr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
