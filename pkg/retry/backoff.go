// Package retry runs operations with exponential backoff and jitter.
//
//	cfg := retry.DefaultBackoffConfig()
//	err := retry.Do(ctx, cfg, func() error {
//		_, err := pool.Exec(ctx, query)
//		if isPermanent(err) {
//			return retry.Stop(err)
//		}
//		return err
//	})
//
// With jitter enabled the delay before attempt n is base(n) * (0.5 + rand[0, 0.5)).
// It is used by the journal backends for transient storage failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/notifyd/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      3,
	}
}

// Delay returns the wait before the given attempt. Attempt 0 never waits.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	interval := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxInterval > 0 && interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}
	d := time.Duration(interval)
	if c.Jitter && d > 1 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
	}
	return d
}

// StopError wraps an error to indicate that retries should stop immediately.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }

func (s StopError) Unwrap() error { return s.Err }

// Stop marks err as permanent.
func Stop(err error) error {
	return StopError{Err: err}
}

func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// Do calls fn until it succeeds, returns a StopError, the retries are
// exhausted or ctx is done. A StopError is unwrapped before being returned.
func Do(ctx context.Context, cfg BackoffConfig, fn func() error) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if delay := cfg.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-timer.C:
			}
		}

		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
		if attempt < cfg.MaxRetries {
			logger.Debug("Retrying operation", "attempt", attempts, "max_attempts", cfg.MaxRetries+1, "error", err)
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
