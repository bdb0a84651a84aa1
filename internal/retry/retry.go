// Package retry provides exponential backoff for transient failures,
// such as dialing an aggregation service that is still coming up.
//
// The backoff duration follows InitialBackoff * 2^(attempt-1), optionally
// capped and jittered. All retry operations respect context cancellation:
// if the context is canceled during a backoff period, the loop exits
// immediately with the context error.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config defines the retry behavior for exponential backoff operations.
//
// The zero value is not usable; MaxRetries and InitialBackoff must be set.
type Config struct {
	// MaxRetries is the maximum number of attempts. The function is
	// called at most MaxRetries times. Must be greater than 0.
	MaxRetries int

	// InitialBackoff is the base backoff duration. Each retry multiplies
	// this by 2^(attempt-1). Must be greater than 0.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter adds randomness to backoff to prevent thundering herd
	// (0.0 to 1.0). The jitter amount increases linearly with attempt
	// number. Zero means no jitter.
	Jitter float64
}

// ShouldRetryFunc decides whether an error should trigger a retry.
// Return false to fail immediately with the error. A nil ShouldRetryFunc
// passed to Do retries all errors.
type ShouldRetryFunc func(error) bool

// Do executes fn with exponential backoff retry.
//
// fn is called up to cfg.MaxRetries times; a nil return stops the loop
// immediately. When all retries are exhausted, Do returns an error
// wrapping the last one from fn. Context cancellation during execution
// or backoff is returned as-is.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(cfg, attempt)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

func calculateBackoff(cfg Config, attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt-1))
	backoff := time.Duration(multiplier * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	// Jitter grows linearly with the attempt number.
	if cfg.Jitter > 0 {
		jitterAmount := float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries)
		backoff += time.Duration(jitterAmount)
	}

	return backoff
}
