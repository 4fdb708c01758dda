// Package retry wraps single operations with deterministic exponential
// backoff, retrying only error kinds the caller declared retryable.
package retry

import (
	"context"
	"math"
	"time"

	"kvmigrate/pkg/storage"
)

// Config controls the backoff schedule and which error kinds are retried.
type Config struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	RetryableKinds []storage.ErrorKind
}

// DefaultConfig returns the default retry configuration: 3 retries starting at
// 1s, doubling, capped at 30s, retrying quota/network/timeout errors.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		RetryableKinds: []storage.ErrorKind{
			storage.KindQuotaExceeded,
			storage.KindNetworkError,
			storage.KindTimeout,
		},
	}
}

// DelayForAttempt returns the wait before retry attempt n (0-based):
// min(initial × factor^n, max). Deterministic so tests can assert exact
// values.
func (c Config) DelayForAttempt(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	if max := float64(c.MaxDelay); c.MaxDelay > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// IsRetryable reports whether the error's classified kind is in the
// configured retryable set.
func (c Config) IsRetryable(err error) bool {
	kind := storage.ClassifyError(err)
	for _, retryable := range c.RetryableKinds {
		if kind == retryable {
			return true
		}
	}
	return false
}

// Do runs op, retrying per the configuration. Non-retryable errors fail
// immediately. After MaxRetries retries the last error is returned. The
// context aborts backoff waits.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(cfg.DelayForAttempt(attempt - 1))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if !cfg.IsRetryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}
