package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxRetries is the number of retries after the first attempt.
const DefaultMaxRetries = 3

// DefaultRetryUnit is the linear backoff step.
const DefaultRetryUnit = time.Second

// RetryConfig controls retry behavior for a single external call.
//
// Backoff is linear, not exponential: the delay before retry i (1-based) is
// i * Unit, which keeps request spacing predictable for rate-limited
// third-party APIs.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt, so a call
	// that always fails is attempted MaxRetries+1 times. Zero means no
	// retries; negative selects DefaultMaxRetries.
	MaxRetries int

	// Unit is the backoff step. Zero or negative selects DefaultRetryUnit.
	Unit time.Duration

	// ShouldRetry optionally overrides the default transient-error check.
	// If nil, IsTransient is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the retry number and
	// the error that caused it.
	OnRetry func(retry int, err error)

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns the standard provider retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: DefaultMaxRetries,
		Unit:       DefaultRetryUnit,
	}
}

// FromConfig builds a RetryConfig from configuration values.
func FromConfig(maxRetries, unitMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxRetries >= 0 {
		cfg.MaxRetries = maxRetries
	}
	if unitMs > 0 {
		cfg.Unit = time.Duration(unitMs) * time.Millisecond
	}
	return cfg
}

// Delay returns the wait before the given 1-based retry.
func (c RetryConfig) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	return time.Duration(retry) * c.Unit
}

// Attempts returns the total number of calls made when every call fails.
func (c RetryConfig) Attempts() int {
	return applyDefaults(c).MaxRetries + 1
}

// Do executes fn, retrying transient failures according to cfg. Validation
// errors and other non-transient failures return immediately. Context
// cancellation stops retries and returns the last call error.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that return a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, lastErr)
			}
			if err := cfg.sleep(ctx, cfg.Delay(attempt)); err != nil {
				return zero, lastErr
			}
		}

		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}
		if IsValidation(err) || !shouldRetry(err) {
			return zero, lastErr
		}
	}

	return zero, lastErr
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Unit <= 0 {
		cfg.Unit = DefaultRetryUnit
	}
	if cfg.sleep == nil {
		cfg.sleep = sleepCtx
	}
	return cfg
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

// RetryLogger returns an OnRetry callback that logs each retry.
func RetryLogger(service, operation string) func(int, error) {
	return func(retry int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("retry", retry),
			zap.Error(err),
		)
	}
}
