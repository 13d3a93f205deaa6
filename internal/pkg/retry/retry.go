// Package retry provides bounded retry with capped exponential backoff for
// calls to unreliable collaborators.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// AttemptTimeout bounds each attempt. Zero means the parent context only.
	AttemptTimeout time.Duration
}

// DefaultConfig returns default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		AttemptTimeout: 10 * time.Second,
	}
}

// Once returns a config that performs a single attempt with the same timeout.
func (c Config) Once() Config {
	c.MaxAttempts = 1
	return c
}

// Backoff returns the delay before the given retry (1-based), capped at MaxBackoff.
func (c Config) Backoff(attempt int) time.Duration {
	backoff := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= c.Multiplier
	}
	if c.MaxBackoff > 0 && backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}
	return time.Duration(backoff)
}

// Do runs op until it succeeds, fails permanently, or attempts are exhausted.
// Exhausted retryable failures are wrapped with domain.ErrTransientExternal.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations returning a value.
func DoValue[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := runAttempt(ctx, cfg, op)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w: %w", domain.ErrTransientExternal, err)
		}
		if !IsRetryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		backoff := cfg.Backoff(attempt)
		slog.Debug("retrying after transient failure",
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", backoff,
			"error", err,
		)
		if !sleep(ctx, backoff) {
			return zero, fmt.Errorf("%w: %w", domain.ErrTransientExternal, ctx.Err())
		}
	}

	return zero, fmt.Errorf("%w: after %d attempts: %w", domain.ErrTransientExternal, attempts, lastErr)
}

func runAttempt[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	if cfg.AttemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
	defer cancel()

	v, err := op(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return v, NewRetryableError(fmt.Errorf("attempt timed out after %s: %w", cfg.AttemptTimeout, err))
	}
	return v, err
}

// sleep waits for duration or context cancellation. Returns false if cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// IsRetryable reports whether err is worth another attempt.
// Errors that declare IsRetryable() decide for themselves; deadline and
// network timeouts are retryable; everything else is permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewPermanentError creates a non-retryable error.
func NewPermanentError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}
