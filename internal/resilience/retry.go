package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/sudzxd/live-translator/internal/errors"
	"github.com/sudzxd/live-translator/internal/trace"
)

// Retry configuration constants
const (
	DefaultMaxRetries   = 2
	DefaultBaseDelay    = 200 * time.Millisecond
	DefaultMaxDelay     = 2 * time.Second
	DefaultJitterFactor = 0.2

	// Hosted translation APIs: more retries, longer delays for rate limits.
	HTTPMaxRetries = 4
	HTTPBaseDelay  = 500 * time.Millisecond
	HTTPMaxDelay   = 8 * time.Second
)

// RetryConfig holds retry settings.
type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	IsRetryable  func(error) bool
}

// DefaultRetryConfig returns settings for calls to the inference service.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   DefaultMaxRetries,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  IsRetryable,
	}
}

// HTTPRetryConfig returns settings for hosted HTTP APIs.
func HTTPRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   HTTPMaxRetries,
		BaseDelay:    HTTPBaseDelay,
		MaxDelay:     HTTPMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  IsRetryable,
	}
}

// IsRetryable classifies an error by gRPC status first, then by AppError code.
// Open breakers and cancellations are never retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrOpen) || isCancellation(err) {
		return false
	}
	if apperrors.IsRetryable(err) {
		return true
	}
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		}
	}
	return false
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled
}

// Retry executes fn with exponential backoff. Returns last error if all retries fail.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}

		if !cfg.IsRetryable(lastErr) || attempt == cfg.MaxRetries {
			return lastErr
		}

		delay := backoffDelay(cfg, attempt)
		trace.Logger(ctx).Debug("retrying after error", "attempt", attempt+1, "max", cfg.MaxRetries, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// backoffDelay calculates exponential backoff with jitter.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << min(attempt, 6)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	jitter := float64(delay) * cfg.JitterFactor * (rand.Float64() - 0.5)
	return time.Duration(float64(delay) + jitter)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = DefaultJitterFactor
	}
	if c.IsRetryable == nil {
		c.IsRetryable = IsRetryable
	}
	return c
}

// Guarded runs fn under the breaker, retrying per cfg. Each attempt passes
// through the breaker so an opening breaker stops the retry loop.
func Guarded[T any](ctx context.Context, b *Breaker, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := Retry(ctx, cfg, func() error {
		v, err := Call(b, func() (T, error) { return fn(ctx) })
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
