package llmbroker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures Retry.
type RetryPolicy struct {
	MaxAttempts     int           // total attempts including the first; <1 means 1
	InitialInterval time.Duration // delay before the first retry
	MaxInterval     time.Duration // cap on any single delay
	Multiplier      float64
}

// DefaultRetryPolicy returns three attempts with exponential backoff from 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
	}
}

// Retry calls fn until it succeeds, returns an error that is not
// IsRetrySafe, the attempts run out, or ctx is done. Writes whose outcome is
// unknown are never retried.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	_, err := RetryValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryValue is Retry for operations that return a value.
func RetryValue[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		eb.Multiplier = p.Multiplier
	}
	eb.MaxElapsedTime = 0

	var result T
	op := func() error {
		v, err := fn(ctx)
		if err == nil {
			result = v
			return nil
		}
		if !IsRetrySafe(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
