package datasource

import (
	"context"
	"time"
)

// RetryPolicy bounds how often a failed provider query is retried. Delay
// doubles after every attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the historical provider behavior: three
// attempts starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
	}
}

// retry calls fn up to MaxAttempts times with exponential backoff. It
// returns nil on the first success, the last error after exhaustion, or the
// context error if cancelled between attempts.
func (p RetryPolicy) retry(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay

	var err error

	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Don't sleep after the last failed attempt.
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}

			delay *= 2
		}
	}

	return err
}
