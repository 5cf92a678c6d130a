package directory

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds retries of transient transport failures.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	MaxDelay time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff << attempt
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// do runs fn until it succeeds, fails permanently, or attempts run out.
func (p RetryPolicy) do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var te *TransportError
		if !errors.As(err, &te) || !te.Retryable() || attempt == attempts-1 {
			return err
		}
		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return &TransportError{Op: te.Op, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	return err
}
