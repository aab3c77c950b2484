package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// retryPolicy re-runs a remote call with capped, jittered exponential
// backoff. Retries counts the calls made after the first one.
type retryPolicy struct {
	Retries  int
	Base     time.Duration
	MaxDelay time.Duration
}

var defaultRetryPolicy = retryPolicy{Retries: 3, Base: 100 * time.Millisecond, MaxDelay: 2 * time.Second}

// backoff returns the pause before retry n (0-based): Base*2^n capped at
// MaxDelay, less up to a quarter of jitter.
func (p retryPolicy) backoff(n int) time.Duration {
	d := p.Base << uint(n)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	if q := int64(d / 4); q > 0 {
		d -= time.Duration(rand.Int64N(q))
	}
	return d
}

// permanent errors are answers, not transient failures.
func permanent(err error) bool {
	return errors.Is(err, ErrObjectNotFound) ||
		errors.Is(err, ErrInvalidPath) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (p retryPolicy) do(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for n := 0; ; n++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = fn(ctx); err == nil || permanent(err) || n >= p.Retries {
			return err
		}

		t := time.NewTimer(p.backoff(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
