package resume

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// DefaultRetryMaxElapsed bounds Retry when maxElapsed is not positive.
const DefaultRetryMaxElapsed = 5 * time.Second

func newBackOff(maxElapsed time.Duration) backoff.BackOff {
	if maxElapsed <= 0 {
		maxElapsed = DefaultRetryMaxElapsed
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = maxElapsed
	return b
}

// Retry runs fn until it succeeds, fails with anything other than
// ErrStorageTransient, maxElapsed passes, or ctx ends. The last error from fn
// is returned unchanged, even when ctx ended the loop.
func Retry(ctx context.Context, maxElapsed time.Duration, fn func() error) error {
	var last error
	op := func() error {
		last = fn()
		if last == nil || errors.Is(last, ErrStorageTransient) {
			return last
		}
		return backoff.Permanent(last)
	}
	err := backoff.Retry(op, backoff.WithContext(newBackOff(maxElapsed), ctx))
	if err != nil && last != nil {
		return last
	}
	return err
}
