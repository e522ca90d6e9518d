// Package retry runs an operation a bounded number of times and reports a tagged result.
//
// It replaces nested continuation chains with one sequential loop: the first success
// short-circuits further attempts, a permanent error stops immediately, and exhausting
// the attempts returns the last error.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Result is the outcome of Do.
type Result[T any] struct {
	// Value is the value returned by the successful attempt.
	Value T

	// Err is nil on success, otherwise the error of the last attempt.
	Err error

	// Attempts is the number of attempts made.
	Attempts int
}

// OK reports whether an attempt succeeded.
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// NewPolicy returns an exponential backoff with jitter that never gives up on its own;
// the attempt bound passed to Do is the only limit.
//
// Parameters:
//   - initial: First delay between attempts
//   - maxInterval: Upper bound for a single delay
//
// Returns:
//   - backoff.BackOff: Policy ready for use with Do
func NewPolicy(initial, maxInterval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// Do runs op up to maxAttempts times, sleeping according to policy between attempts.
//
// A nil policy retries immediately. Context cancellation stops further attempts and is
// reported as the result error. Errors wrapped with Permanent are returned after one attempt.
//
// Example:
//
//	res := retry.Do(ctx, 5, retry.NewPolicy(100*time.Millisecond, 2*time.Second),
//	    func(ctx context.Context) (struct{}, error) {
//	        return struct{}{}, store.CreateLeaseStoreIfNotExists(ctx)
//	    })
//	if !res.OK() {
//	    return res.Err
//	}
func Do[T any](ctx context.Context, maxAttempts int, policy backoff.BackOff, op func(ctx context.Context) (T, error)) Result[T] {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if policy != nil {
		policy.Reset()
	}

	var res Result[T]
	for res.Attempts < maxAttempts {
		if err := ctx.Err(); err != nil {
			if res.Err == nil {
				res.Err = err
			}

			return res
		}

		res.Attempts++
		value, err := op(ctx)
		if err == nil {
			res.Value = value
			res.Err = nil

			return res
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			res.Err = perm.Unwrap()
			return res
		}
		res.Err = err

		if res.Attempts >= maxAttempts {
			break
		}

		if wait := nextDelay(policy); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return res
			case <-timer.C:
			}
		}
	}

	return res
}

// Run is Do for operations without a value.
func Run(ctx context.Context, maxAttempts int, policy backoff.BackOff, op func(ctx context.Context) error) Result[struct{}] {
	return Do(ctx, maxAttempts, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
}

func nextDelay(policy backoff.BackOff) time.Duration {
	if policy == nil {
		return 0
	}
	d := policy.NextBackOff()
	if d == backoff.Stop {
		return 0
	}

	return d
}
