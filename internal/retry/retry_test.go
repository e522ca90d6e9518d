package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

func TestDo(t *testing.T) {
	errBoom := errors.New("boom")

	t.Run("first success short-circuits", func(t *testing.T) {
		calls := 0
		res := Do(t.Context(), 5, nil, func(context.Context) (int, error) {
			calls++
			return 7, nil
		})
		require.True(t, res.OK())
		require.Equal(t, 7, res.Value)
		require.Equal(t, 1, res.Attempts)
		require.Equal(t, 1, calls)
	})

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		res := Run(t.Context(), 5, &backoff.ZeroBackOff{}, func(context.Context) error {
			calls++
			if calls < 3 {
				return errBoom
			}

			return nil
		})
		require.True(t, res.OK())
		require.Equal(t, 3, res.Attempts)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		res := Run(t.Context(), 5, NewPolicy(time.Millisecond, 2*time.Millisecond), func(context.Context) error {
			return errBoom
		})
		require.ErrorIs(t, res.Err, errBoom)
		require.Equal(t, 5, res.Attempts)
	})

	t.Run("permanent error is not retried", func(t *testing.T) {
		calls := 0
		res := Run(t.Context(), 5, nil, func(context.Context) error {
			calls++
			return Permanent(errBoom)
		})
		require.Equal(t, errBoom, res.Err)
		require.Equal(t, 1, calls)
	})

	t.Run("canceled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		calls := 0
		res := Run(ctx, 5, &backoff.ConstantBackOff{Interval: time.Hour}, func(context.Context) error {
			calls++
			cancel()

			return errBoom
		})
		require.ErrorIs(t, res.Err, errBoom)
		require.Equal(t, 1, calls)
	})

	t.Run("canceled before first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		res := Run(ctx, 3, nil, func(context.Context) error { return nil })
		require.ErrorIs(t, res.Err, context.Canceled)
		require.Equal(t, 0, res.Attempts)
	})

	t.Run("zero attempts runs once", func(t *testing.T) {
		res := Run(t.Context(), 0, nil, func(context.Context) error { return nil })
		require.Equal(t, 1, res.Attempts)
	})
}
