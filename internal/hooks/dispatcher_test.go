package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/ephost/internal/logging"
	"github.com/arloliu/ephost/types"
)

func TestDispatcher(t *testing.T) {
	t.Run("delivers exception context", func(t *testing.T) {
		var mu sync.Mutex
		var got []types.ExceptionContext
		d := NewDispatcher(t.Context(), "host-a", &types.Hooks{
			OnException: func(_ context.Context, ec types.ExceptionContext) error {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, ec)

				return nil
			},
		}, logging.NewTest(t))

		d.Exception(types.ActionCheckingLeases, "", errors.New("store down"))
		d.Exception(types.ActionCheckingLeases, "", nil)
		d.Wait()

		require.Len(t, got, 1)
		require.Equal(t, "host-a", got[0].HostName)
		require.Equal(t, types.ActionCheckingLeases, got[0].Action)
		require.EqualError(t, got[0].Err, "store down")
	})

	t.Run("hook errors are swallowed", func(t *testing.T) {
		d := NewDispatcher(t.Context(), "host-a", &types.Hooks{
			OnLeaseLost: func(context.Context, string) error { return errors.New("nope") },
		}, nil)

		require.NotPanics(t, func() {
			d.LeaseLost("3")
			d.LeaseAcquired(types.Lease{PartitionID: "3"})
			d.StateChanged(types.HostStateInit, types.HostStateInitializing)
			d.Wait()
		})
	})

	t.Run("hooks see lifecycle context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		var seen error
		d := NewDispatcher(ctx, "host-a", &types.Hooks{
			OnStateChanged: func(ctx context.Context, _, _ types.HostState) error {
				seen = ctx.Err()
				return nil
			},
		}, nil)
		d.StateChanged(types.HostStateRunning, types.HostStateClosing)
		d.Wait()

		require.ErrorIs(t, seen, context.Canceled)
	})
}
