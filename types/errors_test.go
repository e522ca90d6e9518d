package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	t.Run("errors.Is works correctly", func(t *testing.T) {
		require.True(t, errors.Is(ErrLeaseLost, ErrLeaseLost))
		require.False(t, errors.Is(ErrLeaseLost, ErrFenced))

		wrapped := fmt.Errorf("renewing: %w", ErrLeaseLost)
		require.True(t, errors.Is(wrapped, ErrLeaseLost))
	})

	t.Run("all errors are distinct", func(t *testing.T) {
		allErrors := []error{
			ErrInvalidConfig,
			ErrAlreadyStarted,
			ErrNotStarted,
			ErrLeaseStoreRequired,
			ErrCheckpointStoreRequired,
			ErrStreamClientRequired,
			ErrProcessorFactoryRequired,
			ErrInitializationFailed,
			ErrLeaseNotFound,
			ErrLeaseLost,
			ErrStoreNotInitialized,
			ErrFenced,
			ErrPumpClosed,
		}

		for i, err1 := range allErrors {
			for j, err2 := range allErrors {
				if i != j {
					require.False(t, errors.Is(err1, err2),
						"errors should be distinct: %v vs %v", err1, err2)
				}
			}
		}
	})
}

func TestActionError(t *testing.T) {
	t.Run("wraps cause with tag", func(t *testing.T) {
		err := NewActionError(ActionRenewingLease, "3", ErrLeaseLost)
		require.ErrorIs(t, err, ErrLeaseLost)
		require.Equal(t, "Renewing Lease (partition 3): lease lost", err.Error())

		var ae *ActionError
		require.True(t, errors.As(err, &ae))
		require.Equal(t, ActionRenewingLease, ae.Action)
		require.Equal(t, "3", ae.PartitionID)
	})

	t.Run("host scoped has no partition", func(t *testing.T) {
		err := NewActionError(ActionCheckingLeases, "", errors.New("boom"))
		require.Equal(t, "Checking Leases: boom", err.Error())
	})

	t.Run("nil cause", func(t *testing.T) {
		require.NoError(t, NewActionError(ActionCreatingLeases, "", nil))
	})
}
