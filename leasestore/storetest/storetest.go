// Package storetest is a conformance suite for lease store backends.
//
// Every backend runs the same cases so the in-memory reference store and the durable
// stores are held to identical acquire, renew, release and checkpoint semantics.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/ephost/leasestore"
	"github.com/arloliu/ephost/types"
)

// LeaseDuration is the lease duration backends under test must be configured with.
const LeaseDuration = 10 * time.Second

// Factory prepares an empty backend and returns a constructor for per-host stores
// that share it. Every store must use clock for expiry decisions and LeaseDuration
// as the lease duration.
type Factory func(t *testing.T, clock leasestore.Clock) func(host string) leasestore.Store

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock set to the current wall time.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Now()}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var partitions = []string{"0", "1", "2", "3"}

func setup(t *testing.T, factory Factory) (*FakeClock, func(host string) leasestore.Store) {
	t.Helper()

	clock := NewFakeClock()
	newStore := factory(t, clock.Now)

	s := newStore("setup")
	ctx := t.Context()
	require.NoError(t, s.CreateLeaseStoreIfNotExists(ctx))
	require.NoError(t, s.CreateCheckpointStoreIfNotExists(ctx))
	require.NoError(t, s.CreateAllLeasesIfNotExists(ctx, partitions))
	require.NoError(t, s.CreateAllCheckpointsIfNotExists(ctx, partitions))

	return clock, newStore
}

func acquire(t *testing.T, s leasestore.Store, partitionID string) *types.Lease {
	t.Helper()

	lease, err := s.GetLease(t.Context(), partitionID)
	require.NoError(t, err)
	ok, err := s.AcquireLease(t.Context(), lease)
	require.NoError(t, err)
	require.True(t, ok, "acquire %s", partitionID)

	return lease
}

// Run executes the conformance suite against a backend.
func Run(t *testing.T, factory Factory) {
	t.Run("store setup is idempotent", func(t *testing.T) {
		clock := NewFakeClock()
		newStore := factory(t, clock.Now)
		s := newStore("host-a")
		ctx := t.Context()

		exists, err := s.LeaseStoreExists(ctx)
		require.NoError(t, err)
		require.False(t, exists)

		require.NoError(t, s.CreateLeaseStoreIfNotExists(ctx))
		require.NoError(t, s.CreateLeaseStoreIfNotExists(ctx))
		exists, err = s.LeaseStoreExists(ctx)
		require.NoError(t, err)
		require.True(t, exists)

		require.NoError(t, s.CreateCheckpointStoreIfNotExists(ctx))
		exists, err = s.CheckpointStoreExists(ctx)
		require.NoError(t, err)
		require.True(t, exists)

		require.NoError(t, s.CreateAllLeasesIfNotExists(ctx, partitions))
		held := acquire(t, s, "1")

		require.NoError(t, s.CreateAllLeasesIfNotExists(ctx, partitions))
		require.NoError(t, s.CreateAllCheckpointsIfNotExists(ctx, partitions))

		all, err := s.GetAllLeases(ctx)
		require.NoError(t, err)
		require.Len(t, all, len(partitions))

		got, err := s.GetLease(ctx, "1")
		require.NoError(t, err)
		require.Equal(t, "host-a", got.Owner)
		require.Equal(t, held.Token, got.Token)
		require.Equal(t, held.Epoch, got.Epoch)
	})

	t.Run("acquire unowned lease", func(t *testing.T) {
		_, newStore := setup(t, factory)
		a := newStore("host-a")

		lease := acquire(t, a, "0")
		require.Equal(t, "host-a", lease.Owner)
		require.True(t, lease.Owned)
		require.Equal(t, int64(1), lease.Epoch)
		require.NotEmpty(t, lease.Token)

		all, err := a.GetAllLeases(t.Context())
		require.NoError(t, err)
		for _, bl := range all {
			if bl.PartitionID == "0" {
				require.True(t, bl.Owned)
				require.Equal(t, "host-a", bl.Owner)
			} else {
				require.False(t, bl.Owned)
			}
		}
	})

	t.Run("acquire by owner keeps ownership", func(t *testing.T) {
		_, newStore := setup(t, factory)
		a := newStore("host-a")

		first := acquire(t, a, "0")
		again := acquire(t, a, "0")
		require.Equal(t, first.Epoch+1, again.Epoch)
		require.Equal(t, "host-a", again.Owner)
	})

	t.Run("lost race is not an error", func(t *testing.T) {
		_, newStore := setup(t, factory)
		a, b := newStore("host-a"), newStore("host-b")
		ctx := t.Context()

		observed, err := b.GetLease(ctx, "0")
		require.NoError(t, err)

		acquire(t, a, "0")

		ok, err := b.AcquireLease(ctx, observed)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("steal fences previous owner", func(t *testing.T) {
		_, newStore := setup(t, factory)
		a, b := newStore("host-a"), newStore("host-b")
		ctx := t.Context()

		held := acquire(t, a, "0")
		stolen := acquire(t, b, "0")
		require.Equal(t, "host-b", stolen.Owner)
		require.Greater(t, stolen.Epoch, held.Epoch)
		require.NotEqual(t, held.Token, stolen.Token)

		ok, err := a.RenewLease(ctx, held)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = a.UpdateLease(ctx, held)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = b.RenewLease(ctx, stolen)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("expired lease can be taken", func(t *testing.T) {
		clock, newStore := setup(t, factory)
		a, b := newStore("host-a"), newStore("host-b")
		ctx := t.Context()

		held := acquire(t, a, "0")

		stale, err := b.GetLease(ctx, "0")
		require.NoError(t, err)
		stale.Token = ""
		ok, err := b.AcquireLease(ctx, stale)
		require.NoError(t, err)
		require.False(t, ok)

		clock.Advance(LeaseDuration + time.Second)

		all, err := b.GetAllLeases(ctx)
		require.NoError(t, err)
		for _, bl := range all {
			require.False(t, bl.Owned, "partition %s", bl.PartitionID)
		}

		taken := acquire(t, b, "0")
		require.Equal(t, held.Epoch+1, taken.Epoch)
	})

	t.Run("renew extends expiry", func(t *testing.T) {
		clock, newStore := setup(t, factory)
		a, b := newStore("host-a"), newStore("host-b")
		ctx := t.Context()

		held := acquire(t, a, "0")
		clock.Advance(LeaseDuration / 2)
		ok, err := a.RenewLease(ctx, held)
		require.NoError(t, err)
		require.True(t, ok)

		clock.Advance(LeaseDuration/2 + time.Second)
		got, err := b.GetLease(ctx, "0")
		require.NoError(t, err)
		require.True(t, got.Owned)
		require.Equal(t, "host-a", got.Owner)
	})

	t.Run("release is best effort", func(t *testing.T) {
		_, newStore := setup(t, factory)
		a, b := newStore("host-a"), newStore("host-b")
		ctx := t.Context()

		held := acquire(t, a, "0")
		foreign := held.Clone()
		foreign.Token = "not-the-token"
		require.NoError(t, b.ReleaseLease(ctx, foreign))

		got, err := a.GetLease(ctx, "0")
		require.NoError(t, err)
		require.Equal(t, "host-a", got.Owner)

		stale := held.Clone()
		require.NoError(t, a.ReleaseLease(ctx, held))
		require.NoError(t, a.ReleaseLease(ctx, stale))

		got, err = b.GetLease(ctx, "0")
		require.NoError(t, err)
		require.False(t, got.Owned)
		require.Empty(t, got.Owner)
		require.Equal(t, int64(1), got.Epoch)

		ok, err := a.RenewLease(ctx, stale)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("checkpoint never regresses", func(t *testing.T) {
		_, newStore := setup(t, factory)
		a := newStore("host-a")
		ctx := t.Context()

		cp, err := a.GetCheckpoint(ctx, "0")
		require.NoError(t, err)
		require.Nil(t, cp)

		held := acquire(t, a, "0")
		require.NoError(t, a.UpdateCheckpoint(ctx, held, types.Checkpoint{Offset: "10", SequenceNumber: 10}))

		stale := held.Clone()
		stale.SetCheckpoint(types.Checkpoint{Offset: "5", SequenceNumber: 5})
		ok, err := a.UpdateLease(ctx, stale)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(10), stale.SequenceNumber)

		require.NoError(t, a.UpdateCheckpoint(ctx, held, types.Checkpoint{Offset: "7", SequenceNumber: 7}))

		cp, err = a.GetCheckpoint(ctx, "0")
		require.NoError(t, err)
		require.NotNil(t, cp)
		require.Equal(t, int64(10), cp.SequenceNumber)
		require.Equal(t, "10", cp.Offset)

		require.NoError(t, a.UpdateCheckpoint(ctx, held, types.Checkpoint{Offset: "12", SequenceNumber: 12}))
		cp, err = a.GetCheckpoint(ctx, "0")
		require.NoError(t, err)
		require.Equal(t, int64(12), cp.SequenceNumber)
	})

	t.Run("checkpoint survives ownership change", func(t *testing.T) {
		_, newStore := setup(t, factory)
		a, b := newStore("host-a"), newStore("host-b")
		ctx := t.Context()

		held := acquire(t, a, "2")
		require.NoError(t, a.UpdateCheckpoint(ctx, held, types.Checkpoint{Offset: "30", SequenceNumber: 30}))

		stolen := acquire(t, b, "2")
		require.Equal(t, int64(30), stolen.SequenceNumber)

		err := a.UpdateCheckpoint(ctx, held, types.Checkpoint{Offset: "40", SequenceNumber: 40})
		require.ErrorIs(t, err, types.ErrLeaseLost)

		cp, err := b.GetCheckpoint(ctx, "2")
		require.NoError(t, err)
		require.Equal(t, int64(30), cp.SequenceNumber)
	})

	t.Run("concurrent acquire has one winner", func(t *testing.T) {
		_, newStore := setup(t, factory)
		ctx := t.Context()

		const hosts = 8
		var wins atomic.Int32
		var wg sync.WaitGroup
		observed, err := newStore("observer").GetLease(ctx, "3")
		require.NoError(t, err)

		for i := range hosts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s := newStore(fmt.Sprintf("host-%d", i))
				lease := observed.Clone()
				ok, err := s.AcquireLease(ctx, lease)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), wins.Load())
	})

	t.Run("missing lease", func(t *testing.T) {
		_, newStore := setup(t, factory)
		a := newStore("host-a")

		_, err := a.GetLease(t.Context(), "nope")
		require.ErrorIs(t, err, types.ErrLeaseNotFound)
	})

	t.Run("administrative deletes", func(t *testing.T) {
		_, newStore := setup(t, factory)
		a := newStore("host-a")
		ctx := t.Context()

		held := acquire(t, a, "1")
		require.NoError(t, a.UpdateCheckpoint(ctx, held, types.Checkpoint{Offset: "3", SequenceNumber: 3}))
		require.NoError(t, a.DeleteCheckpoint(ctx, "1"))
		cp, err := a.GetCheckpoint(ctx, "1")
		require.NoError(t, err)
		require.Nil(t, cp)

		require.NoError(t, a.DeleteLease(ctx, "0"))
		_, err = a.GetLease(ctx, "0")
		require.ErrorIs(t, err, types.ErrLeaseNotFound)

		require.NoError(t, a.DeleteLeaseStore(ctx))
		exists, err := a.LeaseStoreExists(ctx)
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("canceled context", func(t *testing.T) {
		_, newStore := setup(t, factory)
		a := newStore("host-a")

		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := a.GetAllLeases(ctx)
		require.Error(t, err)
		require.True(t, errors.Is(err, context.Canceled), "got %v", err)
	})
}
