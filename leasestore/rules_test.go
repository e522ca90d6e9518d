package leasestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/ephost/types"
)

func TestCanAcquire(t *testing.T) {
	now := time.Now()
	held := &types.Lease{PartitionID: "0", Owner: "host-a", Token: "tok-a", ExpiresAt: now.Add(time.Minute)}

	t.Run("unowned", func(t *testing.T) {
		require.True(t, CanAcquire(types.NewLease("0"), "host-b", "", now))
	})

	t.Run("expired", func(t *testing.T) {
		require.True(t, CanAcquire(held, "host-b", "", now.Add(2*time.Minute)))
	})

	t.Run("held by self", func(t *testing.T) {
		require.True(t, CanAcquire(held, "host-a", "", now))
	})

	t.Run("steal with current token", func(t *testing.T) {
		require.True(t, CanAcquire(held, "host-b", "tok-a", now))
	})

	t.Run("steal with stale token", func(t *testing.T) {
		require.False(t, CanAcquire(held, "host-b", "tok-old", now))
		require.False(t, CanAcquire(held, "host-b", "", now))
	})
}

func TestGrantAndClear(t *testing.T) {
	now := time.Now()
	l := &types.Lease{PartitionID: "0", Epoch: 4, Offset: "9", SequenceNumber: 9}

	Grant(l, "host-a", time.Minute, now)
	require.Equal(t, int64(5), l.Epoch)
	require.NotEmpty(t, l.Token)
	require.True(t, l.IsOwnedBy("host-a"))
	first := l.Token

	Grant(l, "host-b", time.Minute, now)
	require.Equal(t, int64(6), l.Epoch)
	require.NotEqual(t, first, l.Token)
	require.False(t, CanRenew(l, "host-a", first))
	require.True(t, CanRenew(l, "host-b", l.Token))

	Clear(l)
	require.Empty(t, l.Owner)
	require.Empty(t, l.Token)
	require.Equal(t, int64(6), l.Epoch)
	require.Equal(t, int64(9), l.SequenceNumber)
}

func TestCheckpointCache(t *testing.T) {
	t.Run("merge prefers cached advanced position", func(t *testing.T) {
		c := NewCheckpointCache()
		c.Observe(types.Checkpoint{PartitionID: "0", Offset: "20", SequenceNumber: 20})

		stale := &types.Lease{PartitionID: "0", Offset: "10", SequenceNumber: 10}
		require.True(t, c.Merge(stale))
		require.Equal(t, int64(20), stale.SequenceNumber)
		require.Equal(t, "20", stale.Offset)
	})

	t.Run("merge records newer lease position", func(t *testing.T) {
		c := NewCheckpointCache()
		c.Observe(types.Checkpoint{PartitionID: "0", Offset: "20", SequenceNumber: 20})

		fresh := &types.Lease{PartitionID: "0", Offset: "30", SequenceNumber: 30}
		require.False(t, c.Merge(fresh))

		got, ok := c.Get("0")
		require.True(t, ok)
		require.Equal(t, int64(30), got.SequenceNumber)
	})

	t.Run("uninitialized checkpoints are ignored", func(t *testing.T) {
		c := NewCheckpointCache()
		c.Observe(types.Checkpoint{PartitionID: "0"})
		require.Equal(t, 0, c.Len())

		l := types.NewLease("0")
		require.False(t, c.Merge(l))
		require.False(t, l.Checkpoint().IsInitialized())
	})

	t.Run("delete and clear", func(t *testing.T) {
		c := NewCheckpointCache()
		c.Observe(types.Checkpoint{PartitionID: "0", Offset: "1", SequenceNumber: 1})
		c.Observe(types.Checkpoint{PartitionID: "1", Offset: "1", SequenceNumber: 1})
		c.Delete("0")
		require.Equal(t, 1, c.Len())
		c.Clear()
		require.Equal(t, 0, c.Len())
	})

	t.Run("merge stored", func(t *testing.T) {
		stored := &types.Lease{PartitionID: "0", Offset: "50", SequenceNumber: 50}
		incoming := &types.Lease{PartitionID: "0", Offset: "40", SequenceNumber: 40}
		MergeStored(incoming, stored)
		require.Equal(t, int64(50), incoming.SequenceNumber)
	})
}
