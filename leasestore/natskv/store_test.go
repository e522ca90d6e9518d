package natskv

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/ephost/leasestore"
	"github.com/arloliu/ephost/leasestore/storetest"
	ephosttest "github.com/arloliu/ephost/testing"
	"github.com/arloliu/ephost/types"
)

func TestStoreConformance(t *testing.T) {
	_, nc := ephosttest.StartEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	var seq atomic.Int32
	storetest.Run(t, func(t *testing.T, clock leasestore.Clock) func(host string) leasestore.Store {
		bucket := fmt.Sprintf("conformance-%d", seq.Add(1))

		return func(host string) leasestore.Store {
			s, err := NewFromJetStream(t.Context(), js, host,
				WithBucket(bucket),
				WithClock(clock),
				WithLeaseDuration(storetest.LeaseDuration),
				WithLogger(ephosttest.NewTestLogger(t)),
			)
			require.NoError(t, err)

			return s
		}
	})
}

func TestKeyFor(t *testing.T) {
	require.Equal(t, "lease.0", keyFor("0"))
	require.Equal(t, "lease.orders-eu_1", keyFor("orders-eu_1"))

	hashed := keyFor("orders/eu 1")
	require.Contains(t, hashed, hashedPrefix)
	require.Equal(t, hashed, keyFor("orders/eu 1"))
	require.NotEqual(t, hashed, keyFor("orders/eu 2"))
	require.Equal(t, leasePrefix+"h."+hashed[len(hashedPrefix):], hashed)
}

func TestStore_HashedPartitionIDs(t *testing.T) {
	_, nc := ephosttest.StartEmbeddedNATS(t)
	ctx := t.Context()

	s, err := New(ctx, nc, "host-a", WithBucket("hashed"))
	require.NoError(t, err)
	require.NoError(t, s.CreateLeaseStoreIfNotExists(ctx))

	ids := []string{"orders/eu 1", "orders/us 2"}
	require.NoError(t, s.CreateAllLeasesIfNotExists(ctx, ids))

	all, err := s.GetAllLeases(ctx)
	require.NoError(t, err)
	got := make([]string, 0, len(all))
	for _, bl := range all {
		got = append(got, bl.PartitionID)
	}
	require.ElementsMatch(t, ids, got)

	lease, err := s.GetLease(ctx, ids[0])
	require.NoError(t, err)
	ok, err := s.AcquireLease(ctx, lease)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ids[0], lease.PartitionID)
}

func TestStore_OpensBucketCreatedLater(t *testing.T) {
	_, nc := ephosttest.StartEmbeddedNATS(t)
	ctx := t.Context()

	late, err := New(ctx, nc, "host-b", WithBucket("late"))
	require.NoError(t, err)

	_, err = late.GetAllLeases(ctx)
	require.ErrorIs(t, err, types.ErrStoreNotInitialized)

	creator, err := New(ctx, nc, "host-a", WithBucket("late"))
	require.NoError(t, err)
	require.NoError(t, creator.CreateLeaseStoreIfNotExists(ctx))
	require.NoError(t, creator.CreateAllLeasesIfNotExists(ctx, []string{"0", "1"}))

	all, err := late.GetAllLeases(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestStore_CheckpointStoreRequiresMarker(t *testing.T) {
	_, nc := ephosttest.StartEmbeddedNATS(t)
	ctx := t.Context()

	s, err := New(ctx, nc, "host-a", WithBucket("marker"))
	require.NoError(t, err)
	require.NoError(t, s.CreateLeaseStoreIfNotExists(ctx))

	err = s.CreateAllCheckpointsIfNotExists(ctx, []string{"0"})
	require.ErrorIs(t, err, types.ErrStoreNotInitialized)

	require.NoError(t, s.CreateCheckpointStoreIfNotExists(ctx))
	require.NoError(t, s.CreateAllCheckpointsIfNotExists(ctx, []string{"0"}))
}
