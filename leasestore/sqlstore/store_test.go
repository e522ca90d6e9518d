package sqlstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/ephost/leasestore"
	"github.com/arloliu/ephost/leasestore/storetest"
	"github.com/arloliu/ephost/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := OpenSQLite(t.Context(), SQLiteConfig{Path: filepath.Join(t.TempDir(), "leases.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock leasestore.Clock) func(host string) leasestore.Store {
		db := openTestDB(t)

		return func(host string) leasestore.Store {
			return db.NewStore(host, WithClock(clock), WithLeaseDuration(storetest.LeaseDuration))
		}
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Migrate(t.Context()))
	require.NoError(t, db.Migrate(t.Context()))

	v, err := db.currentVersion(t.Context())
	require.NoError(t, err)
	require.Equal(t, latestVersion, v)
}

func TestReopenKeepsLeases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.db")
	ctx := t.Context()

	db, err := OpenSQLite(ctx, SQLiteConfig{Path: path})
	require.NoError(t, err)
	s := db.NewStore("host-a")
	require.NoError(t, s.CreateLeaseStoreIfNotExists(ctx))
	require.NoError(t, s.CreateAllLeasesIfNotExists(ctx, []string{"0"}))
	lease, err := s.GetLease(ctx, "0")
	require.NoError(t, err)
	ok, err := s.AcquireLease(ctx, lease)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.UpdateCheckpoint(ctx, lease, types.Checkpoint{Offset: "9", SequenceNumber: 9}))
	require.NoError(t, db.Close())

	db, err = OpenSQLite(ctx, SQLiteConfig{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	got, err := db.NewStore("host-b").GetLease(ctx, "0")
	require.NoError(t, err)
	require.Equal(t, "host-a", got.Owner)
	require.Equal(t, lease.Token, got.Token)
	require.Equal(t, lease.ExpiresAt.UnixNano(), got.ExpiresAt.UnixNano())
	require.Equal(t, int64(9), got.SequenceNumber)
}

func TestCreateLeasesRequiresStore(t *testing.T) {
	s := openTestDB(t).NewStore("host-a")

	err := s.CreateAllLeasesIfNotExists(t.Context(), []string{"0"})
	require.ErrorIs(t, err, types.ErrStoreNotInitialized)

	_, err = s.GetAllLeases(t.Context())
	require.ErrorIs(t, err, types.ErrStoreNotInitialized)
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: Postgres}
	require.Equal(t, "UPDATE t SET a = $1 WHERE b = $2 AND c = $3", pg.rebind("UPDATE t SET a = ? WHERE b = ? AND c = ?"))

	lite := &DB{dialect: SQLite}
	require.Equal(t, "SELECT ? FROM t", lite.rebind("SELECT ? FROM t"))
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite(t.Context(), SQLiteConfig{})
	require.Error(t, err)
}
