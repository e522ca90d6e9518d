package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/ephost/internal/logging"
	"github.com/arloliu/ephost/leasestore"
	"github.com/arloliu/ephost/types"
)

const (
	// DefaultLeaseDuration is the lease duration used when none is configured.
	DefaultLeaseDuration = 30 * time.Second

	leaseStoreName      = "leases"
	checkpointStoreName = "checkpoints"

	// casAttempts bounds read-modify-write loops that lose to unrelated writes.
	casAttempts = 5
)

// Option configures a Store.
type Option func(*Store)

// WithLeaseDuration sets how long an acquire or renew keeps the lease.
func WithLeaseDuration(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.leaseDuration = d
		}
	}
}

// WithClock overrides the time source used for expiry decisions.
func WithClock(clock leasestore.Clock) Option {
	return func(s *Store) {
		s.now = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is one host's view of the lease table. It implements types.LeaseStore and
// types.CheckpointStore.
type Store struct {
	db            *DB
	host          string
	leaseDuration time.Duration
	now           leasestore.Clock
	cache         *leasestore.CheckpointCache
	logger        types.Logger
}

var _ leasestore.Store = (*Store)(nil)

// NewStore returns a store acting on behalf of host.
func (d *DB) NewStore(host string, opts ...Option) *Store {
	s := &Store{
		db:            d,
		host:          host,
		leaseDuration: DefaultLeaseDuration,
		now:           time.Now,
		cache:         leasestore.NewCheckpointCache(),
		logger:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// HostName returns the host the store acts for.
func (s *Store) HostName() string {
	return s.host
}

// LeaseDuration returns how long an acquire or renew keeps a lease.
func (s *Store) LeaseDuration() time.Duration {
	return s.leaseDuration
}

const selectLease = `SELECT partition_id, owner, token, epoch, expires_at_ns, checkpoint_offset, checkpoint_sequence, version
FROM ephost_leases`

type scanner interface {
	Scan(dest ...any) error
}

func scanLease(row scanner) (*types.Lease, int64, error) {
	var (
		lease     types.Lease
		expiresNs int64
		version   int64
	)
	if err := row.Scan(&lease.PartitionID, &lease.Owner, &lease.Token, &lease.Epoch, &expiresNs,
		&lease.Offset, &lease.SequenceNumber, &version); err != nil {
		return nil, 0, err
	}
	if expiresNs != 0 {
		lease.ExpiresAt = time.Unix(0, expiresNs)
	}

	return &lease, version, nil
}

func expiresNs(lease *types.Lease) int64 {
	if lease.ExpiresAt.IsZero() {
		return 0
	}

	return lease.ExpiresAt.UnixNano()
}

func (s *Store) load(ctx context.Context, partitionID string) (*types.Lease, int64, error) {
	lease, version, err := scanLease(s.db.queryRow(ctx, selectLease+` WHERE partition_id = ?`, partitionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, types.ErrLeaseNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read lease %s: %w", partitionID, err)
	}
	leasestore.Observe(lease, s.now())

	return lease, version, nil
}

// mutate runs a conditional read-modify-write on one lease row.
//
// fn inspects the stored lease and either changes it and returns true, or returns false
// to leave the row alone. When the version moved in between, the row is read again and
// fn decides on the latest state.
func (s *Store) mutate(ctx context.Context, partitionID string, fn func(stored *types.Lease) bool) (*types.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	for attempt := 1; ; attempt++ {
		stored, version, err := s.load(ctx, partitionID)
		if err != nil {
			return nil, false, err
		}
		if !fn(stored) {
			return stored, false, nil
		}

		res, err := s.db.exec(ctx, `UPDATE ephost_leases
SET owner = ?, token = ?, epoch = ?, expires_at_ns = ?, checkpoint_offset = ?, checkpoint_sequence = ?, version = version + 1
WHERE partition_id = ? AND version = ?`,
			stored.Owner, stored.Token, stored.Epoch, expiresNs(stored), stored.Offset, stored.SequenceNumber,
			partitionID, version)
		if err != nil {
			return nil, false, fmt.Errorf("failed to write lease %s: %w", partitionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, err
		}
		if n == 1 {
			return stored, true, nil
		}

		s.logger.Debug("lease write conflict", "partition_id", partitionID, "attempt", attempt)
		if attempt >= casAttempts {
			return stored, false, nil
		}
	}
}

func (s *Store) storeExists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var n int
	err := s.db.queryRow(ctx, `SELECT COUNT(*) FROM ephost_stores WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check store %s: %w", name, err)
	}

	return n > 0, nil
}

func (s *Store) createStore(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.db.exec(ctx, `INSERT INTO ephost_stores(name, created_at_ns) VALUES(?, ?) ON CONFLICT (name) DO NOTHING`,
		name, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create store %s: %w", name, err)
	}

	return nil
}

func (s *Store) createRows(ctx context.Context, partitionIDs []string) error {
	for _, id := range partitionIDs {
		_, err := s.db.exec(ctx, `INSERT INTO ephost_leases(partition_id) VALUES(?) ON CONFLICT (partition_id) DO NOTHING`, id)
		if err != nil {
			return fmt.Errorf("failed to create lease %s: %w", id, err)
		}
	}

	return nil
}

// LeaseStoreExists implements types.LeaseStore.
func (s *Store) LeaseStoreExists(ctx context.Context) (bool, error) {
	return s.storeExists(ctx, leaseStoreName)
}

// CreateLeaseStoreIfNotExists implements types.LeaseStore.
func (s *Store) CreateLeaseStoreIfNotExists(ctx context.Context) error {
	return s.createStore(ctx, leaseStoreName)
}

// DeleteLeaseStore implements types.LeaseStore. Every lease row and store marker is removed.
func (s *Store) DeleteLeaseStore(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ephost_leases`); err != nil {
		return fmt.Errorf("failed to delete leases: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ephost_stores`); err != nil {
		return fmt.Errorf("failed to delete store markers: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.cache.Clear()

	return nil
}

// CreateAllLeasesIfNotExists implements types.LeaseStore.
func (s *Store) CreateAllLeasesIfNotExists(ctx context.Context, partitionIDs []string) error {
	exists, err := s.LeaseStoreExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return types.ErrStoreNotInitialized
	}

	return s.createRows(ctx, partitionIDs)
}

// GetLease implements types.LeaseStore.
func (s *Store) GetLease(ctx context.Context, partitionID string) (*types.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lease, _, err := s.load(ctx, partitionID)

	return lease, err
}

// GetAllLeases implements types.LeaseStore.
func (s *Store) GetAllLeases(ctx context.Context) ([]types.BaseLease, error) {
	exists, err := s.LeaseStoreExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, types.ErrStoreNotInitialized
	}

	rows, err := s.db.query(ctx, selectLease+` ORDER BY partition_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := s.now()
	var out []types.BaseLease
	for rows.Next() {
		lease, _, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, types.BaseLease{
			PartitionID: lease.PartitionID,
			Owner:       lease.Owner,
			Owned:       !lease.IsExpired(now),
		})
	}

	return out, rows.Err()
}

// AcquireLease implements types.LeaseStore.
func (s *Store) AcquireLease(ctx context.Context, lease *types.Lease) (bool, error) {
	observed := lease.Token
	stored, ok, err := s.mutate(ctx, lease.PartitionID, func(stored *types.Lease) bool {
		now := s.now()
		if !leasestore.CanAcquire(stored, s.host, observed, now) {
			return false
		}
		leasestore.Grant(stored, s.host, s.leaseDuration, now)

		return true
	})
	if err != nil || !ok {
		return false, err
	}

	leasestore.CopyOwnership(lease, stored)
	lease.SetCheckpoint(stored.Checkpoint())

	return true, nil
}

// RenewLease implements types.LeaseStore.
func (s *Store) RenewLease(ctx context.Context, lease *types.Lease) (bool, error) {
	stored, ok, err := s.mutate(ctx, lease.PartitionID, func(stored *types.Lease) bool {
		if !leasestore.CanRenew(stored, s.host, lease.Token) {
			return false
		}
		leasestore.Extend(stored, s.leaseDuration, s.now())

		return true
	})
	if err != nil || !ok {
		return false, err
	}

	leasestore.CopyOwnership(lease, stored)

	return true, nil
}

// ReleaseLease implements types.LeaseStore.
func (s *Store) ReleaseLease(ctx context.Context, lease *types.Lease) error {
	stored, ok, err := s.mutate(ctx, lease.PartitionID, func(stored *types.Lease) bool {
		if !leasestore.CanRenew(stored, s.host, lease.Token) {
			return false
		}
		leasestore.Clear(stored)

		return true
	})
	if errors.Is(err, types.ErrLeaseNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ok {
		leasestore.CopyOwnership(lease, stored)
	}

	return nil
}

// UpdateLease implements types.LeaseStore.
func (s *Store) UpdateLease(ctx context.Context, lease *types.Lease) (bool, error) {
	s.cache.Merge(lease)

	stored, ok, err := s.mutate(ctx, lease.PartitionID, func(stored *types.Lease) bool {
		if !leasestore.CanRenew(stored, s.host, lease.Token) {
			return false
		}
		leasestore.Extend(stored, s.leaseDuration, s.now())

		incoming := lease.Clone()
		leasestore.MergeStored(incoming, stored)
		stored.SetCheckpoint(incoming.Checkpoint())

		return true
	})
	if err != nil || !ok {
		return false, err
	}

	leasestore.CopyOwnership(lease, stored)
	lease.SetCheckpoint(stored.Checkpoint())
	s.cache.Observe(stored.Checkpoint())

	return true, nil
}

// DeleteLease implements types.LeaseStore.
func (s *Store) DeleteLease(ctx context.Context, partitionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.db.exec(ctx, `DELETE FROM ephost_leases WHERE partition_id = ?`, partitionID); err != nil {
		return fmt.Errorf("failed to delete lease %s: %w", partitionID, err)
	}
	s.cache.Delete(partitionID)

	return nil
}

// CheckpointStoreExists implements types.CheckpointStore.
func (s *Store) CheckpointStoreExists(ctx context.Context) (bool, error) {
	return s.storeExists(ctx, checkpointStoreName)
}

// CreateCheckpointStoreIfNotExists implements types.CheckpointStore.
func (s *Store) CreateCheckpointStoreIfNotExists(ctx context.Context) error {
	return s.createStore(ctx, checkpointStoreName)
}

// CreateAllCheckpointsIfNotExists implements types.CheckpointStore.
// Checkpoints live in the lease rows, so this only makes sure the rows exist.
func (s *Store) CreateAllCheckpointsIfNotExists(ctx context.Context, partitionIDs []string) error {
	exists, err := s.CheckpointStoreExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return types.ErrStoreNotInitialized
	}

	return s.createRows(ctx, partitionIDs)
}

// GetCheckpoint implements types.CheckpointStore.
func (s *Store) GetCheckpoint(ctx context.Context, partitionID string) (*types.Checkpoint, error) {
	lease, err := s.GetLease(ctx, partitionID)
	if err != nil {
		return nil, err
	}
	cp := lease.Checkpoint()
	if !cp.IsInitialized() {
		return nil, nil
	}

	return &cp, nil
}

// UpdateCheckpoint implements types.CheckpointStore.
func (s *Store) UpdateCheckpoint(ctx context.Context, lease *types.Lease, cp types.Checkpoint) error {
	return leasestore.UpdateCheckpointViaLease(ctx, s, lease, cp)
}

// DeleteCheckpoint implements types.CheckpointStore.
func (s *Store) DeleteCheckpoint(ctx context.Context, partitionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.db.exec(ctx, `UPDATE ephost_leases
SET checkpoint_offset = '', checkpoint_sequence = 0, version = version + 1
WHERE partition_id = ?`, partitionID); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", partitionID, err)
	}
	s.cache.Delete(partitionID)

	return nil
}
