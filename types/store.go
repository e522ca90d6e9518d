package types

import "context"

// LeaseStore is the durable per-partition lease store.
//
// Implementations enforce single ownership through conditional writes. Losing a race is a
// normal outcome reported as (false, nil), never as an error; errors are reserved for
// transport or storage failures.
//
// The lease passed to AcquireLease, RenewLease, ReleaseLease and UpdateLease is updated in
// place on success (owner, token, epoch, expiry).
type LeaseStore interface {
	// LeaseStoreExists reports whether the backing store has been created.
	LeaseStoreExists(ctx context.Context) (bool, error)

	// CreateLeaseStoreIfNotExists creates the backing store. Idempotent.
	CreateLeaseStoreIfNotExists(ctx context.Context) error

	// DeleteLeaseStore removes the backing store and every lease in it.
	DeleteLeaseStore(ctx context.Context) error

	// CreateAllLeasesIfNotExists creates one lease record per partition id.
	// Existing records are left untouched, including their ownership.
	CreateAllLeasesIfNotExists(ctx context.Context, partitionIDs []string) error

	// GetLease returns the full lease, or ErrLeaseNotFound.
	GetLease(ctx context.Context, partitionID string) (*Lease, error)

	// GetAllLeases returns the lightweight inventory. May be eventually consistent.
	GetAllLeases(ctx context.Context) ([]BaseLease, error)

	// AcquireLease takes the lease for the store's host. It succeeds when the lease is
	// unowned or expired, already owned by this host, or still carries the token the
	// caller observed (stealing). On success the epoch is incremented and a new token issued.
	AcquireLease(ctx context.Context, lease *Lease) (bool, error)

	// RenewLease extends the lease. Returns false when ownership was lost.
	RenewLease(ctx context.Context, lease *Lease) (bool, error)

	// ReleaseLease relinquishes the lease. Succeeds even if the lease was already lost.
	ReleaseLease(ctx context.Context, lease *Lease) error

	// UpdateLease renews the lease and then persists its checkpoint fields.
	// A renew failure aborts the update and reports false.
	UpdateLease(ctx context.Context, lease *Lease) (bool, error)

	// DeleteLease removes a single lease record.
	DeleteLease(ctx context.Context, partitionID string) error
}

// CheckpointStore records per-partition positions.
//
// Backends may persist checkpoints inside the lease record; in that case the store applies
// the merge rule so a stale lease write never regresses a more advanced cached position.
type CheckpointStore interface {
	// CheckpointStoreExists reports whether the checkpoint store has been created.
	CheckpointStoreExists(ctx context.Context) (bool, error)

	// CreateCheckpointStoreIfNotExists creates the checkpoint store. Idempotent.
	CreateCheckpointStoreIfNotExists(ctx context.Context) error

	// CreateAllCheckpointsIfNotExists creates one checkpoint holder per partition. Idempotent.
	CreateAllCheckpointsIfNotExists(ctx context.Context, partitionIDs []string) error

	// GetCheckpoint returns the recorded checkpoint, or nil when none has been recorded.
	GetCheckpoint(ctx context.Context, partitionID string) (*Checkpoint, error)

	// UpdateCheckpoint records cp for the partition owned through lease.
	// Returns ErrLeaseLost when the lease can no longer be renewed.
	UpdateCheckpoint(ctx context.Context, lease *Lease, cp Checkpoint) error

	// DeleteCheckpoint clears the recorded checkpoint of a partition.
	DeleteCheckpoint(ctx context.Context, partitionID string) error
}
