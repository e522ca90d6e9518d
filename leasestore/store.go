package leasestore

import (
	"context"
	"fmt"

	"github.com/arloliu/ephost/types"
)

// Store is implemented by backends that keep leases and checkpoints in the same record.
type Store interface {
	types.LeaseStore
	types.CheckpointStore
}

// UpdateCheckpointViaLease records cp by persisting it inside the lease through
// UpdateLease, which renews first. On success the caller's lease reflects the new
// ownership window and the merged position.
//
// Returns types.ErrLeaseLost when the renew step fails.
func UpdateCheckpointViaLease(ctx context.Context, store types.LeaseStore, lease *types.Lease, cp types.Checkpoint) error {
	if cp.PartitionID == "" {
		cp.PartitionID = lease.PartitionID
	}
	if cp.PartitionID != lease.PartitionID {
		return fmt.Errorf("checkpoint partition %q does not match lease partition %q", cp.PartitionID, lease.PartitionID)
	}

	next := lease.Clone()
	next.SetCheckpoint(cp)

	ok, err := store.UpdateLease(ctx, next)
	if err != nil {
		return err
	}
	if !ok {
		return types.ErrLeaseLost
	}

	CopyOwnership(lease, next)
	lease.SetCheckpoint(next.Checkpoint())

	return nil
}
