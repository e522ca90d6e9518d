package leasestore

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/ephost/types"
)

// CheckpointCache remembers the most advanced checkpoint seen per partition.
//
// A lease held by a pump may carry a checkpoint that is older than one already written
// through the same process, for example right after a rebalance before the pump re-read
// its lease. Persisting that lease must not regress the position, so stores pass every
// write through Merge.
type CheckpointCache struct {
	entries *xsync.Map[string, types.Checkpoint]
}

// NewCheckpointCache creates an empty cache.
func NewCheckpointCache() *CheckpointCache {
	return &CheckpointCache{entries: xsync.NewMap[string, types.Checkpoint]()}
}

// Observe records cp if it is more advanced than the cached value.
// Returns the value held after the call.
func (c *CheckpointCache) Observe(cp types.Checkpoint) types.Checkpoint {
	actual, _ := c.entries.Compute(cp.PartitionID, func(old types.Checkpoint, loaded bool) (types.Checkpoint, xsync.ComputeOp) {
		if loaded && !cp.IsAfter(old) {
			return old, xsync.CancelOp
		}
		if !cp.IsInitialized() {
			return old, xsync.CancelOp
		}

		return cp, xsync.UpdateOp
	})

	return actual
}

// Merge applies the merge rule to lease: if the cache holds a more advanced position the
// lease is rewritten to it, otherwise the lease position is recorded in the cache.
//
// Returns true when the lease was changed.
func (c *CheckpointCache) Merge(lease *types.Lease) bool {
	current := lease.Checkpoint()
	best := c.Observe(current)
	if best.IsAfter(current) {
		lease.SetCheckpoint(best)
		return true
	}

	return false
}

// Get returns the cached checkpoint for a partition.
func (c *CheckpointCache) Get(partitionID string) (types.Checkpoint, bool) {
	return c.entries.Load(partitionID)
}

// Delete forgets a partition.
func (c *CheckpointCache) Delete(partitionID string) {
	c.entries.Delete(partitionID)
}

// Clear forgets every partition.
func (c *CheckpointCache) Clear() {
	c.entries.Clear()
}

// Len returns the number of cached partitions.
func (c *CheckpointCache) Len() int {
	return c.entries.Size()
}

// MergeStored applies the merge rule between an incoming lease and the persisted record
// so a write never moves the stored position backwards. The more advanced of the two
// ends up in incoming.
func MergeStored(incoming, stored *types.Lease) {
	if stored.Checkpoint().IsAfter(incoming.Checkpoint()) {
		incoming.SetCheckpoint(stored.Checkpoint())
	}
}
