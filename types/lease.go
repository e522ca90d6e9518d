package types

import "time"

// Lease is a renewable, token-protected claim of exclusive ownership over one partition.
//
// A Lease record is created once per partition when the store is initialized and lives for
// the lifetime of the deployment. Only Owner, Token, Epoch, ExpiresAt and the checkpoint
// fields change, driven by acquire/renew/release/steal/checkpoint operations.
//
// Two reads of the same lease without an intervening acquire must never be assumed to
// represent the same ownership epoch.
type Lease struct {
	// PartitionID identifies the partition. Immutable after creation.
	PartitionID string `json:"partitionId"`

	// Owner is the host name currently holding the lease, or empty if unowned.
	Owner string `json:"owner"`

	// Owned reports whether the store observed the lease as currently held
	// (owner set and not expired). Derived on read, never persisted.
	Owned bool `json:"-"`

	// Epoch is incremented every time the lease is acquired or stolen.
	// Stream receivers use it to fence stale readers.
	Epoch int64 `json:"epoch"`

	// Token is the opaque fencing token proving current possession.
	// It changes whenever the lease changes hands.
	Token string `json:"token"`

	// ExpiresAt is when the current possession lapses unless renewed.
	ExpiresAt time.Time `json:"expiresAt"`

	// Offset is the last durably recorded offset ("" when no checkpoint exists).
	Offset string `json:"offset,omitempty"`

	// SequenceNumber is the last durably recorded sequence number.
	SequenceNumber int64 `json:"sequenceNumber"`
}

// NewLease returns an unowned lease for the given partition with no checkpoint.
func NewLease(partitionID string) *Lease {
	return &Lease{PartitionID: partitionID}
}

// Clone returns a copy of the lease that can be mutated independently.
func (l *Lease) Clone() *Lease {
	if l == nil {
		return nil
	}
	c := *l

	return &c
}

// IsExpired reports whether the lease possession has lapsed at the given instant.
// A lease with no owner is always considered expired.
func (l *Lease) IsExpired(now time.Time) bool {
	if l.Owner == "" {
		return true
	}

	return !now.Before(l.ExpiresAt)
}

// IsOwnedBy reports whether the lease is currently held by the given host.
func (l *Lease) IsOwnedBy(host string) bool {
	return l.Owned && l.Owner == host
}

// Checkpoint returns the position recorded in the lease.
func (l *Lease) Checkpoint() Checkpoint {
	return Checkpoint{
		PartitionID:    l.PartitionID,
		Offset:         l.Offset,
		SequenceNumber: l.SequenceNumber,
	}
}

// SetCheckpoint copies the position of cp into the lease.
func (l *Lease) SetCheckpoint(cp Checkpoint) {
	l.Offset = cp.Offset
	l.SequenceNumber = cp.SequenceNumber
}

// Base returns the lightweight projection used by full inventory scans.
func (l *Lease) Base() BaseLease {
	return BaseLease{PartitionID: l.PartitionID, Owner: l.Owner, Owned: l.Owned}
}

// BaseLease is the lightweight lease projection returned by inventory scans.
//
// It intentionally excludes the token and checkpoint so a full-store scan stays cheap.
type BaseLease struct {
	PartitionID string
	Owner       string
	Owned       bool
}

// Checkpoint is a durable marker of the last processed position within a partition.
type Checkpoint struct {
	PartitionID    string `json:"partitionId"`
	Offset         string `json:"offset"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// IsInitialized reports whether the checkpoint records a real position.
func (c Checkpoint) IsInitialized() bool {
	return c.Offset != ""
}

// IsAfter reports whether c is strictly more advanced than other.
//
// Positions are ordered by sequence number; an uninitialized checkpoint is never after anything.
func (c Checkpoint) IsAfter(other Checkpoint) bool {
	if !c.IsInitialized() {
		return false
	}
	if !other.IsInitialized() {
		return true
	}

	return c.SequenceNumber > other.SequenceNumber
}
