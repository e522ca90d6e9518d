// Package memory provides an in-process lease and checkpoint store.
//
// A Backend is the shared lease table; every host gets its own Store view of it through
// Backend.NewStore. There is no process-wide state: tests create one Backend per case.
// The conditional acquire, renew and release semantics are the same as the durable stores.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/arloliu/ephost/leasestore"
	"github.com/arloliu/ephost/types"
)

// DefaultLeaseDuration is the lease duration used when none is configured.
const DefaultLeaseDuration = 30 * time.Second

// Backend is a shared in-memory lease table.
type Backend struct {
	mu              sync.Mutex
	leaseStore      bool
	checkpointStore bool
	leases          map[string]*types.Lease
}

// NewBackend creates an empty backend.
func NewBackend() *Backend {
	return &Backend{leases: make(map[string]*types.Lease)}
}

// Leases returns a copy of every persisted lease, including tokens.
func (b *Backend) Leases() []types.Lease {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.Lease, 0, len(b.leases))
	for _, l := range b.leases {
		out = append(out, *l)
	}

	return out
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry decisions.
func WithClock(clock leasestore.Clock) Option {
	return func(s *Store) {
		s.now = clock
	}
}

// WithLeaseDuration sets how long an acquire or renew keeps the lease.
func WithLeaseDuration(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.leaseDuration = d
		}
	}
}

// Store is one host's view of a Backend. It implements types.LeaseStore and
// types.CheckpointStore.
type Store struct {
	backend       *Backend
	host          string
	leaseDuration time.Duration
	now           leasestore.Clock
	cache         *leasestore.CheckpointCache
}

var _ leasestore.Store = (*Store)(nil)

// NewStore returns a store acting on behalf of host.
func (b *Backend) NewStore(host string, opts ...Option) *Store {
	s := &Store{
		backend:       b,
		host:          host,
		leaseDuration: DefaultLeaseDuration,
		now:           time.Now,
		cache:         leasestore.NewCheckpointCache(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// New creates a store on a fresh private backend.
func New(host string, opts ...Option) *Store {
	return NewBackend().NewStore(host, opts...)
}

// Backend returns the shared table behind the store.
func (s *Store) Backend() *Backend {
	return s.backend
}

// HostName returns the host the store acts for.
func (s *Store) HostName() string {
	return s.host
}

// LeaseDuration returns how long an acquire or renew keeps a lease.
func (s *Store) LeaseDuration() time.Duration {
	return s.leaseDuration
}

// LeaseStoreExists implements types.LeaseStore.
func (s *Store) LeaseStoreExists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	return s.backend.leaseStore, nil
}

// CreateLeaseStoreIfNotExists implements types.LeaseStore.
func (s *Store) CreateLeaseStoreIfNotExists(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.leaseStore = true

	return nil
}

// DeleteLeaseStore implements types.LeaseStore.
func (s *Store) DeleteLeaseStore(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	s.backend.leaseStore = false
	s.backend.checkpointStore = false
	s.backend.leases = make(map[string]*types.Lease)
	s.cache.Clear()

	return nil
}

// CreateAllLeasesIfNotExists implements types.LeaseStore.
func (s *Store) CreateAllLeasesIfNotExists(ctx context.Context, partitionIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	if !s.backend.leaseStore {
		return types.ErrStoreNotInitialized
	}
	for _, id := range partitionIDs {
		if _, ok := s.backend.leases[id]; !ok {
			s.backend.leases[id] = types.NewLease(id)
		}
	}

	return nil
}

// GetLease implements types.LeaseStore.
func (s *Store) GetLease(ctx context.Context, partitionID string) (*types.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	stored, ok := s.backend.leases[partitionID]
	if !ok {
		return nil, types.ErrLeaseNotFound
	}
	out := stored.Clone()
	leasestore.Observe(out, s.now())

	return out, nil
}

// GetAllLeases implements types.LeaseStore.
func (s *Store) GetAllLeases(ctx context.Context) ([]types.BaseLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	if !s.backend.leaseStore {
		return nil, types.ErrStoreNotInitialized
	}
	now := s.now()
	out := make([]types.BaseLease, 0, len(s.backend.leases))
	for _, stored := range s.backend.leases {
		out = append(out, types.BaseLease{
			PartitionID: stored.PartitionID,
			Owner:       stored.Owner,
			Owned:       !stored.IsExpired(now),
		})
	}

	return out, nil
}

// AcquireLease implements types.LeaseStore.
func (s *Store) AcquireLease(ctx context.Context, lease *types.Lease) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	stored, ok := s.backend.leases[lease.PartitionID]
	if !ok {
		return false, types.ErrLeaseNotFound
	}
	now := s.now()
	if !leasestore.CanAcquire(stored, s.host, lease.Token, now) {
		return false, nil
	}

	leasestore.Grant(stored, s.host, s.leaseDuration, now)
	leasestore.CopyOwnership(lease, stored)
	lease.SetCheckpoint(stored.Checkpoint())

	return true, nil
}

// RenewLease implements types.LeaseStore.
func (s *Store) RenewLease(ctx context.Context, lease *types.Lease) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	stored, ok := s.backend.leases[lease.PartitionID]
	if !ok {
		return false, types.ErrLeaseNotFound
	}
	if !leasestore.CanRenew(stored, s.host, lease.Token) {
		return false, nil
	}

	leasestore.Extend(stored, s.leaseDuration, s.now())
	leasestore.CopyOwnership(lease, stored)

	return true, nil
}

// ReleaseLease implements types.LeaseStore.
func (s *Store) ReleaseLease(ctx context.Context, lease *types.Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	stored, ok := s.backend.leases[lease.PartitionID]
	if !ok || !leasestore.CanRenew(stored, s.host, lease.Token) {
		return nil
	}

	leasestore.Clear(stored)
	leasestore.CopyOwnership(lease, stored)

	return nil
}

// UpdateLease implements types.LeaseStore.
func (s *Store) UpdateLease(ctx context.Context, lease *types.Lease) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	stored, ok := s.backend.leases[lease.PartitionID]
	if !ok {
		return false, types.ErrLeaseNotFound
	}
	if !leasestore.CanRenew(stored, s.host, lease.Token) {
		return false, nil
	}
	leasestore.Extend(stored, s.leaseDuration, s.now())

	s.cache.Merge(lease)
	leasestore.MergeStored(lease, stored)
	stored.SetCheckpoint(lease.Checkpoint())
	leasestore.CopyOwnership(lease, stored)

	return true, nil
}

// DeleteLease implements types.LeaseStore.
func (s *Store) DeleteLease(ctx context.Context, partitionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	delete(s.backend.leases, partitionID)
	s.cache.Delete(partitionID)

	return nil
}

// CheckpointStoreExists implements types.CheckpointStore.
func (s *Store) CheckpointStoreExists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	return s.backend.checkpointStore, nil
}

// CreateCheckpointStoreIfNotExists implements types.CheckpointStore.
func (s *Store) CreateCheckpointStoreIfNotExists(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.checkpointStore = true

	return nil
}

// CreateAllCheckpointsIfNotExists implements types.CheckpointStore.
// Checkpoints live in the lease records, so this only makes sure the records exist.
func (s *Store) CreateAllCheckpointsIfNotExists(ctx context.Context, partitionIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	if !s.backend.checkpointStore {
		return types.ErrStoreNotInitialized
	}
	for _, id := range partitionIDs {
		if _, ok := s.backend.leases[id]; !ok {
			s.backend.leases[id] = types.NewLease(id)
		}
	}

	return nil
}

// GetCheckpoint implements types.CheckpointStore.
func (s *Store) GetCheckpoint(ctx context.Context, partitionID string) (*types.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	stored, ok := s.backend.leases[partitionID]
	if !ok {
		return nil, types.ErrLeaseNotFound
	}
	cp := stored.Checkpoint()
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
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	if stored, ok := s.backend.leases[partitionID]; ok {
		stored.SetCheckpoint(types.Checkpoint{})
	}
	s.cache.Delete(partitionID)

	return nil
}
