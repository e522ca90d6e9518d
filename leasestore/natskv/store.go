// Package natskv stores leases and checkpoints in a NATS JetStream KeyValue bucket.
//
// Every partition is one JSON record. Writes are conditional on the record revision
// (jetstream.KeyValue.Update with the revision read), so two hosts that decide on the same
// observed state cannot both succeed. Expiry is evaluated by the reading host against the
// ExpiresAt timestamp in the record; the bucket itself has no TTL.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/zeebo/xxh3"

	"github.com/arloliu/ephost/internal/kvutil"
	"github.com/arloliu/ephost/internal/logging"
	"github.com/arloliu/ephost/internal/natsutil"
	"github.com/arloliu/ephost/leasestore"
	"github.com/arloliu/ephost/types"
)

const (
	// DefaultBucket is the bucket used when none is configured.
	DefaultBucket = "ephost-leases"

	// DefaultLeaseDuration is the lease duration used when none is configured.
	DefaultLeaseDuration = 30 * time.Second

	leasePrefix      = "lease."
	hashedPrefix     = "lease.h."
	checkpointMarker = "meta.checkpoints"

	// casAttempts bounds read-modify-write loops that lose to unrelated writes.
	casAttempts = 5
)

// Option configures a Store.
type Option func(*Store)

// WithBucket sets the KV bucket name.
func WithBucket(bucket string) Option {
	return func(s *Store) {
		if bucket != "" {
			s.bucket = bucket
		}
	}
}

// WithReplicas sets the replica count used when the bucket is created.
func WithReplicas(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.replicas = n
		}
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

// Store implements types.LeaseStore and types.CheckpointStore on a JetStream KV bucket.
type Store struct {
	js            jetstream.JetStream
	bucket        string
	replicas      int
	host          string
	leaseDuration time.Duration
	now           leasestore.Clock
	cache         *leasestore.CheckpointCache
	logger        types.Logger

	mu sync.Mutex
	kv jetstream.KeyValue
}

var _ leasestore.Store = (*Store)(nil)

// New creates a store acting on behalf of host over a NATS connection.
//
// The bucket is opened if it already exists; otherwise it is created by
// CreateLeaseStoreIfNotExists during host initialization.
//
// Parameters:
//   - ctx: Context bounding the bucket lookup
//   - nc: NATS connection with JetStream enabled
//   - host: Host name written as lease owner
//   - opts: Optional configuration
//
// Returns:
//   - *Store: Store ready for use
//   - error: JetStream or lookup error
//
// Example:
//
//	store, err := natskv.New(ctx, nc, cfg.HostName, natskv.WithLeaseDuration(cfg.LeaseDuration))
func New(ctx context.Context, nc *nats.Conn, host string, opts ...Option) (*Store, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return NewFromJetStream(ctx, js, host, opts...)
}

// NewFromJetStream is New for callers that already hold a JetStream context.
func NewFromJetStream(ctx context.Context, js jetstream.JetStream, host string, opts ...Option) (*Store, error) {
	s := &Store{
		js:            js,
		bucket:        DefaultBucket,
		replicas:      1,
		host:          host,
		leaseDuration: DefaultLeaseDuration,
		now:           time.Now,
		cache:         leasestore.NewCheckpointCache(),
		logger:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	kv, err := kvutil.OpenBucket(ctx, js, s.bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", s.bucket, err)
	}
	s.kv = kv

	return s, nil
}

// HostName returns the host the store acts for.
func (s *Store) HostName() string {
	return s.host
}

// LeaseDuration returns how long an acquire or renew keeps a lease.
func (s *Store) LeaseDuration() time.Duration {
	return s.leaseDuration
}

// Bucket returns the KV bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

// keyFor maps a partition id to a KV key. Ids that are not valid key tokens are hashed;
// the record keeps the original id.
func keyFor(partitionID string) string {
	if validToken(partitionID) {
		return leasePrefix + partitionID
	}
	return hashedPrefix + strconv.FormatUint(xxh3.HashString(partitionID), 16)
}

func validToken(s string) bool {
	if s == "" || s[0] == '.' || s[len(s)-1] == '.' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '=':
		default:
			return false
		}
	}

	return true
}

func (s *Store) bucketOrNil() jetstream.KeyValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.kv
}

// open returns the bucket, looking it up again if another host created it after New.
func (s *Store) open(ctx context.Context) (jetstream.KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if kv := s.bucketOrNil(); kv != nil {
		return kv, nil
	}

	kv, err := kvutil.OpenBucket(ctx, s.js, s.bucket)
	if err != nil {
		return nil, err
	}
	if kv == nil {
		return nil, types.ErrStoreNotInitialized
	}

	s.mu.Lock()
	s.kv = kv
	s.mu.Unlock()

	return kv, nil
}

func (s *Store) load(ctx context.Context, kv jetstream.KeyValue, partitionID string) (*types.Lease, uint64, error) {
	entry, err := kv.Get(ctx, keyFor(partitionID))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, 0, types.ErrLeaseNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read lease %s: %w", partitionID, err)
	}

	lease, err := decode(entry.Value())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode lease %s: %w", partitionID, err)
	}
	leasestore.Observe(lease, s.now())

	return lease, entry.Revision(), nil
}

func decode(data []byte) (*types.Lease, error) {
	var lease types.Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, err
	}

	return &lease, nil
}

func encode(lease *types.Lease) ([]byte, error) {
	return json.Marshal(lease)
}

// mutate runs a conditional read-modify-write on one lease record.
//
// fn inspects the stored lease and either changes it and returns true, or returns false
// to leave the record alone. A revision conflict re-reads the record and calls fn again,
// so fn always decides on the latest state.
func (s *Store) mutate(ctx context.Context, partitionID string, fn func(stored *types.Lease) bool) (*types.Lease, bool, error) {
	kv, err := s.open(ctx)
	if err != nil {
		return nil, false, err
	}

	for attempt := 1; ; attempt++ {
		stored, rev, err := s.load(ctx, kv, partitionID)
		if err != nil {
			return nil, false, err
		}
		if !fn(stored) {
			return stored, false, nil
		}

		data, err := encode(stored)
		if err != nil {
			return nil, false, err
		}
		_, err = kv.Update(ctx, keyFor(partitionID), data, rev)
		if err == nil {
			return stored, true, nil
		}
		if !natsutil.IsConflict(err) {
			return nil, false, fmt.Errorf("failed to write lease %s: %w", partitionID, err)
		}

		s.logger.Debug("lease write conflict", "partition_id", partitionID, "attempt", attempt)
		if attempt >= casAttempts {
			return stored, false, nil
		}
	}
}

// LeaseStoreExists implements types.LeaseStore.
func (s *Store) LeaseStoreExists(ctx context.Context) (bool, error) {
	_, err := s.open(ctx)
	if errors.Is(err, types.ErrStoreNotInitialized) {
		return false, nil
	}

	return err == nil, err
}

// CreateLeaseStoreIfNotExists implements types.LeaseStore.
func (s *Store) CreateLeaseStoreIfNotExists(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	kv, err := kvutil.EnsureBucket(ctx, s.js, jetstream.KeyValueConfig{
		Bucket:      s.bucket,
		Description: "ephost leases and checkpoints",
		History:     1,
		Replicas:    s.replicas,
	}, kvutil.DefaultAttempts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.kv = kv
	s.mu.Unlock()

	return nil
}

// DeleteLeaseStore implements types.LeaseStore.
func (s *Store) DeleteLeaseStore(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.js.DeleteKeyValue(ctx, s.bucket)
	if err != nil && !errors.Is(err, jetstream.ErrBucketNotFound) {
		return fmt.Errorf("failed to delete bucket %s: %w", s.bucket, err)
	}

	s.mu.Lock()
	s.kv = nil
	s.mu.Unlock()
	s.cache.Clear()

	return nil
}

// CreateAllLeasesIfNotExists implements types.LeaseStore.
func (s *Store) CreateAllLeasesIfNotExists(ctx context.Context, partitionIDs []string) error {
	kv, err := s.open(ctx)
	if err != nil {
		return err
	}

	for _, id := range partitionIDs {
		data, err := encode(types.NewLease(id))
		if err != nil {
			return err
		}
		if _, err := kv.Create(ctx, keyFor(id), data); err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("failed to create lease %s: %w", id, err)
		}
	}

	return nil
}

// GetLease implements types.LeaseStore.
func (s *Store) GetLease(ctx context.Context, partitionID string) (*types.Lease, error) {
	kv, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	lease, _, err := s.load(ctx, kv, partitionID)

	return lease, err
}

// GetAllLeases implements types.LeaseStore.
func (s *Store) GetAllLeases(ctx context.Context) ([]types.BaseLease, error) {
	kv, err := s.open(ctx)
	if err != nil {
		return nil, err
	}

	lister, err := kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	now := s.now()
	var out []types.BaseLease
	for key := range lister.Keys() {
		if len(key) <= len(leasePrefix) || key[:len(leasePrefix)] != leasePrefix {
			continue
		}
		entry, err := kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		lease, err := decode(entry.Value())
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", key, err)
		}
		out = append(out, types.BaseLease{
			PartitionID: lease.PartitionID,
			Owner:       lease.Owner,
			Owned:       !lease.IsExpired(now),
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return out, nil
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
	kv, err := s.open(ctx)
	if err != nil {
		return err
	}
	if err := kv.Purge(ctx, keyFor(partitionID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete lease %s: %w", partitionID, err)
	}
	s.cache.Delete(partitionID)

	return nil
}

// CheckpointStoreExists implements types.CheckpointStore.
func (s *Store) CheckpointStoreExists(ctx context.Context) (bool, error) {
	kv, err := s.open(ctx)
	if errors.Is(err, types.ErrStoreNotInitialized) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	_, err = kv.Get(ctx, checkpointMarker)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}

	return err == nil, err
}

// CreateCheckpointStoreIfNotExists implements types.CheckpointStore.
// Checkpoints share the lease bucket; a marker key records that the store was set up.
func (s *Store) CreateCheckpointStoreIfNotExists(ctx context.Context) error {
	kv, err := s.open(ctx)
	if errors.Is(err, types.ErrStoreNotInitialized) {
		if err := s.CreateLeaseStoreIfNotExists(ctx); err != nil {
			return err
		}
		kv, err = s.open(ctx)
	}
	if err != nil {
		return err
	}

	_, err = kv.Create(ctx, checkpointMarker, []byte(s.now().UTC().Format(time.RFC3339)))
	if err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("failed to create checkpoint store marker: %w", err)
	}

	return nil
}

// CreateAllCheckpointsIfNotExists implements types.CheckpointStore.
// Checkpoints live in the lease records, so this only makes sure the records exist.
func (s *Store) CreateAllCheckpointsIfNotExists(ctx context.Context, partitionIDs []string) error {
	exists, err := s.CheckpointStoreExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return types.ErrStoreNotInitialized
	}

	return s.CreateAllLeasesIfNotExists(ctx, partitionIDs)
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
	s.cache.Delete(partitionID)
	_, _, err := s.mutate(ctx, partitionID, func(stored *types.Lease) bool {
		if !stored.Checkpoint().IsInitialized() {
			return false
		}
		stored.SetCheckpoint(types.Checkpoint{})

		return true
	})
	if errors.Is(err, types.ErrLeaseNotFound) {
		return nil
	}

	return err
}
