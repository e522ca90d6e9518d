// Package scanner implements one rebalancing pass over the lease inventory.
//
// Every host runs the same pass independently. The pass computes a fair share of
// leases for this host, acquires unowned or expired leases up to that share, and, if
// still short, steals from a randomly chosen host that owns more than its share.
// The lease store's conditional writes decide every race.
package scanner

import (
	"cmp"
	"context"
	rand "math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arloliu/ephost/internal/logging"
	"github.com/arloliu/ephost/internal/metrics"
	"github.com/arloliu/ephost/types"
)

// PumpTracker reports which partitions already have a running pump.
type PumpTracker interface {
	IsPumping(partitionID string) bool
}

// Notifier receives host-scoped failures.
type Notifier interface {
	Exception(action, partitionID string, err error)
}

// AcquiredFunc is called once for every lease the pass acquired or stole.
type AcquiredFunc func(ctx context.Context, lease *types.Lease)

// Config holds scanner dependencies.
type Config struct {
	// HostName identifies this host in lease records.
	HostName string

	// Store is the lease store.
	Store types.LeaseStore

	// Pumps is used to find leases this host owns but no longer pumps.
	// Nil means every owned lease is assumed to be pumped.
	Pumps PumpTracker

	// OnAcquired receives every successful acquisition.
	OnAcquired AcquiredFunc

	// Notifier receives failures (optional).
	Notifier Notifier

	// Logger (optional).
	Logger types.Logger

	// Metrics (optional).
	Metrics types.MetricsCollector

	// Rand drives the random starting offset and victim selection (optional).
	Rand *rand.Rand
}

// Scanner runs rebalancing passes.
type Scanner struct {
	host       string
	store      types.LeaseStore
	pumps      PumpTracker
	onAcquired AcquiredFunc
	notifier   Notifier
	logger     types.Logger
	metrics    types.MetricsCollector

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a scanner.
func New(cfg Config) *Scanner {
	s := &Scanner{
		host:       cfg.HostName,
		store:      cfg.Store,
		pumps:      cfg.Pumps,
		onAcquired: cfg.OnAcquired,
		notifier:   cfg.Notifier,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		rng:        cfg.Rand,
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	if s.onAcquired == nil {
		s.onAcquired = func(context.Context, *types.Lease) {}
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // not security sensitive
	}

	return s
}

// Plan is the outcome of inventory analysis for one pass.
type Plan struct {
	// Leases is the inventory sorted by partition id and rotated to this host's offset.
	Leases []types.BaseLease

	// OwnerCounts maps every current owner (this host included) to its lease count.
	OwnerCounts map[string]int

	// OurCount is the number of leases this host owns.
	OurCount int

	// UnownedCount is the number of unowned or expired leases.
	UnownedCount int

	// DesiredCount is this host's target share.
	DesiredCount int
}

// HostCount returns the number of distinct hosts, this host included.
func (p Plan) HostCount() int {
	return len(p.OwnerCounts)
}

// DesiredCount returns the target share for one host.
//
// The first pass only takes one lease so a restarting fleet spreads out before peers
// become visible. Afterwards each host aims for floor(total/hosts), plus one while
// leases are left over after integer division and some are still unowned.
func DesiredCount(total, hosts, unowned int, isFirstPass bool) int {
	if isFirstPass {
		return min(1, total)
	}
	if hosts < 1 {
		hosts = 1
	}
	desired := total / hosts
	if total%hosts != 0 && unowned > 0 {
		desired++
	}

	return desired
}

// Analyze builds the plan for a pass from the raw inventory.
func (s *Scanner) Analyze(inventory []types.BaseLease, isFirstPass bool) Plan {
	leases := slices.Clone(inventory)
	slices.SortFunc(leases, func(a, b types.BaseLease) int {
		return cmp.Compare(a.PartitionID, b.PartitionID)
	})

	plan := Plan{OwnerCounts: map[string]int{s.host: 0}}
	for _, l := range leases {
		if !l.Owned {
			plan.UnownedCount++
			continue
		}
		plan.OwnerCounts[l.Owner]++
		if l.Owner == s.host {
			plan.OurCount++
		}
	}
	plan.DesiredCount = DesiredCount(len(leases), plan.HostCount(), plan.UnownedCount, isFirstPass)

	if n := len(leases); n > 0 {
		offset := s.startOffset(plan, n, isFirstPass) % n
		rotated := make([]types.BaseLease, 0, n)
		rotated = append(rotated, leases[offset:]...)
		leases = append(rotated, leases[:offset]...)
	}
	plan.Leases = leases

	return plan
}

// startOffset is the rotation offset for this host: its sorted rank times the desired
// count, or a random offset on the first pass when peers are not reliably known.
func (s *Scanner) startOffset(plan Plan, total int, isFirstPass bool) int {
	if isFirstPass {
		return s.intN(total)
	}

	owners := make([]string, 0, len(plan.OwnerCounts))
	for o := range plan.OwnerCounts {
		owners = append(owners, o)
	}
	slices.Sort(owners)
	rank := slices.Index(owners, s.host)

	return rank * plan.DesiredCount
}

func (s *Scanner) intN(n int) int {
	if n <= 1 {
		return 0
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()

	return s.rng.IntN(n)
}

// Scan runs one rebalancing pass.
//
// Parameters:
//   - ctx: Context for store calls
//   - isFirstPass: true for the first pass after startup
//
// Returns:
//   - bool: true if at least one lease was stolen from another host
//   - error: inventory failure; individual acquisition failures are reported to the
//     notifier and never abort the pass
func (s *Scanner) Scan(ctx context.Context, isFirstPass bool) (bool, error) {
	start := time.Now()

	inventory, err := s.store.GetAllLeases(ctx)
	if err != nil {
		s.notify(types.ActionCheckingLeases, "", err)
		s.metrics.RecordScan(time.Since(start).Seconds(), false)

		return false, types.NewActionError(types.ActionCheckingLeases, "", err)
	}

	plan := s.Analyze(inventory, isFirstPass)
	s.metrics.RecordOwnedLeases(plan.OurCount)
	s.logger.Debug("scan pass",
		"host", s.host,
		"total", len(plan.Leases),
		"hosts", plan.HostCount(),
		"ours", plan.OurCount,
		"unowned", plan.UnownedCount,
		"desired", plan.DesiredCount,
		"first_pass", isFirstPass,
	)

	// Leases recorded as ours without a running pump are reclaimed unconditionally;
	// they already count toward our share.
	var orphans, unowned []types.BaseLease
	for _, l := range plan.Leases {
		switch {
		case !l.Owned:
			unowned = append(unowned, l)
		case l.Owner == s.host && s.pumps != nil && !s.pumps.IsPumping(l.PartitionID):
			orphans = append(orphans, l)
		}
	}
	if len(orphans) > 0 {
		s.acquireParallel(ctx, orphans, s.host)
	}

	need := plan.DesiredCount - plan.OurCount
	for next := 0; need > 0 && next < len(unowned); {
		chunk := unowned[next:min(next+need, len(unowned))]
		next += len(chunk)
		acquired, _ := s.acquireParallel(ctx, chunk, "")
		need -= acquired
	}

	stole := false
	switch {
	case need > 0:
		stole = s.steal(ctx, plan, need)
	case !isFirstPass && plan.UnownedCount == 0:
		stole = s.rebalance(ctx, plan, plan.DesiredCount-need)
	}

	s.metrics.RecordScan(time.Since(start).Seconds(), stole)

	return stole, nil
}

// steal takes up to need leases from one randomly chosen over-subscribed host.
func (s *Scanner) steal(ctx context.Context, plan Plan, need int) bool {
	victim, ok := s.pickVictim(plan, plan.DesiredCount+1)
	if !ok {
		return false
	}

	return s.stealFrom(ctx, plan, victim, min(plan.OwnerCounts[victim]-plan.DesiredCount, need))
}

// rebalance takes one lease from a host owning at least ours+2. With every lease owned,
// floor(total/hosts) can be met by every other host while one still holds two extra.
func (s *Scanner) rebalance(ctx context.Context, plan Plan, ours int) bool {
	victim, ok := s.pickVictim(plan, ours+2)
	if !ok {
		return false
	}

	return s.stealFrom(ctx, plan, victim, 1)
}

// pickVictim returns a random other host owning at least threshold leases.
func (s *Scanner) pickVictim(plan Plan, threshold int) (string, bool) {
	var bigOwners []string
	for owner, n := range plan.OwnerCounts {
		if owner != s.host && n >= threshold {
			bigOwners = append(bigOwners, owner)
		}
	}
	if len(bigOwners) == 0 {
		return "", false
	}
	slices.Sort(bigOwners)

	return bigOwners[s.intN(len(bigOwners))], true
}

func (s *Scanner) stealFrom(ctx context.Context, plan Plan, victim string, count int) bool {
	var targets []types.BaseLease
	for _, l := range plan.Leases {
		if len(targets) == count {
			break
		}
		if l.Owned && l.Owner == victim {
			targets = append(targets, l)
		}
	}

	s.logger.Info("stealing leases", "host", s.host, "victim", victim, "count", len(targets))

	_, stolen := s.acquireParallel(ctx, targets, victim)

	return stolen > 0
}

// acquireParallel attempts every lease in chunk concurrently. expectedOwner is the owner
// the lease must still have for the attempt to proceed: "" for unowned leases, the victim
// for steals, this host for orphans.
//
// Returns the number of acquisitions and how many of them were steals.
func (s *Scanner) acquireParallel(ctx context.Context, chunk []types.BaseLease, expectedOwner string) (int, int) {
	var acquired, stolen atomic.Int32

	var g errgroup.Group
	for _, bl := range chunk {
		g.Go(func() error {
			ok, wasSteal := s.acquireOne(ctx, bl.PartitionID, expectedOwner)
			if ok {
				acquired.Add(1)
				if wasSteal {
					stolen.Add(1)
				}
			}

			return nil
		})
	}
	_ = g.Wait()

	return int(acquired.Load()), int(stolen.Load())
}

func (s *Scanner) acquireOne(ctx context.Context, partitionID, expectedOwner string) (bool, bool) {
	stealing := expectedOwner != "" && expectedOwner != s.host
	action := types.ActionCheckingLeases
	if stealing {
		action = types.ActionStealingLease
	}

	lease, err := s.store.GetLease(ctx, partitionID)
	if err != nil {
		s.notify(action, partitionID, err)
		return false, false
	}

	if lease.Owned && lease.Owner != expectedOwner && lease.Owner != s.host {
		s.logger.Debug("lease taken before acquire",
			"host", s.host, "partition_id", partitionID, "owner", lease.Owner)

		return false, false
	}
	// The victim may have let go in the meantime; then this is an ordinary acquire.
	stealing = stealing && lease.Owned && lease.Owner == expectedOwner

	ok, err := s.store.AcquireLease(ctx, lease)
	if err != nil {
		s.notify(action, partitionID, err)
		return false, false
	}
	if !ok {
		s.logger.Debug("lost lease race", "host", s.host, "partition_id", partitionID, "stealing", stealing)
		return false, false
	}

	s.logger.Info("lease acquired",
		"host", s.host, "partition_id", partitionID, "epoch", lease.Epoch, "stolen", stealing)
	s.metrics.RecordLeaseAcquired(stealing)
	s.onAcquired(ctx, lease)

	return true, stealing
}

func (s *Scanner) notify(action, partitionID string, err error) {
	s.logger.Warn("scan operation failed",
		"host", s.host, "action", action, "partition_id", partitionID, "error", err)
	if s.notifier != nil {
		s.notifier.Exception(action, partitionID, err)
	}
}
