package pump

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/ephost/types"
)

// Manager maps partition ids to running pumps.
//
// The map supports atomic check-then-insert, so a partition never has two registered
// pumps. A pump removes itself when it reaches PumpStateClosed: the manager watches
// every pump's Done channel instead of polling.
type Manager struct {
	cfg   Config
	deps  Deps
	pumps *xsync.Map[string, *Pump]
}

// NewManager creates an empty pump manager.
func NewManager(cfg Config, deps Deps) *Manager {
	cfg.setDefaults()
	deps.setDefaults()

	return &Manager{
		cfg:   cfg,
		deps:  deps,
		pumps: xsync.NewMap[string, *Pump](),
	}
}

// AddPump starts a pump for an acquired lease.
//
// If a pump is already registered for the partition (a zombie that kept running after
// losing its lease) it is replaced atomically and told to shut down without waiting.
//
// Parameters:
//   - ctx: Lifecycle context of the new pump; cancelling it closes the pump
//   - lease: The acquired lease, copied by the pump
//
// Returns:
//   - *Pump: The started pump
func (m *Manager) AddPump(ctx context.Context, lease *types.Lease) *Pump {
	p := New(ctx, lease.Clone(), m.cfg, m.deps)

	var zombie *Pump
	m.pumps.Compute(lease.PartitionID, func(old *Pump, loaded bool) (*Pump, xsync.ComputeOp) {
		if loaded {
			zombie = old
		}

		return p, xsync.UpdateOp
	})

	if zombie != nil {
		m.deps.Logger.Warn("replacing zombie pump",
			"host", m.cfg.HostName, "partition_id", lease.PartitionID, "state", zombie.State().String())
		zombie.requestClose(types.CloseReasonShutdown)
	}

	p.Start()
	m.watch(p)
	m.deps.Metrics.RecordActivePumps(m.pumps.Size())

	return p
}

// watch removes p from the map once it closed, unless it was already replaced.
func (m *Manager) watch(p *Pump) {
	go func() {
		defer close(p.unregistered)
		<-p.Done()

		m.pumps.Compute(p.PartitionID(), func(cur *Pump, loaded bool) (*Pump, xsync.ComputeOp) {
			if loaded && cur == p {
				return nil, xsync.DeleteOp
			}

			return cur, xsync.CancelOp
		})
		m.deps.Metrics.RecordActivePumps(m.pumps.Size())
	}()
}

// RemovePump closes the pump of a partition and waits for it.
// It is a no-op when no pump is registered.
func (m *Manager) RemovePump(ctx context.Context, partitionID string, reason types.CloseReason) error {
	p, ok := m.pumps.Load(partitionID)
	if !ok {
		return nil
	}

	return p.Close(ctx, reason)
}

// RemoveAllPumps closes every registered pump concurrently and waits until each has
// closed and been removed, or ctx expires. Pumps added after the call started are
// left running.
func (m *Manager) RemoveAllPumps(ctx context.Context, reason types.CloseReason) error {
	var pumps []*Pump
	m.pumps.Range(func(_ string, p *Pump) bool {
		pumps = append(pumps, p)
		return true
	})

	errs := make([]error, len(pumps))
	var wg sync.WaitGroup
	for i, p := range pumps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.Close(ctx, reason)
		}()
	}
	wg.Wait()

	for _, p := range pumps {
		select {
		case <-p.unregistered:
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		}
	}

	return errors.Join(errs...)
}

// IsPumping reports whether a pump is registered for the partition.
func (m *Manager) IsPumping(partitionID string) bool {
	_, ok := m.pumps.Load(partitionID)
	return ok
}

// Pump returns the registered pump of a partition.
func (m *Manager) Pump(partitionID string) (*Pump, bool) {
	return m.pumps.Load(partitionID)
}

// OwnedPartitions returns the sorted ids of partitions with a registered pump.
func (m *Manager) OwnedPartitions() []string {
	ids := make([]string, 0, m.pumps.Size())
	m.pumps.Range(func(id string, _ *Pump) bool {
		ids = append(ids, id)
		return true
	})
	slices.Sort(ids)

	return ids
}

// Count returns the number of registered pumps.
func (m *Manager) Count() int {
	return m.pumps.Size()
}
