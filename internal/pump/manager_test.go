package pump

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/ephost/types"
)

func newTestManager(e *env) *Manager {
	return NewManager(e.config(), e.deps())
}

func TestManager_AddPump(t *testing.T) {
	e := newEnv(t, 3)
	m := newTestManager(e)
	t.Cleanup(func() { _ = m.RemoveAllPumps(context.Background(), types.CloseReasonShutdown) })

	for _, id := range []string{"2", "0"} {
		p := m.AddPump(t.Context(), e.acquire(t, e.store, id))
		waitState(t, p, types.PumpStateReceiving)
	}

	require.True(t, m.IsPumping("0"))
	require.False(t, m.IsPumping("1"))
	require.True(t, m.IsPumping("2"))
	require.Equal(t, []string{"0", "2"}, m.OwnedPartitions())
	require.Equal(t, 2, m.Count())

	p, ok := m.Pump("2")
	require.True(t, ok)
	require.Equal(t, "2", p.PartitionID())
}

func TestManager_ReplacesZombie(t *testing.T) {
	e := newEnv(t, 1)
	m := newTestManager(e)
	t.Cleanup(func() { _ = m.RemoveAllPumps(context.Background(), types.CloseReasonShutdown) })

	zombie := m.AddPump(t.Context(), e.acquire(t, e.store, "0"))
	waitState(t, zombie, types.PumpStateReceiving)

	// Reacquire the same partition, as the scanner does for a lease it still owns.
	fresh := m.AddPump(t.Context(), e.acquire(t, e.store, "0"))
	waitDone(t, zombie)
	waitState(t, fresh, types.PumpStateReceiving)

	cur, ok := m.Pump("0")
	require.True(t, ok)
	require.Same(t, fresh, cur, "closing the zombie must not unregister its replacement")
	require.Equal(t, 1, m.Count())
	require.Len(t, e.factory.Processors("0"), 2)
	require.Zero(t, e.factory.Overlaps())
}

func TestManager_RemovesClosedPump(t *testing.T) {
	e := newEnv(t, 2)
	m := newTestManager(e)
	t.Cleanup(func() { _ = m.RemoveAllPumps(context.Background(), types.CloseReasonShutdown) })

	p := m.AddPump(t.Context(), e.acquire(t, e.store, "0"))
	waitState(t, p, types.PumpStateReceiving)
	m.AddPump(t.Context(), e.acquire(t, e.store, "1"))

	e.acquire(t, e.backend.NewStore("host-b"), "0")
	waitDone(t, p)

	require.Eventually(t, func() bool { return !m.IsPumping("0") }, waitTimeout, 5*time.Millisecond)
	require.True(t, m.IsPumping("1"))
}

func TestManager_RemovePump(t *testing.T) {
	e := newEnv(t, 1)
	m := newTestManager(e)

	p := m.AddPump(t.Context(), e.acquire(t, e.store, "0"))
	waitState(t, p, types.PumpStateReceiving)

	require.NoError(t, m.RemovePump(t.Context(), "0", types.CloseReasonShutdown))
	require.Equal(t, types.PumpStateClosed, p.State())
	require.NoError(t, m.RemovePump(t.Context(), "missing", types.CloseReasonShutdown))
}

func TestManager_RemoveAllPumps(t *testing.T) {
	e := newEnv(t, 4)
	m := newTestManager(e)

	pumps := make([]*Pump, 0, 4)
	for _, id := range []string{"0", "1", "2", "3"} {
		pumps = append(pumps, m.AddPump(t.Context(), e.acquire(t, e.store, id)))
	}
	for _, p := range pumps {
		waitState(t, p, types.PumpStateReceiving)
	}

	ctx, cancel := context.WithTimeout(t.Context(), waitTimeout)
	defer cancel()
	require.NoError(t, m.RemoveAllPumps(ctx, types.CloseReasonShutdown))

	require.Zero(t, m.Count())
	for _, p := range pumps {
		require.Equal(t, types.PumpStateClosed, p.State())
		require.Equal(t, types.CloseReasonShutdown, p.Reason())
	}
	for _, l := range e.backend.Leases() {
		require.Empty(t, l.Owner, "partition %s should be released", l.PartitionID)
	}
	for _, id := range []string{"0", "1", "2", "3"} {
		closed, reason := e.factory.Latest(id).Closed()
		require.True(t, closed)
		require.Equal(t, types.CloseReasonShutdown, reason)
	}
}

func TestManager_RemoveAllPumpsDuringAdd(t *testing.T) {
	e := newEnv(t, 8)
	m := newTestManager(e)

	leases := make([]*types.Lease, 0, 8)
	for i := range 8 {
		leases = append(leases, e.acquire(t, e.store, strconv.Itoa(i)))
	}

	ctx, cancel := context.WithTimeout(t.Context(), waitTimeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, l := range leases {
			m.AddPump(t.Context(), l)
		}
	}()
	removeErr := m.RemoveAllPumps(ctx, types.CloseReasonShutdown)
	wg.Wait()
	require.NoError(t, removeErr)

	t.Run("pumps added later are removed by the next call", func(t *testing.T) {
		require.NoError(t, m.RemoveAllPumps(ctx, types.CloseReasonShutdown))
		require.Zero(t, m.Count())
		require.Zero(t, e.factory.Overlaps())
	})
}
