package pump

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/ephost/internal/logging"
	"github.com/arloliu/ephost/leasestore/memory"
	memstream "github.com/arloliu/ephost/stream/memory"
	ephosttest "github.com/arloliu/ephost/testing"
	"github.com/arloliu/ephost/types"
)

const waitTimeout = 5 * time.Second

type recordingNotifier struct {
	mu         sync.Mutex
	lost       []string
	exceptions []string
}

func (n *recordingNotifier) LeaseLost(partitionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lost = append(n.lost, partitionID)
}

func (n *recordingNotifier) Exception(action, partitionID string, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exceptions = append(n.exceptions, action+"/"+partitionID)
}

func (n *recordingNotifier) Lost() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]string(nil), n.lost...)
}

func (n *recordingNotifier) Exceptions() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]string(nil), n.exceptions...)
}

type env struct {
	backend  *memory.Backend
	store    *memory.Store
	client   *memstream.Client
	factory  *ephosttest.RecordingFactory
	notifier *recordingNotifier
	logger   types.Logger
}

func newEnv(t *testing.T, partitions int, opts ...ephosttest.RecordingOption) *env {
	t.Helper()

	backend := memory.NewBackend()
	e := &env{
		backend:  backend,
		store:    backend.NewStore("host-a"),
		client:   memstream.NewWithCount(partitions),
		factory:  ephosttest.NewRecordingFactory(opts...),
		notifier: &recordingNotifier{},
		logger:   logging.NewTest(t),
	}

	ctx := t.Context()
	ids, err := e.client.PartitionIDs(ctx)
	require.NoError(t, err)
	require.NoError(t, e.store.CreateLeaseStoreIfNotExists(ctx))
	require.NoError(t, e.store.CreateAllLeasesIfNotExists(ctx, ids))
	require.NoError(t, e.store.CreateCheckpointStoreIfNotExists(ctx))
	require.NoError(t, e.store.CreateAllCheckpointsIfNotExists(ctx, ids))

	return e
}

func (e *env) config() Config {
	return Config{
		HostName:            "host-a",
		ConsumerGroup:       "$Default",
		LeaseRenewInterval:  20 * time.Millisecond,
		MaxBatchSize:        10,
		ReceiveTimeout:      20 * time.Millisecond,
		ReceiverOpenRetries: 3,
		OperationTimeout:    time.Second,
		NewBackoff:          func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
}

func (e *env) deps() Deps {
	return Deps{
		Leases:      e.store,
		Checkpoints: e.store,
		Stream:      e.client,
		Factory:     e.factory,
		Notifier:    e.notifier,
		Logger:      e.logger,
	}
}

func (e *env) acquire(t *testing.T, store *memory.Store, partitionID string) *types.Lease {
	t.Helper()

	lease, err := store.GetLease(t.Context(), partitionID)
	require.NoError(t, err)
	ok, err := store.AcquireLease(t.Context(), lease)
	require.NoError(t, err)
	require.True(t, ok)

	return lease
}

func (e *env) publish(t *testing.T, partitionID string, n int) {
	t.Helper()

	for i := range n {
		_, err := e.client.Publish(partitionID, []byte(fmt.Sprintf("event-%d", i)))
		require.NoError(t, err)
	}
}

func (e *env) startPump(t *testing.T, partitionID string) *Pump {
	t.Helper()

	p := New(t.Context(), e.acquire(t, e.store, partitionID), e.config(), e.deps())
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = p.Close(ctx, types.CloseReasonShutdown)
	})

	return p
}

func waitState(t *testing.T, p *Pump, want types.PumpState) {
	t.Helper()
	require.Eventually(t, func() bool { return p.State() == want },
		waitTimeout, 5*time.Millisecond, "pump never reached %s", want)
}

func waitDone(t *testing.T, p *Pump) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("pump for partition %s did not close", p.PartitionID())
	}
}

func storedLease(t *testing.T, e *env, partitionID string) types.Lease {
	t.Helper()
	for _, l := range e.backend.Leases() {
		if l.PartitionID == partitionID {
			return l
		}
	}
	t.Fatalf("lease %s not found", partitionID)

	return types.Lease{}
}

func TestPump_DeliversEventsInOrder(t *testing.T) {
	e := newEnv(t, 1)
	e.publish(t, "0", 25)

	p := e.startPump(t, "0")
	waitState(t, p, types.PumpStateReceiving)
	require.True(t, e.factory.WaitEvents(25, waitTimeout))

	proc := e.factory.Latest("0")
	require.NotNil(t, proc)
	require.True(t, proc.Opened())

	events := proc.Events()
	require.Len(t, events, 25)
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.SequenceNumber)
	}
	require.GreaterOrEqual(t, proc.Batches(), 3, "batches are bounded by MaxBatchSize")

	last, ok := p.LastEvent()
	require.True(t, ok)
	require.Equal(t, int64(25), last.SequenceNumber)
}

func TestPump_CheckpointAndResume(t *testing.T) {
	e := newEnv(t, 1, ephosttest.WithCheckpointEachBatch())
	e.publish(t, "0", 5)

	p := e.startPump(t, "0")
	require.True(t, e.factory.WaitEvents(5, waitTimeout))

	require.Eventually(t, func() bool {
		cp, err := e.store.GetCheckpoint(t.Context(), "0")
		return err == nil && cp != nil && cp.SequenceNumber == 5
	}, waitTimeout, 5*time.Millisecond)

	require.NoError(t, p.Close(t.Context(), types.CloseReasonShutdown))
	require.Equal(t, types.CloseReasonShutdown, p.Reason())

	// Released on shutdown, checkpoint kept.
	stored := storedLease(t, e, "0")
	require.Empty(t, stored.Owner)
	require.Equal(t, "5", stored.Offset)

	e.publish(t, "0", 3)
	next := e.startPump(t, "0")
	require.True(t, e.factory.WaitEvents(8, waitTimeout))
	waitState(t, next, types.PumpStateReceiving)

	resumed := e.factory.Latest("0").Events()
	require.Len(t, resumed, 3)
	require.Equal(t, int64(6), resumed[0].SequenceNumber)
}

func TestPump_CheckpointAfterClose(t *testing.T) {
	e := newEnv(t, 1)
	p := e.startPump(t, "0")
	waitState(t, p, types.PumpStateReceiving)
	require.NoError(t, p.Close(t.Context(), types.CloseReasonShutdown))

	err := p.Checkpoint(t.Context(), types.Checkpoint{PartitionID: "0", Offset: "1", SequenceNumber: 1})
	require.ErrorIs(t, err, types.ErrPumpClosed)
}

func TestPump_LeaseStolen(t *testing.T) {
	e := newEnv(t, 1)
	p := e.startPump(t, "0")
	waitState(t, p, types.PumpStateReceiving)

	thief := e.backend.NewStore("host-b")
	stolen := e.acquire(t, thief, "0")

	waitDone(t, p)
	require.Equal(t, types.CloseReasonLeaseLost, p.Reason())
	require.Equal(t, []string{"0"}, e.notifier.Lost())

	closed, reason := e.factory.Latest("0").Closed()
	require.True(t, closed)
	require.Equal(t, types.CloseReasonLeaseLost, reason)

	// The pump must not release a lease it no longer holds.
	stored := storedLease(t, e, "0")
	require.Equal(t, "host-b", stored.Owner)
	require.Equal(t, stolen.Token, stored.Token)

	// Checkpointing through the stale lease is rejected.
	err := p.Checkpoint(t.Context(), types.Checkpoint{PartitionID: "0", Offset: "1", SequenceNumber: 1})
	require.Error(t, err)
}

func TestPump_CheckpointWithLostLeaseClosesPump(t *testing.T) {
	e := newEnv(t, 1)
	cfg := e.config()
	cfg.LeaseRenewInterval = time.Hour

	p := New(t.Context(), e.acquire(t, e.store, "0"), cfg, e.deps())
	p.Start()
	waitState(t, p, types.PumpStateReceiving)

	e.acquire(t, e.backend.NewStore("host-b"), "0")

	err := p.Checkpoint(t.Context(), types.Checkpoint{PartitionID: "0", Offset: "1", SequenceNumber: 1})
	require.ErrorIs(t, err, types.ErrLeaseLost)

	var actionErr *types.ActionError
	require.ErrorAs(t, err, &actionErr)
	require.Equal(t, types.ActionUpdatingCheckpoint, actionErr.Action)

	waitDone(t, p)
	require.Equal(t, types.CloseReasonLeaseLost, p.Reason())
}

func TestPump_FencedReceiver(t *testing.T) {
	e := newEnv(t, 1)
	p := e.startPump(t, "0")
	waitState(t, p, types.PumpStateReceiving)

	// A newer epoch connects to the partition, disconnecting ours.
	r, err := e.client.OpenReceiver(t.Context(), "0", types.StartOfStream(), p.Lease().Epoch+1, types.ReceiverOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	waitDone(t, p)
	require.Equal(t, types.CloseReasonLeaseLost, p.Reason())

	errs := e.factory.Latest("0").Errors()
	require.NotEmpty(t, errs)
	require.ErrorIs(t, errs[0], types.ErrFenced)
}

func TestPump_OpenFencedIsNotRetried(t *testing.T) {
	e := newEnv(t, 1)
	e.client.FailNextOpens("0", types.ErrFenced)

	p := e.startPump(t, "0")
	waitDone(t, p)

	require.Equal(t, 1, e.client.OpenCount("0"))
	require.Equal(t, types.CloseReasonLeaseLost, p.Reason())

	proc := e.factory.Latest("0")
	errs := proc.Errors()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], types.ErrFenced)

	closed, reason := proc.Closed()
	require.True(t, closed)
	require.Equal(t, types.CloseReasonLeaseLost, reason)
	require.Equal(t, "host-a", storedLease(t, e, "0").Owner)
}

func TestPump_OpenRetriesTransientErrors(t *testing.T) {
	e := newEnv(t, 1)
	boom := errors.New("broker unavailable")
	e.client.FailNextOpens("0", boom, boom)
	e.publish(t, "0", 1)

	p := e.startPump(t, "0")
	waitState(t, p, types.PumpStateReceiving)
	require.True(t, e.factory.WaitEvents(1, waitTimeout))
	require.Equal(t, 3, e.client.OpenCount("0"))
}

func TestPump_OpenRetriesExhausted(t *testing.T) {
	e := newEnv(t, 1)
	boom := errors.New("broker unavailable")
	e.client.FailNextOpens("0", boom, boom, boom)

	p := e.startPump(t, "0")
	waitDone(t, p)

	require.Equal(t, 3, e.client.OpenCount("0"))
	require.Equal(t, types.CloseReasonShutdown, p.Reason())
	require.Empty(t, storedLease(t, e, "0").Owner, "lease is released after a failed open")

	errs := e.factory.Latest("0").Errors()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], boom)
}

func TestPump_OnOpenFailure(t *testing.T) {
	boom := errors.New("cannot open")
	e := newEnv(t, 1, ephosttest.WithOnOpen(func(context.Context, *types.PartitionContext) error {
		return boom
	}))

	p := e.startPump(t, "0")
	waitDone(t, p)

	proc := e.factory.Latest("0")
	closed, _ := proc.Closed()
	require.False(t, closed, "OnClose is not called after a failed OnOpen")
	require.Len(t, proc.Errors(), 1)
	require.ErrorIs(t, proc.Errors()[0], boom)
	require.Equal(t, 0, e.client.OpenCount("0"))
}

func TestPump_FactoryFailure(t *testing.T) {
	e := newEnv(t, 1, ephosttest.WithCreateError(errors.New("no processor")))

	p := e.startPump(t, "0")
	waitDone(t, p)

	require.Equal(t, types.CloseReasonShutdown, p.Reason())
	require.Equal(t, []string{types.ActionOpeningProcessor + "/0"}, e.notifier.Exceptions())
}

func TestPump_ProcessorErrorsDoNotStopPump(t *testing.T) {
	boom := errors.New("processing failed")
	e := newEnv(t, 1, ephosttest.WithOnEvents(func(context.Context, *types.PartitionContext, []types.EventData) error {
		return boom
	}))
	e.publish(t, "0", 3)

	p := e.startPump(t, "0")
	require.True(t, e.factory.WaitEvents(3, waitTimeout))

	e.publish(t, "0", 2)
	require.True(t, e.factory.WaitEvents(5, waitTimeout))
	require.Equal(t, types.PumpStateReceiving, p.State())

	for _, err := range e.factory.Latest("0").Errors() {
		require.ErrorIs(t, err, boom)
		var actionErr *types.ActionError
		require.ErrorAs(t, err, &actionErr)
		assert.Equal(t, types.ActionProcessingEvents, actionErr.Action)
	}
}

func TestPump_EmptyBatchesOnTimeout(t *testing.T) {
	e := newEnv(t, 1)
	cfg := e.config()
	cfg.InvokeProcessorAfterReceiveTimeout = true

	p := New(t.Context(), e.acquire(t, e.store, "0"), cfg, e.deps())
	p.Start()
	t.Cleanup(func() { _ = p.Close(context.Background(), types.CloseReasonShutdown) })

	require.Eventually(t, func() bool {
		proc := e.factory.Latest("0")
		return proc != nil && proc.Batches() >= 2
	}, waitTimeout, 5*time.Millisecond)
	require.Empty(t, e.factory.Latest("0").Events())
}

func TestPump_CloseWaitsForInFlightBatch(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	e := newEnv(t, 1, ephosttest.WithOnEvents(func(context.Context, *types.PartitionContext, []types.EventData) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release

		return nil
	}))
	e.publish(t, "0", 1)

	p := e.startPump(t, "0")
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("OnEvents was not called")
	}

	// Lease lost while the batch is still running.
	e.acquire(t, e.backend.NewStore("host-b"), "0")
	p.requestClose(types.CloseReasonLeaseLost)

	time.Sleep(50 * time.Millisecond)
	closed, _ := e.factory.Latest("0").Closed()
	require.False(t, closed, "OnClose must wait for the running batch")

	close(release)
	waitDone(t, p)

	proc := e.factory.Latest("0")
	closed, reason := proc.Closed()
	require.True(t, closed)
	require.Equal(t, types.CloseReasonLeaseLost, reason)
	require.Zero(t, proc.Overlaps())
}

func TestPump_ContextCancelShutsDown(t *testing.T) {
	e := newEnv(t, 1)
	ctx, cancel := context.WithCancel(t.Context())

	p := New(ctx, e.acquire(t, e.store, "0"), e.config(), e.deps())
	p.Start()
	waitState(t, p, types.PumpStateReceiving)

	cancel()
	waitDone(t, p)
	require.Equal(t, types.CloseReasonShutdown, p.Reason())
	require.Equal(t, types.PumpStateClosed, p.State())
	require.Empty(t, storedLease(t, e, "0").Owner)
}

func TestPump_CloseBeforeStart(t *testing.T) {
	e := newEnv(t, 1)
	p := New(t.Context(), e.acquire(t, e.store, "0"), e.config(), e.deps())

	closed := make(chan error, 1)
	go func() { closed <- p.Close(t.Context(), types.CloseReasonLeaseLost) }()

	p.Start()
	p.Start()
	require.NoError(t, <-closed)
	require.Equal(t, types.CloseReasonLeaseLost, p.Reason())
	require.Equal(t, types.PumpStateClosed, p.State())
}

func TestPump_RenewExtendsLease(t *testing.T) {
	e := newEnv(t, 1)
	p := e.startPump(t, "0")
	waitState(t, p, types.PumpStateReceiving)

	first := storedLease(t, e, "0").ExpiresAt
	require.Eventually(t, func() bool {
		return storedLease(t, e, "0").ExpiresAt.After(first)
	}, waitTimeout, 5*time.Millisecond)
	require.Equal(t, "host-a", p.Lease().Owner)
}
