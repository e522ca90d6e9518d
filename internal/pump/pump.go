// Package pump runs one consumption loop per owned partition and keeps track of them.
//
// A Pump moves through Opening → Receiving → Closing → Closed. While receiving, one
// goroutine delivers batches to the processor and another renews the lease. Processor
// callbacks are serialized per pump; a lost lease forces the pump to close even while a
// batch is in flight, and OnClose waits for that batch to return.
package pump

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/ephost/internal/logging"
	"github.com/arloliu/ephost/internal/retry"
	"github.com/arloliu/ephost/types"
)

// Pump consumes one partition while holding its lease.
type Pump struct {
	cfg         Config
	deps        Deps
	partitionID string
	logger      types.Logger

	leaseMu sync.Mutex
	lease   *types.Lease

	lastMu  sync.Mutex
	last    types.Checkpoint
	hasLast bool

	state atomic.Int32

	// procMu serializes OnOpen, OnEvents and OnClose.
	procMu    sync.Mutex
	processor types.EventProcessor
	pc        *types.PartitionContext
	receiver  types.Receiver

	ctx       context.Context //nolint:containedctx // pump lifecycle, cancelled on close
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	closeCh   chan struct{}
	reason    atomic.Int32
	loops     sync.WaitGroup
	done      chan struct{}

	// unregistered is closed by the Manager once the pump left its map.
	unregistered chan struct{}
}

// Compile-time assertion that Pump implements Checkpointer.
var _ types.Checkpointer = (*Pump)(nil)

// New creates a pump for an acquired lease. The pump takes ownership of lease.
// Cancelling ctx closes the pump with reason Shutdown, whether or not it was started.
func New(ctx context.Context, lease *types.Lease, cfg Config, deps Deps) *Pump {
	cfg.setDefaults()
	deps.setDefaults()

	p := &Pump{
		cfg:         cfg,
		deps:        deps,
		partitionID: lease.PartitionID,
		lease:       lease,
		closeCh:     make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logging.With(deps.Logger, "host", cfg.HostName, "partition_id", lease.PartitionID),

		unregistered: make(chan struct{}),
	}
	p.pc = types.NewPartitionContext(lease.PartitionID, cfg.ConsumerGroup, cfg.HostName, p)
	p.ctx, p.cancel = context.WithCancel(ctx)
	context.AfterFunc(p.ctx, func() {
		p.requestClose(types.CloseReasonShutdown)
	})

	return p
}

// Start runs the pump in the background. Only the first call has an effect.
// A pump closed before Start still runs its shutdown once started.
func (p *Pump) Start() {
	p.startOnce.Do(func() {
		go p.run()
	})
}

// PartitionID returns the partition the pump consumes.
func (p *Pump) PartitionID() string {
	return p.partitionID
}

// State returns the current pump state.
func (p *Pump) State() types.PumpState {
	return types.PumpState(p.state.Load())
}

// Done is closed once the pump reached PumpStateClosed.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// Reason returns the close reason. Only meaningful once Done is closed.
func (p *Pump) Reason() types.CloseReason {
	return types.CloseReason(p.reason.Load())
}

// Close asks the pump to stop and waits until it is closed or ctx expires.
func (p *Pump) Close(ctx context.Context, reason types.CloseReason) error {
	p.requestClose(reason)

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("closing pump for partition %s: %w", p.partitionID, ctx.Err())
	}
}

// requestClose records the first close reason and cancels in-flight work.
// Later requests are ignored.
func (p *Pump) requestClose(reason types.CloseReason) {
	p.closeOnce.Do(func() {
		p.reason.Store(int32(reason)) //nolint:gosec // CloseReason values are controlled enum
		close(p.closeCh)
		p.cancel()
	})
}

func (p *Pump) setState(s types.PumpState) {
	from := types.PumpState(p.state.Swap(int32(s))) //nolint:gosec // PumpState values are controlled enum
	p.logger.Debug("pump state transition", "from", from.String(), "to", s.String())
}

func (p *Pump) run() {
	defer close(p.done)

	p.setState(types.PumpStateOpening)
	if p.open() {
		p.setState(types.PumpStateReceiving)
		p.loops.Add(2)
		go p.receiveLoop()
		go p.renewLoop()
	}

	<-p.closeCh
	p.shutdown(p.Reason())
}

// open creates and opens the processor, resolves the start position and opens the
// receiver. On failure it requests close with the matching reason and returns false.
func (p *Pump) open() bool {
	processor, err := p.deps.Factory.CreateProcessor(p.pc)
	if err == nil && processor == nil {
		err = errors.New("factory returned nil processor")
	}
	if err != nil {
		p.deps.Notifier.Exception(types.ActionOpeningProcessor, p.partitionID, err)
		p.requestClose(types.CloseReasonShutdown)

		return false
	}

	p.procMu.Lock()
	err = processor.OnOpen(p.ctx, p.pc)
	p.procMu.Unlock()
	if err != nil {
		processor.OnError(p.ctx, p.pc, types.NewActionError(types.ActionOpeningProcessor, p.partitionID, err))
		p.requestClose(types.CloseReasonShutdown)

		return false
	}
	p.processor = processor

	pos, err := p.startPosition()
	if err != nil {
		p.reportError(types.ActionOpeningReceiver, err)
		p.requestClose(types.CloseReasonShutdown)

		return false
	}

	epoch := p.Lease().Epoch
	opts := types.ReceiverOptions{PrefetchCount: p.cfg.PrefetchCount}
	res := retry.Do(p.ctx, p.cfg.ReceiverOpenRetries, p.cfg.NewBackoff(),
		func(ctx context.Context) (types.Receiver, error) {
			r, err := p.deps.Stream.OpenReceiver(ctx, p.partitionID, pos, epoch, opts)
			if errors.Is(err, types.ErrFenced) {
				return nil, retry.Permanent(err)
			}

			return r, err
		})
	if !res.OK() {
		if p.ctx.Err() != nil {
			return false
		}
		p.reportError(types.ActionOpeningReceiver, res.Err)
		if errors.Is(res.Err, types.ErrFenced) {
			p.requestClose(types.CloseReasonLeaseLost)
		} else {
			p.requestClose(types.CloseReasonShutdown)
		}

		return false
	}
	p.receiver = res.Value

	p.logger.Info("pump opened", "epoch", epoch, "position", pos.String(), "attempts", res.Attempts)

	return true
}

func (p *Pump) startPosition() (types.EventPosition, error) {
	res := retry.Do(p.ctx, p.cfg.ReceiverOpenRetries, p.cfg.NewBackoff(),
		func(ctx context.Context) (*types.Checkpoint, error) {
			return p.deps.Checkpoints.GetCheckpoint(ctx, p.partitionID)
		})
	if !res.OK() {
		return types.EventPosition{}, res.Err
	}
	if res.Value != nil && res.Value.IsInitialized() {
		return types.FromCheckpoint(*res.Value), nil
	}

	return p.cfg.InitialPosition(p.partitionID), nil
}

func (p *Pump) receiveLoop() {
	defer p.loops.Done()

	for p.ctx.Err() == nil {
		events, err := p.receiver.Receive(p.ctx, p.cfg.MaxBatchSize, p.cfg.ReceiveTimeout)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.reportError(types.ActionReceivingEvents, err)
			if errors.Is(err, types.ErrFenced) {
				p.requestClose(types.CloseReasonLeaseLost)
			} else {
				p.requestClose(types.CloseReasonShutdown)
			}

			return
		}
		if len(events) == 0 && !p.cfg.InvokeProcessorAfterReceiveTimeout {
			continue
		}
		p.deliver(events)
	}
}

func (p *Pump) deliver(events []types.EventData) {
	if n := len(events); n > 0 {
		p.lastMu.Lock()
		p.last, p.hasLast = events[n-1].Checkpoint(p.partitionID), true
		p.lastMu.Unlock()
	}

	p.procMu.Lock()
	defer p.procMu.Unlock()

	// A close requested while waiting for the lock wins over the batch.
	if p.ctx.Err() != nil {
		return
	}

	start := time.Now()
	err := p.processor.OnEvents(p.ctx, p.pc, events)
	p.deps.Metrics.RecordEventsProcessed(p.partitionID, len(events), time.Since(start).Seconds())
	if err != nil {
		p.reportError(types.ActionProcessingEvents, err)
	}
}

func (p *Pump) renewLoop() {
	defer p.loops.Done()

	ticker := time.NewTicker(p.cfg.LeaseRenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		ok, err := p.renew()
		if p.ctx.Err() != nil {
			return
		}
		p.deps.Metrics.RecordLeaseRenewal(err == nil && ok)
		if err != nil {
			// Transient; if the outage outlives the lease the next renew reports false.
			p.reportError(types.ActionRenewingLease, err)
			continue
		}
		if !ok {
			p.logger.Info("lease lost during renewal")
			p.requestClose(types.CloseReasonLeaseLost)

			return
		}
	}
}

func (p *Pump) renew() (bool, error) {
	p.leaseMu.Lock()
	defer p.leaseMu.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.OperationTimeout)
	defer cancel()

	return p.deps.Leases.RenewLease(ctx, p.lease)
}

// shutdown tears the pump down: stop the loops, disconnect the receiver, close the
// processor once any in-flight batch has returned, then release the lease unless
// it was lost.
func (p *Pump) shutdown(reason types.CloseReason) {
	p.setState(types.PumpStateClosing)
	p.cancel()
	p.loops.Wait()

	if p.receiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.OperationTimeout)
		if err := p.receiver.Close(ctx); err != nil {
			p.logger.Warn("closing receiver failed", "error", err)
		}
		cancel()
	}

	if p.processor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.OperationTimeout)
		p.procMu.Lock()
		err := p.processor.OnClose(ctx, p.pc, reason)
		p.procMu.Unlock()
		cancel()
		if err != nil {
			p.reportError(types.ActionClosingProcessor, err)
		}
	}

	if reason == types.CloseReasonLeaseLost {
		p.deps.Metrics.RecordLeaseLost(p.partitionID)
		p.deps.Notifier.LeaseLost(p.partitionID)
	} else {
		p.release()
	}

	p.setState(types.PumpStateClosed)
	p.logger.Info("pump closed", "reason", reason.String())
}

// release is best effort: a failed release leaves the lease to expire.
func (p *Pump) release() {
	p.leaseMu.Lock()
	defer p.leaseMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.OperationTimeout)
	defer cancel()

	if err := p.deps.Leases.ReleaseLease(ctx, p.lease); err != nil {
		p.logger.Debug("release failed, lease will expire", "error", err)
	}
}

// reportError surfaces a partition-scoped failure to the processor, or to the host
// notifier when no processor is open.
func (p *Pump) reportError(action string, err error) {
	wrapped := types.NewActionError(action, p.partitionID, err)
	p.logger.Warn("pump error", "action", action, "error", err)

	if p.processor == nil {
		p.deps.Notifier.Exception(action, p.partitionID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.OperationTimeout)
	defer cancel()
	p.processor.OnError(ctx, p.pc, wrapped)
}

// Checkpoint implements types.Checkpointer.
func (p *Pump) Checkpoint(ctx context.Context, cp types.Checkpoint) error {
	if p.State() == types.PumpStateClosed {
		return types.ErrPumpClosed
	}

	p.leaseMu.Lock()
	err := p.deps.Checkpoints.UpdateCheckpoint(ctx, p.lease, cp)
	p.leaseMu.Unlock()

	p.deps.Metrics.RecordCheckpoint(err == nil)
	if errors.Is(err, types.ErrLeaseLost) {
		p.requestClose(types.CloseReasonLeaseLost)
	}
	if err != nil {
		return types.NewActionError(types.ActionUpdatingCheckpoint, p.partitionID, err)
	}

	return nil
}

// LastEvent implements types.Checkpointer.
func (p *Pump) LastEvent() (types.Checkpoint, bool) {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()

	return p.last, p.hasLast
}

// Lease implements types.Checkpointer.
func (p *Pump) Lease() types.Lease {
	p.leaseMu.Lock()
	defer p.leaseMu.Unlock()

	return *p.lease
}
