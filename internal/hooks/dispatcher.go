package hooks

import (
	"context"
	"sync"

	"github.com/arloliu/ephost/internal/logging"
	"github.com/arloliu/ephost/types"
)

// Dispatcher runs hook callbacks in background goroutines so they never block the
// scanner, the pumps or the state machine. Hook errors are logged.
type Dispatcher struct {
	ctx    context.Context //nolint:containedctx // lifecycle context handed to every hook
	host   string
	hooks  types.Hooks
	logger types.Logger
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
//
// Parameters:
//   - ctx: Lifecycle context passed to hooks, cancelled when the host stops
//   - host: Host name reported in ExceptionContext
//   - h: User hooks, nil callbacks are skipped
//   - logger: Logger for hook errors
func NewDispatcher(ctx context.Context, host string, h *types.Hooks, logger types.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Dispatcher{ctx: ctx, host: host, hooks: Fill(h), logger: logger}
}

func (d *Dispatcher) run(name string, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(d.ctx); err != nil {
			d.logger.Warn("hook error", "hook", name, "error", err)
		}
	}()
}

// StateChanged fires OnStateChanged.
func (d *Dispatcher) StateChanged(from, to types.HostState) {
	d.run("OnStateChanged", func(ctx context.Context) error {
		return d.hooks.OnStateChanged(ctx, from, to)
	})
}

// LeaseAcquired fires OnLeaseAcquired with a snapshot of lease.
func (d *Dispatcher) LeaseAcquired(lease types.Lease) {
	d.run("OnLeaseAcquired", func(ctx context.Context) error {
		return d.hooks.OnLeaseAcquired(ctx, lease)
	})
}

// LeaseLost fires OnLeaseLost.
func (d *Dispatcher) LeaseLost(partitionID string) {
	d.run("OnLeaseLost", func(ctx context.Context) error {
		return d.hooks.OnLeaseLost(ctx, partitionID)
	})
}

// Exception reports a host-scoped failure to OnException and logs it.
func (d *Dispatcher) Exception(action, partitionID string, err error) {
	if err == nil {
		return
	}
	d.logger.Warn("host exception", "action", action, "partition_id", partitionID, "error", err)

	ec := types.ExceptionContext{HostName: d.host, Action: action, PartitionID: partitionID, Err: err}
	d.run("OnException", func(ctx context.Context) error {
		return d.hooks.OnException(ctx, ec)
	})
}

// Wait blocks until every dispatched hook returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
