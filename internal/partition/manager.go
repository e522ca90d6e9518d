// Package partition drives the host lifecycle: it prepares the lease and checkpoint
// stores, runs the rebalancing scanner on a timer and shuts every pump down on stop.
//
// State machine:
//
//	Init → Initializing → Running → Closing → Closed
//
// Initializing moves straight to Closed when the stores cannot be prepared, and
// no pump is ever started in that case.
package partition

import (
	"context"
	"errors"
	"fmt"
	rand "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arloliu/ephost/internal/hooks"
	"github.com/arloliu/ephost/internal/logging"
	"github.com/arloliu/ephost/internal/metrics"
	"github.com/arloliu/ephost/internal/pump"
	"github.com/arloliu/ephost/internal/retry"
	"github.com/arloliu/ephost/internal/scanner"
	"github.com/arloliu/ephost/leasestore"
	"github.com/arloliu/ephost/types"
)

// Config holds the partition manager timings.
type Config struct {
	// HostName identifies this host in lease records.
	HostName string

	// StartupScanDelay separates the first scan pass from the second one.
	StartupScanDelay time.Duration

	// FastScanInterval follows a pass that stole a lease.
	FastScanInterval time.Duration

	// SlowScanInterval follows a pass that did not steal.
	SlowScanInterval time.Duration

	// InitializationRetries bounds the attempts of each store setup phase.
	InitializationRetries int

	// NewBackoff returns the delay policy between setup attempts.
	NewBackoff func() backoff.BackOff

	// Pump configures every pump started by this host.
	Pump pump.Config

	// Rand drives the scanner's random choices (optional).
	Rand *rand.Rand
}

func (c *Config) setDefaults() {
	if c.SlowScanInterval <= 0 {
		c.SlowScanInterval = 5 * time.Second
	}
	if c.FastScanInterval <= 0 {
		c.FastScanInterval = 3 * time.Second
	}
	if c.StartupScanDelay < 0 {
		c.StartupScanDelay = 0
	}
	if c.InitializationRetries <= 0 {
		c.InitializationRetries = 5
	}
	if c.NewBackoff == nil {
		c.NewBackoff = func() backoff.BackOff {
			return retry.NewPolicy(200*time.Millisecond, 5*time.Second)
		}
	}
	c.Pump.HostName = c.HostName
}

// Deps are the collaborators of the partition manager.
type Deps struct {
	Leases      types.LeaseStore
	Checkpoints types.CheckpointStore
	Stream      types.StreamClient
	Factory     types.EventProcessorFactory
	Hooks       *types.Hooks
	Logger      types.Logger
	Metrics     types.MetricsCollector
}

// Manager owns the scanner, the pump manager and the host state machine.
type Manager struct {
	cfg     Config
	deps    Deps
	logger  types.Logger
	leases  types.LeaseStore
	metrics types.MetricsCollector

	dispatcher *hooks.Dispatcher
	pumps      *pump.Manager
	scanner    *scanner.Scanner

	state          atomic.Int32
	lastTransition atomic.Int64

	// Lifecycle context of hooks and pumps, cancelled once Stop finished.
	ctx    context.Context //nolint:containedctx // lifecycle context
	cancel context.CancelFunc

	mu           sync.Mutex
	scanCancel   context.CancelFunc
	loopDone     chan struct{}
	initDone     chan struct{}
	partitionIDs []string
}

// New creates a partition manager in state Init.
//
// Parameters:
//   - cfg: Timings and pump tuning; zero values are replaced by defaults
//   - deps: Stores, stream client, processor factory and ambient collaborators
//
// Returns:
//   - *Manager: Manager ready to Start
func New(cfg Config, deps Deps) *Manager {
	cfg.setDefaults()
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}

	m := &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   logging.With(deps.Logger, "host", cfg.HostName),
		leases:   leasestore.Instrument(deps.Leases, deps.Metrics),
		metrics:  deps.Metrics,
		initDone: make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.lastTransition.Store(time.Now().UnixNano())

	m.dispatcher = hooks.NewDispatcher(m.ctx, cfg.HostName, deps.Hooks, deps.Logger)
	m.pumps = pump.NewManager(cfg.Pump, pump.Deps{
		Leases:      m.leases,
		Checkpoints: deps.Checkpoints,
		Stream:      deps.Stream,
		Factory:     deps.Factory,
		Notifier:    m.dispatcher,
		Logger:      deps.Logger,
		Metrics:     deps.Metrics,
	})
	m.scanner = scanner.New(scanner.Config{
		HostName:   cfg.HostName,
		Store:      m.leases,
		Pumps:      m.pumps,
		OnAcquired: m.onAcquired,
		Notifier:   m.dispatcher,
		Logger:     deps.Logger,
		Metrics:    deps.Metrics,
		Rand:       cfg.Rand,
	})

	return m
}

// Start prepares the stores and begins scanning.
//
// It blocks until initialization finished. A store that cannot be prepared after all
// retries fails the start with types.ErrInitializationFailed and leaves the manager
// Closed without starting any pump.
//
// Parameters:
//   - ctx: Context bounding initialization only; the scan loop outlives it
//
// Returns:
//   - error: types.ErrAlreadyStarted, or an initialization failure
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.State() != types.HostStateInit {
		m.mu.Unlock()
		return types.ErrAlreadyStarted
	}
	m.transitionState(types.HostStateInit, types.HostStateInitializing)
	m.mu.Unlock()
	defer close(m.initDone)

	// Stop during initialization cancels it.
	initCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopInit := context.AfterFunc(m.ctx, cancel)
	defer stopInit()

	start := time.Now()
	err := m.initialize(initCtx)
	m.metrics.RecordInitialization(time.Since(start).Seconds(), err == nil)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != types.HostStateInitializing {
		// Stopped while initializing.
		return fmt.Errorf("%w: stopped during initialization", types.ErrNotStarted)
	}
	if err != nil {
		m.logger.Error("initialization failed", "error", err)
		m.transitionState(types.HostStateInitializing, types.HostStateClosed)
		m.cancel()

		return err
	}

	scanCtx, scanCancel := context.WithCancel(m.ctx)
	m.scanCancel = scanCancel
	m.loopDone = make(chan struct{})
	m.transitionState(types.HostStateInitializing, types.HostStateRunning)

	go m.scanLoop(scanCtx, m.loopDone)

	return nil
}

// initialize discovers partitions and runs the four store setup phases in order.
func (m *Manager) initialize(ctx context.Context) error {
	ids := retry.Do(ctx, m.cfg.InitializationRetries, m.cfg.NewBackoff(), m.deps.Stream.PartitionIDs)
	if !ids.OK() {
		return m.initFailure(types.ActionGettingPartitionIDs, ids.Err)
	}
	if len(ids.Value) == 0 {
		m.logger.Warn("stream reports no partitions")
	}

	m.mu.Lock()
	m.partitionIDs = append([]string(nil), ids.Value...)
	m.mu.Unlock()

	phases := []struct {
		action string
		run    func(ctx context.Context) error
	}{
		{types.ActionCreatingLeaseStore, m.deps.Leases.CreateLeaseStoreIfNotExists},
		{types.ActionCreatingCheckpointStore, m.deps.Checkpoints.CreateCheckpointStoreIfNotExists},
		{types.ActionCreatingLeases, func(ctx context.Context) error {
			return m.deps.Leases.CreateAllLeasesIfNotExists(ctx, ids.Value)
		}},
		{types.ActionCreatingCheckpoints, func(ctx context.Context) error {
			return m.deps.Checkpoints.CreateAllCheckpointsIfNotExists(ctx, ids.Value)
		}},
	}

	for _, phase := range phases {
		res := retry.Run(ctx, m.cfg.InitializationRetries, m.cfg.NewBackoff(), phase.run)
		if !res.OK() {
			return m.initFailure(phase.action, res.Err)
		}
		m.logger.Debug("initialization phase done", "action", phase.action, "attempts", res.Attempts)
	}

	m.logger.Info("stores initialized", "partitions", len(ids.Value))

	return nil
}

func (m *Manager) initFailure(action string, err error) error {
	m.dispatcher.Exception(action, "", err)

	return fmt.Errorf("%w: %w", types.ErrInitializationFailed, types.NewActionError(action, "", err))
}

// scanLoop runs the first pass immediately, the second after StartupScanDelay, and
// then every FastScanInterval after a steal or SlowScanInterval otherwise.
func (m *Manager) scanLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	isFirst := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		stole, err := m.scanner.Scan(ctx, isFirst)
		if ctx.Err() != nil {
			return
		}

		next := m.cfg.SlowScanInterval
		switch {
		case err != nil:
			// Reported by the scanner; retry on the regular schedule.
			m.logger.Debug("scan pass failed", "error", err)
		case isFirst:
			next = m.cfg.StartupScanDelay
			isFirst = false
		case stole:
			next = m.cfg.FastScanInterval
		}
		timer.Reset(next)
	}
}

// onAcquired starts a pump for every lease the scanner acquired.
func (m *Manager) onAcquired(_ context.Context, lease *types.Lease) {
	if m.ctx.Err() != nil {
		return
	}
	m.dispatcher.LeaseAcquired(*lease)
	m.pumps.AddPump(m.ctx, lease)
}

// Stop cancels scanning, closes every pump with reason Shutdown and waits for them,
// bounded by ctx. Pumps still running when ctx expires are cancelled.
//
// Returns:
//   - error: types.ErrNotStarted when not running, or the shutdown errors
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	current := m.State()
	switch current {
	case types.HostStateInit, types.HostStateClosing, types.HostStateClosed:
		m.mu.Unlock()
		return types.ErrNotStarted
	case types.HostStateInitializing:
		m.transitionState(current, types.HostStateClosed)
		m.cancel()
		m.mu.Unlock()
		<-m.initDone

		return nil
	}
	m.transitionState(current, types.HostStateClosing)
	scanCancel, loopDone := m.scanCancel, m.loopDone
	m.mu.Unlock()

	scanCancel()

	var errs []error
	select {
	case <-loopDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for scan loop: %w", ctx.Err()))
	}

	if err := m.pumps.RemoveAllPumps(ctx, types.CloseReasonShutdown); err != nil {
		m.logger.Warn("pumps did not close cleanly", "error", err)
		errs = append(errs, err)
	}

	m.mu.Lock()
	m.transitionState(types.HostStateClosing, types.HostStateClosed)
	m.mu.Unlock()
	m.cancel()

	m.logger.Info("partition manager stopped")

	return errors.Join(errs...)
}

// State returns the current host state.
func (m *Manager) State() types.HostState {
	return types.HostState(m.state.Load())
}

// PartitionIDs returns the partition ids discovered during initialization.
func (m *Manager) PartitionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.partitionIDs...)
}

// OwnedPartitions returns the sorted ids of partitions with a running pump.
func (m *Manager) OwnedPartitions() []string {
	return m.pumps.OwnedPartitions()
}

// Pumps exposes the pump manager.
func (m *Manager) Pumps() *pump.Manager {
	return m.pumps
}

// WaitState waits for the manager to reach the expected state within the timeout.
//
// The returned channel receives exactly one value: nil when the state is reached, or
// context.DeadlineExceeded on timeout. It is closed afterwards.
func (m *Manager) WaitState(expected types.HostState, timeout time.Duration) <-chan error {
	ch := make(chan error, 1)

	go func() {
		defer close(ch)

		if m.State() == expected {
			ch <- nil
			return
		}

		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()

		timeoutTimer := time.NewTimer(timeout)
		defer timeoutTimer.Stop()

		for {
			select {
			case <-ticker.C:
				if m.State() == expected {
					ch <- nil
					return
				}
			case <-timeoutTimer.C:
				ch <- context.DeadlineExceeded
				return
			}
		}
	}()

	return ch
}

// transitionState moves to a new state and fires hooks. Caller holds m.mu.
func (m *Manager) transitionState(from, to types.HostState) {
	if !isValidTransition(from, to) {
		m.logger.Error("invalid state transition attempted", "from", from.String(), "to", to.String())
		return
	}

	m.state.Store(int32(to)) //nolint:gosec // HostState values are controlled enum

	now := time.Now().UnixNano()
	elapsed := time.Duration(now - m.lastTransition.Swap(now))

	m.logger.Info("state transition", "from", from.String(), "to", to.String())
	m.dispatcher.StateChanged(from, to)
	m.metrics.RecordStateTransition(from, to, elapsed.Seconds())
}

var validTransitions = map[types.HostState][]types.HostState{
	types.HostStateInit:         {types.HostStateInitializing},
	types.HostStateInitializing: {types.HostStateRunning, types.HostStateClosed},
	types.HostStateRunning:      {types.HostStateClosing},
	types.HostStateClosing:      {types.HostStateClosed},
	types.HostStateClosed:       {},
}

func isValidTransition(from, to types.HostState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}
