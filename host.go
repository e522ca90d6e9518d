package ephost

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arloliu/ephost/internal/logging"
	"github.com/arloliu/ephost/internal/metrics"
	"github.com/arloliu/ephost/internal/partition"
	"github.com/arloliu/ephost/internal/pump"
)

// Host consumes every partition of a stream together with other hosts sharing the
// same lease store.
//
// Each host independently scans the lease inventory, acquires its fair share of
// partitions and runs one pump per owned partition. No host coordinates the others:
// the lease store's conditional writes decide every ownership race.
type Host struct {
	cfg     Config
	logger  Logger
	manager *partition.Manager
}

// NewHost creates a new Host with the provided configuration.
//
// Returns a concrete *Host struct following the "accept interfaces, return structs" principle.
//
// Parameters:
//   - cfg: Host configuration; zero values are replaced by defaults, HostName is required
//   - stream: Stream client used to list partitions and open receivers
//   - leases: Lease store shared by every host of the consumer group
//   - checkpoints: Checkpoint store; usually the same value as leases
//   - factory: Creates one EventProcessor per owned partition
//   - opts: Optional configuration (hooks, metrics, logger, initial position)
//
// Returns:
//   - *Host: Initialized host in state HostStateInit
//   - error: Validation error if configuration or dependencies are invalid
//
// Example:
//
//	cfg := ephost.DefaultConfig()
//	cfg.HostName = ephost.CreateHostName("orders")
//	store, _ := natskv.New(ctx, nc, cfg.HostName)
//	client, _ := jetstream.New(ctx, nc, jetstream.Config{Stream: "ORDERS", Partitions: 8})
//	host, err := ephost.NewHost(cfg, client, store, store, factory)
func NewHost(
	cfg Config,
	stream StreamClient,
	leases LeaseStore,
	checkpoints CheckpointStore,
	factory EventProcessorFactory,
	opts ...Option,
) (*Host, error) {
	if stream == nil {
		return nil, ErrStreamClientRequired
	}
	if leases == nil {
		return nil, ErrLeaseStoreRequired
	}
	if checkpoints == nil {
		return nil, ErrCheckpointStoreRequired
	}
	if factory == nil {
		return nil, ErrProcessorFactoryRequired
	}

	SetDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := &hostOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = logging.NewNop()
	}
	if options.metrics == nil {
		options.metrics = metrics.NewNop()
	}

	cfg.ValidateWithWarnings(options.logger)
	warnLeaseDuration(cfg, leases, options.logger)

	manager := partition.New(partition.Config{
		HostName:              cfg.HostName,
		StartupScanDelay:      cfg.StartupScanDelay,
		FastScanInterval:      cfg.FastScanInterval,
		SlowScanInterval:      cfg.SlowScanInterval,
		InitializationRetries: cfg.InitializationRetries,
		Pump: pump.Config{
			HostName:                           cfg.HostName,
			ConsumerGroup:                      cfg.ConsumerGroup,
			LeaseRenewInterval:                 cfg.LeaseRenewInterval,
			MaxBatchSize:                       cfg.MaxBatchSize,
			ReceiveTimeout:                     cfg.ReceiveTimeout,
			PrefetchCount:                      cfg.PrefetchCount,
			InvokeProcessorAfterReceiveTimeout: cfg.InvokeProcessorAfterReceiveTimeout,
			ReceiverOpenRetries:                cfg.ReceiverOpenRetries,
			OperationTimeout:                   cfg.OperationTimeout,
			InitialPosition:                    options.initialPosition,
		},
	}, partition.Deps{
		Leases:      leases,
		Checkpoints: checkpoints,
		Stream:      stream,
		Factory:     factory,
		Hooks:       options.hooks,
		Logger:      options.logger,
		Metrics:     options.metrics,
	})

	return &Host{
		cfg:     cfg,
		logger:  options.logger,
		manager: manager,
	}, nil
}

// leaseDurationReporter is implemented by stores that apply their own lease duration.
type leaseDurationReporter interface {
	LeaseDuration() time.Duration
}

// warnLeaseDuration flags a store whose lease duration differs from cfg.LeaseDuration.
// Renew timing and validation assume the configured value.
func warnLeaseDuration(cfg Config, leases LeaseStore, logger Logger) {
	r, ok := leases.(leaseDurationReporter)
	if !ok || r.LeaseDuration() == cfg.LeaseDuration {
		return
	}

	logger.Warn(
		"lease store duration differs from LeaseDuration, pass the configured value to the store",
		"storeLeaseDuration", r.LeaseDuration(),
		"leaseDuration", cfg.LeaseDuration,
		"leaseRenewInterval", cfg.LeaseRenewInterval,
	)
}

// Start initializes the stores and starts scanning for partitions.
//
// Start blocks until the lease and checkpoint stores are prepared, then returns while
// scanning continues in the background. The first scan pass takes at most one
// partition; the host reaches its fair share after StartupScanDelay.
//
// Parameters:
//   - ctx: Context bounding initialization
//
// Returns:
//   - error: ErrAlreadyStarted, or an error wrapping ErrInitializationFailed
func (h *Host) Start(ctx context.Context) error {
	h.logger.Info("starting host", "host", h.cfg.HostName, "consumer_group", h.cfg.ConsumerGroup)

	return h.manager.Start(ctx)
}

// Stop stops scanning and closes every pump with reason Shutdown, releasing the
// leases so other hosts can pick the partitions up immediately.
//
// When ctx has no deadline, ShutdownTimeout applies.
//
// Parameters:
//   - ctx: Context for shutdown timeout
//
// Returns:
//   - error: ErrNotStarted, or shutdown errors
func (h *Host) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && h.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.ShutdownTimeout)
		defer cancel()
	}

	return h.manager.Stop(ctx)
}

// HostName returns the name this host uses in lease records.
func (h *Host) HostName() string {
	return h.cfg.HostName
}

// State returns the current host state.
//
// Returns:
//   - HostState: Current state
func (h *Host) State() HostState {
	return h.manager.State()
}

// OwnedPartitions returns the sorted ids of partitions this host is pumping.
func (h *Host) OwnedPartitions() []string {
	return h.manager.OwnedPartitions()
}

// PartitionIDs returns the partition ids discovered at Start.
func (h *Host) PartitionIDs() []string {
	return h.manager.PartitionIDs()
}

// WaitState waits for the host to reach the expected state within the timeout period.
//
// The method returns a read-only channel that will receive exactly one value:
//   - nil if the expected state is reached within the timeout
//   - context.DeadlineExceeded if the timeout expires before reaching the state
//
// Parameters:
//   - expectedState: The state to wait for
//   - timeout: Maximum duration to wait for the state
//
// Returns:
//   - <-chan error: A channel that receives the result (nil on success, error on timeout)
//
// Example:
//
//	if err := <-host.WaitState(ephost.HostStateRunning, 10*time.Second); err != nil {
//	    return fmt.Errorf("host did not start: %w", err)
//	}
func (h *Host) WaitState(expectedState HostState, timeout time.Duration) <-chan error {
	return h.manager.WaitState(expectedState, timeout)
}

// CreateHostName returns prefix + "-" + a random UUID, or just the UUID when prefix
// is empty. Host names must be unique among running hosts.
func CreateHostName(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}

	return prefix + "-" + id
}
