package ephost

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// Timing Model
// ============================================================================
//
// Ownership is decided by leases in the shared store. Two schedules interact:
//
// ┌─────────────────────────────────────────────────────────────────────────┐
// │ Lease validity                                                         │
// ├─────────────────────────────────────────────────────────────────────────┤
// │ • LeaseDuration: 30s                                                   │
// │   - How long an acquire or renew keeps a partition                     │
// │ • LeaseRenewInterval: 10s                                              │
// │   - Period of each pump's renewal timer, must be < LeaseDuration       │
// └─────────────────────────────────────────────────────────────────────────┘
//
// ┌─────────────────────────────────────────────────────────────────────────┐
// │ Scan schedule                                                          │
// ├─────────────────────────────────────────────────────────────────────────┤
// │ • First pass: right after initialization, takes at most one lease      │
// │ • StartupScanDelay: 30s before the second pass                         │
// │ • FastScanInterval: 3s after a pass that stole a lease                 │
// │ • SlowScanInterval: 5s after any other pass                            │
// └─────────────────────────────────────────────────────────────────────────┘
//
// A departed host's partitions are picked up within LeaseDuration + SlowScanInterval
// (a released lease is picked up within SlowScanInterval).
//
// ============================================================================

// Config is the configuration of a Host.
//
// All duration fields accept standard Go duration strings like "30s", "5m", "1h".
type Config struct {
	// HostName uniquely identifies this host in lease records. Two running hosts with
	// the same name break mutual exclusion. See CreateHostName.
	HostName string `yaml:"hostName"`

	// ConsumerGroup is reported to processors through PartitionContext.
	ConsumerGroup string `yaml:"consumerGroup"`

	// LeaseDuration is how long an acquire or renew keeps a lease. Applied by the
	// lease store; stores built by this module take it as an option.
	LeaseDuration time.Duration `yaml:"leaseDuration"`

	// LeaseRenewInterval is how often each pump renews its lease.
	// Must be less than LeaseDuration. Recommended: LeaseDuration/3.
	LeaseRenewInterval time.Duration `yaml:"leaseRenewInterval"`

	// StartupScanDelay is the delay between the first scan pass and the second one.
	// The first pass takes at most one lease so that hosts starting together spread out.
	StartupScanDelay time.Duration `yaml:"startupScanDelay"`

	// FastScanInterval is the delay after a pass that stole a lease.
	FastScanInterval time.Duration `yaml:"fastScanInterval"`

	// SlowScanInterval is the delay after a pass that did not steal.
	SlowScanInterval time.Duration `yaml:"slowScanInterval"`

	// MaxBatchSize bounds the events per OnEvents call.
	MaxBatchSize int `yaml:"maxBatchSize"`

	// ReceiveTimeout is how long one receive waits for events.
	ReceiveTimeout time.Duration `yaml:"receiveTimeout"`

	// PrefetchCount is the receiver prefetch depth.
	PrefetchCount int `yaml:"prefetchCount"`

	// InvokeProcessorAfterReceiveTimeout delivers an empty batch when a receive times out.
	InvokeProcessorAfterReceiveTimeout bool `yaml:"invokeProcessorAfterReceiveTimeout"`

	// InitializationRetries bounds the attempts of each store setup phase.
	InitializationRetries int `yaml:"initializationRetries"`

	// ReceiverOpenRetries bounds the attempts to open a partition receiver.
	ReceiverOpenRetries int `yaml:"receiverOpenRetries"`

	// OperationTimeout bounds store and stream calls made on the shutdown path.
	OperationTimeout time.Duration `yaml:"operationTimeout"`

	// ShutdownTimeout bounds Stop when the caller's context has no deadline.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DefaultConfig returns a Config with sensible defaults. HostName is left empty.
//
// Returns:
//   - Config: Configuration with default values
func DefaultConfig() Config {
	return Config{
		ConsumerGroup:         "$Default",
		LeaseDuration:         30 * time.Second,
		LeaseRenewInterval:    10 * time.Second,
		StartupScanDelay:      30 * time.Second,
		FastScanInterval:      3 * time.Second,
		SlowScanInterval:      5 * time.Second,
		MaxBatchSize:          10,
		ReceiveTimeout:        time.Minute,
		PrefetchCount:         300,
		InitializationRetries: 5,
		ReceiverOpenRetries:   5,
		OperationTimeout:      10 * time.Second,
		ShutdownTimeout:       30 * time.Second,
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = defaults.ConsumerGroup
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = defaults.LeaseDuration
	}
	if cfg.LeaseRenewInterval == 0 {
		cfg.LeaseRenewInterval = defaults.LeaseRenewInterval
	}
	if cfg.StartupScanDelay == 0 {
		cfg.StartupScanDelay = defaults.StartupScanDelay
	}
	if cfg.FastScanInterval == 0 {
		cfg.FastScanInterval = defaults.FastScanInterval
	}
	if cfg.SlowScanInterval == 0 {
		cfg.SlowScanInterval = defaults.SlowScanInterval
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = defaults.MaxBatchSize
	}
	if cfg.ReceiveTimeout == 0 {
		cfg.ReceiveTimeout = defaults.ReceiveTimeout
	}
	if cfg.PrefetchCount == 0 {
		cfg.PrefetchCount = defaults.PrefetchCount
	}
	if cfg.InitializationRetries == 0 {
		cfg.InitializationRetries = defaults.InitializationRetries
	}
	if cfg.ReceiverOpenRetries == 0 {
		cfg.ReceiverOpenRetries = defaults.ReceiverOpenRetries
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
}

// Validate checks configuration constraints and returns error for invalid values.
//
// Hard Validation Rules:
//   - HostName is set
//   - LeaseRenewInterval < LeaseDuration (renew before the lease expires)
//
// LeaseDuration itself is enforced by the lease store, which takes its own duration
// option. NewHost logs a warning when a store reports a different duration.
//   - FastScanInterval <= SlowScanInterval
//   - MaxBatchSize, ReceiveTimeout and retry counts are positive
//
// Returns:
//   - error: Validation error wrapping ErrInvalidConfig, nil if valid
func (cfg *Config) Validate() error {
	if cfg.HostName == "" {
		return fmt.Errorf("%w: HostName is required", ErrInvalidConfig)
	}

	if cfg.LeaseDuration <= 0 || cfg.LeaseRenewInterval <= 0 {
		return fmt.Errorf("%w: LeaseDuration (%v) and LeaseRenewInterval (%v) must be > 0",
			ErrInvalidConfig, cfg.LeaseDuration, cfg.LeaseRenewInterval)
	}

	if cfg.LeaseRenewInterval >= cfg.LeaseDuration {
		return fmt.Errorf(
			"%w: LeaseRenewInterval (%v) must be < LeaseDuration (%v) so leases are renewed before they expire",
			ErrInvalidConfig, cfg.LeaseRenewInterval, cfg.LeaseDuration,
		)
	}

	if cfg.FastScanInterval <= 0 || cfg.SlowScanInterval <= 0 || cfg.StartupScanDelay < 0 {
		return fmt.Errorf("%w: scan intervals must be > 0", ErrInvalidConfig)
	}

	if cfg.FastScanInterval > cfg.SlowScanInterval {
		return fmt.Errorf("%w: FastScanInterval (%v) must be <= SlowScanInterval (%v)",
			ErrInvalidConfig, cfg.FastScanInterval, cfg.SlowScanInterval)
	}

	if cfg.MaxBatchSize <= 0 {
		return fmt.Errorf("%w: MaxBatchSize must be > 0, got %d", ErrInvalidConfig, cfg.MaxBatchSize)
	}

	if cfg.ReceiveTimeout <= 0 {
		return fmt.Errorf("%w: ReceiveTimeout must be > 0, got %v", ErrInvalidConfig, cfg.ReceiveTimeout)
	}

	if cfg.PrefetchCount < 0 {
		return fmt.Errorf("%w: PrefetchCount must be >= 0, got %d", ErrInvalidConfig, cfg.PrefetchCount)
	}

	if cfg.InitializationRetries <= 0 || cfg.ReceiverOpenRetries <= 0 {
		return fmt.Errorf("%w: InitializationRetries (%d) and ReceiverOpenRetries (%d) must be > 0",
			ErrInvalidConfig, cfg.InitializationRetries, cfg.ReceiverOpenRetries)
	}

	if cfg.OperationTimeout <= 0 {
		return fmt.Errorf("%w: OperationTimeout must be > 0, got %v", ErrInvalidConfig, cfg.OperationTimeout)
	}

	return nil
}

// ValidateWithWarnings logs warnings for values that are valid but not recommended.
//
// This is called after Validate() in NewHost() to provide operator guidance.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.LeaseRenewInterval*2 > cfg.LeaseDuration {
		logger.Warn(
			"LeaseRenewInterval leaves room for a single renewal per lease period",
			"leaseRenewInterval", cfg.LeaseRenewInterval,
			"leaseDuration", cfg.LeaseDuration,
			"recommended", cfg.LeaseDuration/3,
		)
	}

	if cfg.SlowScanInterval > cfg.LeaseDuration {
		logger.Warn(
			"SlowScanInterval exceeds LeaseDuration, expired leases stay idle for a full scan interval",
			"slowScanInterval", cfg.SlowScanInterval,
			"leaseDuration", cfg.LeaseDuration,
		)
	}

	if cfg.ReceiveTimeout < cfg.LeaseRenewInterval && cfg.InvokeProcessorAfterReceiveTimeout {
		logger.Warn(
			"short ReceiveTimeout with InvokeProcessorAfterReceiveTimeout produces many empty batches",
			"receiveTimeout", cfg.ReceiveTimeout,
		)
	}
}

// TestConfig returns a configuration optimized for fast test execution.
//
// Test timings are 10-100x faster than production defaults to enable
// rapid iteration without sacrificing test coverage. Use DefaultConfig()
// for production deployments.
//
// Returns:
//   - Config: Configuration with fast timings for tests
//
// Example:
//
//	cfg := ephost.TestConfig()
//	cfg.HostName = "test-host"
//	host, err := ephost.NewHost(cfg, client, store, store, factory)
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.LeaseDuration = 1 * time.Second             // 30x faster
	cfg.LeaseRenewInterval = 200 * time.Millisecond // 50x faster
	cfg.StartupScanDelay = 50 * time.Millisecond    // 600x faster
	cfg.FastScanInterval = 20 * time.Millisecond    // 150x faster
	cfg.SlowScanInterval = 50 * time.Millisecond    // 100x faster
	cfg.ReceiveTimeout = 50 * time.Millisecond      // 1200x faster
	cfg.OperationTimeout = 1 * time.Second          // 10x faster
	cfg.ShutdownTimeout = 5 * time.Second           // 6x faster

	return cfg
}

// ParseConfig decodes a YAML document into a Config and applies defaults.
//
// Parameters:
//   - data: YAML document
//
// Returns:
//   - Config: Decoded configuration with defaults applied
//   - error: Decoding error
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	SetDefaults(&cfg)

	return cfg, nil
}

// LoadConfig reads a YAML configuration file.
//
// Parameters:
//   - path: File path
//
// Returns:
//   - Config: Decoded configuration with defaults applied
//   - error: Read or decoding error
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	return ParseConfig(data)
}
