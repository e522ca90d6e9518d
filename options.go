package ephost

import "github.com/arloliu/ephost/types"

// Option configures a Host with optional dependencies.
type Option func(*hostOptions)

// hostOptions holds optional Host configuration.
type hostOptions struct {
	initialPosition types.InitialPositionProvider
	hooks           *Hooks
	metrics         MetricsCollector
	logger          Logger
}

// WithInitialPositionProvider sets where partitions without a checkpoint start reading.
// The default is StartOfStream for every partition.
//
// Parameters:
//   - provider: Function returning the start position of a partition
//
// Returns:
//   - Option: Functional option for NewHost
//
// Example:
//
//	host, err := ephost.NewHost(cfg, client, store, store, factory,
//	    ephost.WithInitialPositionProvider(func(string) ephost.EventPosition {
//	        return ephost.EndOfStream()
//	    }))
func WithInitialPositionProvider(provider InitialPositionProvider) Option {
	return func(o *hostOptions) {
		o.initialPosition = provider
	}
}

// WithHooks sets lifecycle event hooks.
//
// Parameters:
//   - hooks: Hooks structure with callback functions
//
// Returns:
//   - Option: Functional option for NewHost
//
// Example:
//
//	hooks := &ephost.Hooks{
//	    OnLeaseLost: func(ctx context.Context, partitionID string) error {
//	        log.Printf("partition %s moved", partitionID)
//	        return nil
//	    },
//	}
//	host, err := ephost.NewHost(cfg, client, store, store, factory, ephost.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *hostOptions) {
		o.hooks = hooks
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation, e.g. NewPrometheusMetrics
//
// Returns:
//   - Option: Functional option for NewHost
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *hostOptions) {
		o.metrics = metrics
	}
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
//
// Returns:
//   - Option: Functional option for NewHost
//
// Example:
//
//	host, err := ephost.NewHost(cfg, client, store, store, factory,
//	    ephost.WithLogger(ephost.NewSlogLogger(slog.Default())))
func WithLogger(logger Logger) Option {
	return func(o *hostOptions) {
		o.logger = logger
	}
}
