package pump

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arloliu/ephost/internal/logging"
	"github.com/arloliu/ephost/internal/metrics"
	"github.com/arloliu/ephost/internal/retry"
	"github.com/arloliu/ephost/types"
)

// Config holds the tuning shared by every pump of a host.
type Config struct {
	// HostName identifies this host.
	HostName string

	// ConsumerGroup is reported through PartitionContext.
	ConsumerGroup string

	// LeaseRenewInterval is the period of the renewal timer.
	LeaseRenewInterval time.Duration

	// MaxBatchSize bounds the number of events per OnEvents call.
	MaxBatchSize int

	// ReceiveTimeout is how long one Receive call waits for events.
	ReceiveTimeout time.Duration

	// PrefetchCount is passed to the receiver.
	PrefetchCount int

	// InvokeProcessorAfterReceiveTimeout delivers empty batches on receive timeouts.
	InvokeProcessorAfterReceiveTimeout bool

	// ReceiverOpenRetries bounds receiver open and checkpoint read attempts.
	ReceiverOpenRetries int

	// OperationTimeout bounds store and stream calls made while closing.
	OperationTimeout time.Duration

	// InitialPosition picks the start position of partitions without a checkpoint.
	InitialPosition types.InitialPositionProvider

	// NewBackoff returns the delay policy between open attempts.
	NewBackoff func() backoff.BackOff
}

// Notifier receives pump events that concern the host rather than the processor.
type Notifier interface {
	LeaseLost(partitionID string)
	Exception(action, partitionID string, err error)
}

// Deps are the collaborators of a pump.
type Deps struct {
	Leases      types.LeaseStore
	Checkpoints types.CheckpointStore
	Stream      types.StreamClient
	Factory     types.EventProcessorFactory
	Notifier    Notifier
	Logger      types.Logger
	Metrics     types.MetricsCollector
}

func (c *Config) setDefaults() {
	if c.LeaseRenewInterval <= 0 {
		c.LeaseRenewInterval = 10 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 10
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = time.Minute
	}
	if c.ReceiverOpenRetries <= 0 {
		c.ReceiverOpenRetries = 5
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 10 * time.Second
	}
	if c.InitialPosition == nil {
		c.InitialPosition = func(string) types.EventPosition { return types.StartOfStream() }
	}
	if c.NewBackoff == nil {
		c.NewBackoff = func() backoff.BackOff {
			return retry.NewPolicy(100*time.Millisecond, 2*time.Second)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) LeaseLost(string)                {}
func (nopNotifier) Exception(string, string, error) {}

func (d *Deps) setDefaults() {
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNop()
	}
}
