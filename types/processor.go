package types

import "context"

// EventProcessor is the user callback contract for one partition.
//
// OnEvents and OnClose are never called concurrently for the same instance.
// OnError may be called concurrently with either.
type EventProcessor interface {
	// OnOpen is called once before any events are delivered.
	OnOpen(ctx context.Context, pc *PartitionContext) error

	// OnEvents is called with each received batch. The batch may be empty when the
	// host is configured to invoke the processor after a receive timeout.
	OnEvents(ctx context.Context, pc *PartitionContext, events []EventData) error

	// OnClose is called once when the pump shuts down.
	OnClose(ctx context.Context, pc *PartitionContext, reason CloseReason) error

	// OnError is called for partition-scoped failures.
	OnError(ctx context.Context, pc *PartitionContext, err error)
}

// EventProcessorFactory creates one processor per pump.
type EventProcessorFactory interface {
	CreateProcessor(pc *PartitionContext) (EventProcessor, error)
}

// EventProcessorFactoryFunc adapts a function to EventProcessorFactory.
type EventProcessorFactoryFunc func(pc *PartitionContext) (EventProcessor, error)

// CreateProcessor implements EventProcessorFactory.
func (f EventProcessorFactoryFunc) CreateProcessor(pc *PartitionContext) (EventProcessor, error) {
	return f(pc)
}

// Checkpointer is implemented by the pump that owns a partition context.
type Checkpointer interface {
	// Checkpoint durably records cp through the pump's lease.
	Checkpoint(ctx context.Context, cp Checkpoint) error

	// LastEvent returns the position of the last delivered event.
	LastEvent() (Checkpoint, bool)

	// Lease returns a snapshot of the pump's lease.
	Lease() Lease
}

// PartitionContext identifies the partition a processor works on and lets it checkpoint.
type PartitionContext struct {
	partitionID   string
	consumerGroup string
	owner         string
	checkpointer  Checkpointer
}

// NewPartitionContext creates a partition context bound to a checkpointer.
func NewPartitionContext(partitionID, consumerGroup, owner string, cp Checkpointer) *PartitionContext {
	return &PartitionContext{
		partitionID:   partitionID,
		consumerGroup: consumerGroup,
		owner:         owner,
		checkpointer:  cp,
	}
}

// PartitionID returns the partition id.
func (pc *PartitionContext) PartitionID() string { return pc.partitionID }

// ConsumerGroup returns the consumer group name.
func (pc *PartitionContext) ConsumerGroup() string { return pc.consumerGroup }

// Owner returns the host name that owns the partition.
func (pc *PartitionContext) Owner() string { return pc.owner }

// Lease returns a snapshot of the current lease.
func (pc *PartitionContext) Lease() Lease {
	if pc.checkpointer == nil {
		return Lease{PartitionID: pc.partitionID, Owner: pc.owner}
	}

	return pc.checkpointer.Lease()
}

// Checkpoint records the position of the last event delivered to the processor.
// It is a no-op before the first event.
//
// Returns ErrLeaseLost when the partition has moved to another host.
func (pc *PartitionContext) Checkpoint(ctx context.Context) error {
	if pc.checkpointer == nil {
		return ErrPumpClosed
	}

	last, ok := pc.checkpointer.LastEvent()
	if !ok {
		return nil
	}

	return pc.checkpointer.Checkpoint(ctx, last)
}

// CheckpointAt records an explicit position.
func (pc *PartitionContext) CheckpointAt(ctx context.Context, cp Checkpoint) error {
	if pc.checkpointer == nil {
		return ErrPumpClosed
	}
	cp.PartitionID = pc.partitionID

	return pc.checkpointer.Checkpoint(ctx, cp)
}

// CheckpointEvent records the position of a specific event.
func (pc *PartitionContext) CheckpointEvent(ctx context.Context, event EventData) error {
	return pc.CheckpointAt(ctx, event.Checkpoint(pc.partitionID))
}
