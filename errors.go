package ephost

import "github.com/arloliu/ephost/types"

// Sentinel errors returned by the Host and its collaborators.
//
// They are re-exported from the types package so callers can check them with
// errors.Is without importing types.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = types.ErrInvalidConfig

	// ErrAlreadyStarted is returned when Start is called on a host that was already started.
	ErrAlreadyStarted = types.ErrAlreadyStarted

	// ErrNotStarted is returned when Stop is called on a host that isn't running.
	ErrNotStarted = types.ErrNotStarted

	// ErrLeaseStoreRequired is returned when the lease store is nil.
	ErrLeaseStoreRequired = types.ErrLeaseStoreRequired

	// ErrCheckpointStoreRequired is returned when the checkpoint store is nil.
	ErrCheckpointStoreRequired = types.ErrCheckpointStoreRequired

	// ErrStreamClientRequired is returned when the stream client is nil.
	ErrStreamClientRequired = types.ErrStreamClientRequired

	// ErrProcessorFactoryRequired is returned when the processor factory is nil.
	ErrProcessorFactoryRequired = types.ErrProcessorFactoryRequired

	// ErrInitializationFailed is returned by Start when the stores could not be prepared.
	ErrInitializationFailed = types.ErrInitializationFailed

	// ErrLeaseNotFound is returned by stores for unknown partitions.
	ErrLeaseNotFound = types.ErrLeaseNotFound

	// ErrLeaseLost is returned by checkpoint calls once the partition moved to another host.
	ErrLeaseLost = types.ErrLeaseLost

	// ErrStoreNotInitialized is returned by stores used before they were created.
	ErrStoreNotInitialized = types.ErrStoreNotInitialized

	// ErrFenced is returned by stream clients when a higher epoch owns the partition.
	ErrFenced = types.ErrFenced

	// ErrPumpClosed is returned by checkpoint calls after the partition pump closed.
	ErrPumpClosed = types.ErrPumpClosed
)
