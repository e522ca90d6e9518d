package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the event processor host.
//
// These errors provide type-safe error checking using errors.Is() and errors.As().
// All components should use these sentinel errors for known error conditions
// and wrap external errors with context using fmt.Errorf("%s: %w", msg, err).
//
// Expected contention (a lost acquire, a failed renew) is never reported through
// these errors; store operations return false instead.

// Host errors - Public API errors returned by the Host.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAlreadyStarted is returned when Start is called on an already running host.
	ErrAlreadyStarted = errors.New("host already started")

	// ErrNotStarted is returned when operations require a started host.
	ErrNotStarted = errors.New("host not started")

	// ErrLeaseStoreRequired is returned when the lease store is nil.
	ErrLeaseStoreRequired = errors.New("lease store is required")

	// ErrCheckpointStoreRequired is returned when the checkpoint store is nil.
	ErrCheckpointStoreRequired = errors.New("checkpoint store is required")

	// ErrStreamClientRequired is returned when the stream client is nil.
	ErrStreamClientRequired = errors.New("stream client is required")

	// ErrProcessorFactoryRequired is returned when the processor factory is nil.
	ErrProcessorFactoryRequired = errors.New("event processor factory is required")

	// ErrInitializationFailed is returned when store initialization exhausts its retries.
	ErrInitializationFailed = errors.New("initialization failed")
)

// Store errors - returned by LeaseStore and CheckpointStore implementations.
var (
	// ErrLeaseNotFound is returned when no lease record exists for a partition.
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrLeaseLost is returned when an operation requires a lease the caller no longer holds.
	ErrLeaseLost = errors.New("lease lost")

	// ErrStoreNotInitialized is returned when the backing store has not been created.
	ErrStoreNotInitialized = errors.New("store not initialized")
)

// Stream and pump errors.
var (
	// ErrFenced is returned by a stream client when a receiver with a higher epoch
	// already claimed the partition. It is terminal for the current pump and never retried.
	ErrFenced = errors.New("receiver fenced by a higher epoch")

	// ErrPumpClosed is returned when an operation is attempted on a closed pump.
	ErrPumpClosed = errors.New("partition pump closed")
)

// Action tags describe the operation that failed when an error is surfaced
// to a processor or to the exception hook.
const (
	ActionPartitionManagerCleanup  = "Partition Manager Cleanup"
	ActionPartitionManagerMainLoop = "Partition Manager Main Loop"
	ActionGettingPartitionIDs      = "Getting Partition IDs"
	ActionCreatingLeaseStore       = "Creating Lease Store"
	ActionCreatingCheckpointStore  = "Creating Checkpoint Store"
	ActionCreatingLeases           = "Creating Leases"
	ActionCreatingCheckpoints      = "Creating Checkpoints"
	ActionCheckingLeases           = "Checking Leases"
	ActionStealingLease            = "Stealing Lease"
	ActionRenewingLease            = "Renewing Lease"
	ActionReleasingLease           = "Releasing Lease"
	ActionUpdatingCheckpoint       = "Updating Checkpoint"
	ActionOpeningReceiver          = "Opening Event Receiver"
	ActionClosingReceiver          = "Closing Event Receiver"
	ActionReceivingEvents          = "Receiving Events"
	ActionProcessingEvents         = "Processing Events"
	ActionOpeningProcessor         = "Opening Event Processor"
	ActionClosingProcessor         = "Closing Event Processor"
)

// ActionError wraps an error with the action tag during which it occurred.
type ActionError struct {
	// Action is one of the Action* tags.
	Action string

	// PartitionID is set for partition-scoped failures.
	PartitionID string

	// Err is the underlying cause.
	Err error
}

// NewActionError wraps err with an action tag. Returns nil when err is nil.
func NewActionError(action, partitionID string, err error) error {
	if err == nil {
		return nil
	}

	return &ActionError{Action: action, PartitionID: partitionID, Err: err}
}

// Error implements the error interface.
func (e *ActionError) Error() string {
	if e.PartitionID != "" {
		return fmt.Sprintf("%s (partition %s): %v", e.Action, e.PartitionID, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Action, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ActionError) Unwrap() error {
	return e.Err
}
