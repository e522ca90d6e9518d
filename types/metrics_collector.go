package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods are called from internal goroutines and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces for better modularity.
type MetricsCollector interface {
	HostMetrics
	ScannerMetrics
	PumpMetrics
	StoreMetrics
}

// HostMetrics defines metrics for host-level operations.
type HostMetrics interface {
	// RecordStateTransition records a host state transition event.
	RecordStateTransition(from, to HostState, duration float64)

	// RecordInitialization records the outcome of store initialization.
	//
	// Parameters:
	//   - duration: Time taken in seconds
	//   - success: true if every phase succeeded
	RecordInitialization(duration float64, success bool)
}

// ScannerMetrics defines metrics for rebalancing scans.
type ScannerMetrics interface {
	// RecordScan records one scan pass.
	//
	// Parameters:
	//   - duration: Time taken in seconds
	//   - stole: true if the pass stole at least one lease
	RecordScan(duration float64, stole bool)

	// RecordLeaseAcquired records a successful acquisition.
	//
	// Parameters:
	//   - stolen: true if the lease was taken from another host
	RecordLeaseAcquired(stolen bool)

	// RecordOwnedLeases sets the number of leases this host owned at the start of the last pass.
	RecordOwnedLeases(count int)
}

// PumpMetrics defines metrics for partition pumps.
type PumpMetrics interface {
	// RecordActivePumps sets the current number of running pumps (gauge metric).
	RecordActivePumps(count int)

	// RecordLeaseRenewal records a renewal attempt.
	RecordLeaseRenewal(success bool)

	// RecordLeaseLost records a pump closing because its lease was lost.
	RecordLeaseLost(partitionID string)

	// RecordEventsProcessed records a delivered batch.
	//
	// Parameters:
	//   - partitionID: The partition the batch came from
	//   - count: Number of events in the batch
	//   - duration: Processor callback time in seconds
	RecordEventsProcessed(partitionID string, count int, duration float64)

	// RecordCheckpoint records a checkpoint attempt.
	RecordCheckpoint(success bool)
}

// StoreMetrics defines metrics for lease store operations.
type StoreMetrics interface {
	// RecordStoreOperation records lease store operation latency.
	//
	// Parameters:
	//   - operation: Operation type ("acquire", "renew", "release", "update", "list", "get")
	//   - duration: Time taken in seconds
	RecordStoreOperation(operation string, duration float64)
}
