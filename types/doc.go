// Package types provides core type definitions and interfaces for the event processor host.
//
// This package contains shared types that are used across multiple packages. By keeping
// these types in a separate package, we avoid import cycles between the root ephost
// package and its internal implementations.
//
// Key types:
//   - Lease, BaseLease, Checkpoint: partition ownership and position records
//   - LeaseStore, CheckpointStore: durable store contracts
//   - StreamClient, Receiver: event stream contracts
//   - EventProcessor, PartitionContext: user processor contract
//   - HostState, PumpState, CloseReason: lifecycle states
//   - Logger: Structured logging interface
//   - MetricsCollector: Metrics recording interface
package types
