// Package metrics provides types.MetricsCollector implementations.
package metrics

import "github.com/arloliu/ephost/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. It is the default collector of a Host.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// HostMetrics implementation

// RecordStateTransition discards the state transition metric.
func (n *NopMetrics) RecordStateTransition(_ /* from */, _ /* to */ types.HostState, _ /* duration */ float64) {
}

// RecordInitialization discards the initialization metric.
func (n *NopMetrics) RecordInitialization(_ /* duration */ float64, _ /* success */ bool) {}

// ScannerMetrics implementation

// RecordScan discards the scan metric.
func (n *NopMetrics) RecordScan(_ /* duration */ float64, _ /* stole */ bool) {}

// RecordLeaseAcquired discards the acquisition metric.
func (n *NopMetrics) RecordLeaseAcquired(_ /* stolen */ bool) {}

// RecordOwnedLeases discards the owned lease gauge.
func (n *NopMetrics) RecordOwnedLeases(_ /* count */ int) {}

// PumpMetrics implementation

// RecordActivePumps discards the active pump gauge.
func (n *NopMetrics) RecordActivePumps(_ /* count */ int) {}

// RecordLeaseRenewal discards the renewal metric.
func (n *NopMetrics) RecordLeaseRenewal(_ /* success */ bool) {}

// RecordLeaseLost discards the lease lost metric.
func (n *NopMetrics) RecordLeaseLost(_ /* partitionID */ string) {}

// RecordEventsProcessed discards the batch metric.
func (n *NopMetrics) RecordEventsProcessed(_ /* partitionID */ string, _ /* count */ int, _ /* duration */ float64) {
}

// RecordCheckpoint discards the checkpoint metric.
func (n *NopMetrics) RecordCheckpoint(_ /* success */ bool) {}

// StoreMetrics implementation

// RecordStoreOperation discards the store latency metric.
func (n *NopMetrics) RecordStoreOperation(_ /* operation */ string, _ /* duration */ float64) {}
