package types

// HostState represents the partition manager lifecycle state.
//
// States follow a defined progression:
//
//	HostStateInit → HostStateInitializing → HostStateRunning → HostStateClosing → HostStateClosed
//
// A fatal initialization failure moves directly from HostStateInitializing to HostStateClosed.
type HostState int

const (
	// HostStateInit is the initial state before Start.
	HostStateInit HostState = iota

	// HostStateInitializing indicates stores and lease records are being created.
	HostStateInitializing

	// HostStateRunning indicates the scanner loop is active.
	HostStateRunning

	// HostStateClosing indicates pumps are being shut down.
	HostStateClosing

	// HostStateClosed is terminal.
	HostStateClosed
)

// String returns the string representation of the state.
func (s HostState) String() string {
	switch s {
	case HostStateInit:
		return "Init"
	case HostStateInitializing:
		return "Initializing"
	case HostStateRunning:
		return "Running"
	case HostStateClosing:
		return "Closing"
	case HostStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// PumpState represents the partition pump lifecycle state.
//
//	PumpStateOpening → PumpStateReceiving → PumpStateClosing → PumpStateClosed
type PumpState int

const (
	// PumpStateUninitialized is the state of a pump that has not been started.
	PumpStateUninitialized PumpState = iota

	// PumpStateOpening indicates the processor and receiver are being opened.
	PumpStateOpening

	// PumpStateReceiving indicates events are being delivered.
	PumpStateReceiving

	// PumpStateClosing indicates the pump is shutting down.
	PumpStateClosing

	// PumpStateClosed is terminal.
	PumpStateClosed
)

// String returns the string representation of the state.
func (s PumpState) String() string {
	switch s {
	case PumpStateUninitialized:
		return "Uninitialized"
	case PumpStateOpening:
		return "Opening"
	case PumpStateReceiving:
		return "Receiving"
	case PumpStateClosing:
		return "Closing"
	case PumpStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CloseReason tells a processor why it is being closed.
type CloseReason int

const (
	// CloseReasonShutdown means the host is stopping or the pump hit an unrecoverable error.
	// The lease is released.
	CloseReasonShutdown CloseReason = iota

	// CloseReasonLeaseLost means another host took the partition. The lease is not released.
	CloseReasonLeaseLost
)

// String returns the string representation of the reason.
func (r CloseReason) String() string {
	switch r {
	case CloseReasonShutdown:
		return "Shutdown"
	case CloseReasonLeaseLost:
		return "LeaseLost"
	default:
		return "Unknown"
	}
}
