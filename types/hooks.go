package types

import "context"

// ExceptionContext describes a host-scoped failure that has no processor to report to.
type ExceptionContext struct {
	// HostName is the name of the host that observed the failure.
	HostName string

	// Action is one of the Action* tags.
	Action string

	// PartitionID is set when the failure concerns a specific partition.
	PartitionID string

	// Err is the failure.
	Err error
}

// Hooks defines callbacks for host lifecycle events.
//
// All hooks are optional and called asynchronously in background goroutines
// to avoid blocking the scanner or pumps. Hooks receive the host's lifecycle
// context which will be cancelled during shutdown.
//
// IMPORTANT: Hook execution behavior:
//   - Hooks run concurrently and may not complete before Stop() returns
//   - The context passed to hooks is cancelled when the host stops
//   - Hook errors are logged but don't fail host operations
//
// Example:
//
//	hooks := &ephost.Hooks{
//	    OnException: func(ctx context.Context, ec ephost.ExceptionContext) error {
//	        alerts.Notify(ec.HostName, ec.Action, ec.Err)
//	        return nil
//	    },
//	}
type Hooks struct {
	// OnStateChanged is called when the host state transitions.
	OnStateChanged func(ctx context.Context, from, to HostState) error

	// OnLeaseAcquired is called after a lease is acquired or stolen and before its pump starts.
	OnLeaseAcquired func(ctx context.Context, lease Lease) error

	// OnLeaseLost is called when a pump closes because its lease was taken.
	OnLeaseLost func(ctx context.Context, partitionID string) error

	// OnException is the general exception-notification sink for host-scoped failures.
	OnException func(ctx context.Context, ec ExceptionContext) error
}
