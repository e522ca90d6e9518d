package ephost

import "github.com/arloliu/ephost/types"

// Re-export types from the types package.
//
// This file provides the public API of the library's core types and interfaces
// through type aliases. Internal packages depend on types rather than on the root
// package, which avoids import cycles while still offering ephost.Lease,
// ephost.Logger and so on to users.
type (
	Lease            = types.Lease
	BaseLease        = types.BaseLease
	Checkpoint       = types.Checkpoint
	EventData        = types.EventData
	EventPosition    = types.EventPosition
	ReceiverOptions  = types.ReceiverOptions
	PartitionContext = types.PartitionContext
	ExceptionContext = types.ExceptionContext
	ActionError      = types.ActionError
	HostState        = types.HostState
	PumpState        = types.PumpState
	CloseReason      = types.CloseReason
)

// Re-export interfaces from the types package for convenience.
type (
	LeaseStore                = types.LeaseStore
	CheckpointStore           = types.CheckpointStore
	StreamClient              = types.StreamClient
	Receiver                  = types.Receiver
	EventProcessor            = types.EventProcessor
	EventProcessorFactory     = types.EventProcessorFactory
	EventProcessorFactoryFunc = types.EventProcessorFactoryFunc
	InitialPositionProvider   = types.InitialPositionProvider
	MetricsCollector          = types.MetricsCollector
	Logger                    = types.Logger
	Hooks                     = types.Hooks
)

// Re-export HostState constants.
const (
	HostStateInit         = types.HostStateInit
	HostStateInitializing = types.HostStateInitializing
	HostStateRunning      = types.HostStateRunning
	HostStateClosing      = types.HostStateClosing
	HostStateClosed       = types.HostStateClosed
)

// Re-export CloseReason constants.
const (
	CloseReasonShutdown  = types.CloseReasonShutdown
	CloseReasonLeaseLost = types.CloseReasonLeaseLost
)

// Re-export event position constructors.
var (
	StartOfStream      = types.StartOfStream
	EndOfStream        = types.EndOfStream
	FromSequenceNumber = types.FromSequenceNumber
	FromCheckpoint     = types.FromCheckpoint
)
