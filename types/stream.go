package types

import (
	"context"
	"strconv"
	"time"
)

// EventData is one event delivered from a partition.
type EventData struct {
	// Body is the event payload.
	Body []byte

	// Offset is the stream-specific position of the event.
	Offset string

	// SequenceNumber is the monotonically increasing position of the event within its partition.
	SequenceNumber int64

	// EnqueuedTime is when the stream accepted the event.
	EnqueuedTime time.Time

	// PartitionKey is the key the publisher used to route the event, if any.
	PartitionKey string

	// Properties holds application-defined metadata.
	Properties map[string]string
}

// Checkpoint returns the position of the event as a checkpoint for partitionID.
func (e EventData) Checkpoint(partitionID string) Checkpoint {
	return Checkpoint{PartitionID: partitionID, Offset: e.Offset, SequenceNumber: e.SequenceNumber}
}

// PositionKind selects how an EventPosition is interpreted.
type PositionKind int

const (
	// PositionStartOfStream starts at the oldest retained event.
	PositionStartOfStream PositionKind = iota

	// PositionEndOfStream starts after the newest event at open time.
	PositionEndOfStream

	// PositionSequenceNumber starts at a specific sequence number.
	PositionSequenceNumber
)

// EventPosition tells a receiver where to start reading.
type EventPosition struct {
	Kind           PositionKind
	SequenceNumber int64
	Inclusive      bool
}

// StartOfStream returns a position at the oldest retained event.
func StartOfStream() EventPosition {
	return EventPosition{Kind: PositionStartOfStream}
}

// EndOfStream returns a position after the newest event.
func EndOfStream() EventPosition {
	return EventPosition{Kind: PositionEndOfStream}
}

// FromSequenceNumber returns a position at seq. When inclusive is false the event at
// seq itself is skipped.
func FromSequenceNumber(seq int64, inclusive bool) EventPosition {
	return EventPosition{Kind: PositionSequenceNumber, SequenceNumber: seq, Inclusive: inclusive}
}

// FromCheckpoint returns the position right after a checkpoint.
// An uninitialized checkpoint maps to the start of the stream.
func FromCheckpoint(cp Checkpoint) EventPosition {
	if !cp.IsInitialized() {
		return StartOfStream()
	}

	return FromSequenceNumber(cp.SequenceNumber, false)
}

// FirstSequence returns the first sequence number to deliver given the sequence
// number of the oldest retained event and the next sequence to be assigned.
func (p EventPosition) FirstSequence(oldest, next int64) int64 {
	switch p.Kind {
	case PositionEndOfStream:
		return next
	case PositionSequenceNumber:
		if p.Inclusive {
			return max(p.SequenceNumber, oldest)
		}

		return max(p.SequenceNumber+1, oldest)
	default:
		return oldest
	}
}

// String returns a readable form of the position.
func (p EventPosition) String() string {
	switch p.Kind {
	case PositionStartOfStream:
		return "start"
	case PositionEndOfStream:
		return "end"
	case PositionSequenceNumber:
		if p.Inclusive {
			return ">=" + strconv.FormatInt(p.SequenceNumber, 10)
		}

		return ">" + strconv.FormatInt(p.SequenceNumber, 10)
	default:
		return "unknown"
	}
}

// InitialPositionProvider returns the position for a partition that has no checkpoint.
type InitialPositionProvider func(partitionID string) EventPosition

// ReceiverOptions tunes a receiver.
type ReceiverOptions struct {
	// PrefetchCount is the number of events the client may buffer ahead of Receive.
	PrefetchCount int
}

// StreamClient is the event stream the host consumes.
type StreamClient interface {
	// PartitionIDs returns every partition of the stream.
	PartitionIDs(ctx context.Context) ([]string, error)

	// OpenReceiver opens a receiver on a partition tagged with the lease epoch.
	//
	// A strictly higher epoch always wins: opening with an epoch lower than one already
	// seen for the partition returns ErrFenced, and opening with a higher epoch
	// disconnects any receiver holding a lower one.
	OpenReceiver(ctx context.Context, partitionID string, pos EventPosition, epoch int64, opts ReceiverOptions) (Receiver, error)

	// Close releases client resources.
	Close(ctx context.Context) error
}

// Receiver delivers batches from one partition.
type Receiver interface {
	// Receive waits up to waitTime for at most maxCount events. An empty batch with
	// a nil error means the wait timed out. ErrFenced is returned once a higher epoch
	// has taken the partition.
	Receive(ctx context.Context, maxCount int, waitTime time.Duration) ([]EventData, error)

	// Close disconnects the receiver.
	Close(ctx context.Context) error
}
