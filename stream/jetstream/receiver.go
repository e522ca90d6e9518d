package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/ephost/internal/natsutil"
	"github.com/arloliu/ephost/types"
)

// ErrReceiverClosed is returned by Receive after Close.
var ErrReceiverClosed = errors.New("receiver closed")

// Receiver reads one partition through an ordered consumer.
type Receiver struct {
	client      *Client
	partitionID string
	epoch       int64
	revision    uint64
	consumer    jetstream.Consumer
	prefetch    int

	cancel    context.CancelFunc
	fenced    chan struct{}
	fenceOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Compile-time assertion that Receiver implements types.Receiver.
var _ types.Receiver = (*Receiver)(nil)

// watch fences the receiver once any later open writes the partition epoch.
func (r *Receiver) watch(w jetstream.KeyWatcher) {
	defer func() { _ = w.Stop() }()

	for {
		select {
		case <-r.done:
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			if entry == nil || entry.Revision() <= r.revision {
				continue
			}
			r.fenceOnce.Do(func() { close(r.fenced) })
			r.client.logger.Debug("receiver fenced", "partition_id", r.partitionID, "epoch", r.epoch,
				"by", string(entry.Value()))

			return
		}
	}
}

func (r *Receiver) state() error {
	select {
	case <-r.done:
		return ErrReceiverClosed
	default:
	}
	select {
	case <-r.fenced:
		return fmt.Errorf("%w: partition %s epoch %d superseded", types.ErrFenced, r.partitionID, r.epoch)
	default:
	}

	return nil
}

// Receive implements types.Receiver.
func (r *Receiver) Receive(ctx context.Context, maxCount int, waitTime time.Duration) ([]types.EventData, error) {
	if err := r.state(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.prefetch > 0 && maxCount > r.prefetch {
		maxCount = r.prefetch
	}
	if deadline, ok := ctx.Deadline(); ok {
		waitTime = min(waitTime, time.Until(deadline))
	}
	if waitTime <= 0 {
		return nil, nil
	}

	batch, err := r.consumer.Fetch(maxCount, jetstream.FetchMaxWait(waitTime))
	if err != nil {
		return r.fetchError(err)
	}

	var events []types.EventData
	for msg := range batch.Messages() {
		ev, err := toEvent(msg)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := batch.Error(); err != nil && len(events) == 0 {
		return r.fetchError(err)
	}

	// Events fetched after a fence are dropped; the new owner reads them from the checkpoint.
	if err := r.state(); err != nil {
		return nil, err
	}

	return events, nil
}

func (r *Receiver) fetchError(err error) ([]types.EventData, error) {
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages) {
		return nil, nil
	}
	if natsutil.IsTransient(err) {
		r.client.logger.Warn("transient fetch error", "partition_id", r.partitionID, "error", err)
		return nil, nil
	}

	return nil, fmt.Errorf("failed to fetch from partition %s: %w", r.partitionID, err)
}

func toEvent(msg jetstream.Msg) (types.EventData, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return types.EventData{}, fmt.Errorf("failed to read message metadata: %w", err)
	}
	seq := int64(meta.Sequence.Stream) //nolint:gosec // stream sequences stay far below MaxInt64

	ev := types.EventData{
		Body:           msg.Data(),
		Offset:         strconv.FormatInt(seq, 10),
		SequenceNumber: seq,
		EnqueuedTime:   meta.Timestamp,
	}
	for k, v := range msg.Headers() {
		if len(v) == 0 {
			continue
		}
		if k == HeaderPartitionKey {
			ev.PartitionKey = v[0]
			continue
		}
		if ev.Properties == nil {
			ev.Properties = make(map[string]string)
		}
		ev.Properties[k] = v[0]
	}

	return ev, nil
}

// Close implements types.Receiver.
func (r *Receiver) Close(_ context.Context) error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.cancel()
		r.client.forget(r)
	})

	return nil
}
