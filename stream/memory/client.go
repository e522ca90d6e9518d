// Package memory provides an in-process partitioned event stream.
//
// Receivers are fenced by epoch like a durable stream: opening a receiver with a
// lower epoch than the partition has seen fails with types.ErrFenced, and opening one
// with an equal or higher epoch disconnects the previous receiver, whose next Receive
// returns types.ErrFenced.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/arloliu/ephost/types"
)

// ErrReceiverClosed is returned by Receive after Close.
var ErrReceiverClosed = errors.New("receiver closed")

// ErrUnknownPartition is returned for partition ids the stream does not have.
var ErrUnknownPartition = errors.New("unknown partition")

type partition struct {
	events []types.EventData
	epoch  int64
	active *Receiver
	wake   chan struct{}

	openFailures []error
	opens        int
}

// broadcast wakes every waiting receiver. Caller holds the client lock.
func (p *partition) broadcast() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// Client is an in-memory types.StreamClient.
type Client struct {
	mu         sync.Mutex
	ids        []string
	partitions map[string]*partition
	now        func() time.Time
}

// Compile-time assertion that Client implements StreamClient.
var _ types.StreamClient = (*Client)(nil)

// New creates a stream with the given partition ids.
func New(partitionIDs ...string) *Client {
	c := &Client{partitions: make(map[string]*partition, len(partitionIDs)), now: time.Now}
	for _, id := range partitionIDs {
		c.ids = append(c.ids, id)
		c.partitions[id] = &partition{wake: make(chan struct{})}
	}

	return c
}

// NewWithCount creates a stream with partitions "0" to "n-1".
func NewWithCount(n int) *Client {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = strconv.Itoa(i)
	}

	return New(ids...)
}

func (c *Client) partition(id string) (*partition, error) {
	p, ok := c.partitions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartition, id)
	}

	return p, nil
}

// Publish appends an event to a partition. Sequence numbers start at 1.
func (c *Client) Publish(partitionID string, body []byte) (types.EventData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.partition(partitionID)
	if err != nil {
		return types.EventData{}, err
	}

	seq := int64(len(p.events)) + 1
	ev := types.EventData{
		Body:           body,
		Offset:         strconv.FormatInt(seq, 10),
		SequenceNumber: seq,
		EnqueuedTime:   c.now(),
	}
	p.events = append(p.events, ev)
	p.broadcast()

	return ev, nil
}

// FailNextOpens makes the next OpenReceiver calls on a partition fail with errs, in order.
func (c *Client) FailNextOpens(partitionID string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, err := c.partition(partitionID); err == nil {
		p.openFailures = append(p.openFailures, errs...)
	}
}

// OpenCount returns how many times OpenReceiver was called for a partition.
func (c *Client) OpenCount(partitionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, err := c.partition(partitionID); err == nil {
		return p.opens
	}

	return 0
}

// Epoch returns the highest epoch a partition has seen.
func (c *Client) Epoch(partitionID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, err := c.partition(partitionID); err == nil {
		return p.epoch
	}

	return 0
}

// PartitionIDs implements types.StreamClient.
func (c *Client) PartitionIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.ids))
	copy(out, c.ids)

	return out, nil
}

// OpenReceiver implements types.StreamClient.
func (c *Client) OpenReceiver(ctx context.Context, partitionID string, pos types.EventPosition, epoch int64, _ types.ReceiverOptions) (types.Receiver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.partition(partitionID)
	if err != nil {
		return nil, err
	}
	p.opens++
	if len(p.openFailures) > 0 {
		err := p.openFailures[0]
		p.openFailures = p.openFailures[1:]

		return nil, err
	}
	if epoch < p.epoch {
		return nil, fmt.Errorf("%w: partition %s epoch %d < %d", types.ErrFenced, partitionID, epoch, p.epoch)
	}

	if p.active != nil {
		p.active.fenced = true
		p.broadcast()
	}

	next := int64(len(p.events)) + 1
	r := &Receiver{
		client:    c,
		partition: p,
		id:        partitionID,
		epoch:     epoch,
		next:      pos.FirstSequence(1, next),
	}
	p.epoch = epoch
	p.active = r

	return r, nil
}

// Close implements types.StreamClient.
func (c *Client) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.partitions {
		if p.active != nil {
			p.active.closed = true
			p.active = nil
		}
		p.broadcast()
	}

	return nil
}

// Receiver reads one partition of a Client.
type Receiver struct {
	client    *Client
	partition *partition
	id        string
	epoch     int64
	next      int64

	fenced bool
	closed bool
}

// Compile-time assertion that Receiver implements types.Receiver.
var _ types.Receiver = (*Receiver)(nil)

// Receive implements types.Receiver.
func (r *Receiver) Receive(ctx context.Context, maxCount int, waitTime time.Duration) ([]types.EventData, error) {
	timer := time.NewTimer(waitTime)
	defer timer.Stop()

	for {
		r.client.mu.Lock()
		switch {
		case r.closed:
			r.client.mu.Unlock()
			return nil, ErrReceiverClosed
		case r.fenced:
			r.client.mu.Unlock()
			return nil, fmt.Errorf("%w: partition %s taken by epoch %d", types.ErrFenced, r.id, r.partition.epoch)
		}

		events := r.partition.events
		if r.next <= int64(len(events)) {
			end := min(r.next-1+int64(maxCount), int64(len(events)))
			batch := make([]types.EventData, end-(r.next-1))
			copy(batch, events[r.next-1:end])
			r.next = end + 1
			r.client.mu.Unlock()

			return batch, nil
		}
		wake := r.partition.wake
		r.client.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wake:
		}
	}
}

// Close implements types.Receiver.
func (r *Receiver) Close(_ context.Context) error {
	r.client.mu.Lock()
	defer r.client.mu.Unlock()

	r.closed = true
	if r.partition.active == r {
		r.partition.active = nil
	}
	r.partition.broadcast()

	return nil
}
