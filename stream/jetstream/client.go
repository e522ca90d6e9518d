// Package jetstream consumes a partitioned NATS JetStream stream.
//
// A stream with N partitions stores partition p under the subject "<prefix>.<p>". Each
// receiver reads one subject through an ordered consumer. Event sequence numbers are the
// stream sequence numbers, which increase monotonically within every partition.
//
// Epoch fencing uses a KV bucket holding the latest epoch per partition. Opening a
// receiver writes its epoch with a revision check; a lower epoch than the recorded one is
// rejected with types.ErrFenced, and every receiver watches its key so a later open fences
// it on its next Receive.
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
	"github.com/zeebo/xxh3"

	"github.com/arloliu/ephost/internal/kvutil"
	"github.com/arloliu/ephost/internal/logging"
	"github.com/arloliu/ephost/internal/natsutil"
	"github.com/arloliu/ephost/types"
)

// HeaderPartitionKey carries the key an event was routed by.
const HeaderPartitionKey = "Ephost-Partition-Key"

// casAttempts bounds epoch claim loops that lose to concurrent opens.
const casAttempts = 5

// ErrUnknownPartition is returned for partition ids the stream does not have.
var ErrUnknownPartition = errors.New("unknown partition")

// Config configures a Client.
type Config struct {
	// Stream is the JetStream stream name. Required.
	Stream string

	// Partitions is the partition count. Required.
	Partitions int

	// SubjectPrefix is prepended to partition ids. Defaults to Stream.
	SubjectPrefix string

	// EpochBucket is the KV bucket recording receiver epochs. Defaults to Stream + "_epochs".
	EpochBucket string

	// Replicas is used when the stream and bucket are created. Defaults to 1.
	Replicas int

	// MaxAge bounds event retention when the stream is created. Zero keeps events forever.
	MaxAge time.Duration

	// Logger receives client diagnostics. Defaults to a nop logger.
	Logger types.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = cfg.Stream
	}
	if cfg.EpochBucket == "" {
		cfg.EpochBucket = cfg.Stream + "_epochs"
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
}

// Client is a types.StreamClient over a JetStream stream.
type Client struct {
	cfg    Config
	js     jetstream.JetStream
	stream jetstream.Stream
	epochs jetstream.KeyValue
	ids    []string
	index  map[string]struct{}
	logger types.Logger

	mu        sync.Mutex
	receivers map[*Receiver]struct{}
}

// Compile-time assertion that Client implements StreamClient.
var _ types.StreamClient = (*Client)(nil)

// New creates the stream and the epoch bucket if they do not exist and returns a client.
//
// Parameters:
//   - ctx: Context bounding stream and bucket setup
//   - nc: NATS connection with JetStream enabled
//   - cfg: Stream name, partition count and optional settings
//
// Returns:
//   - *Client: Ready client
//   - error: Configuration or JetStream error
//
// Example:
//
//	client, err := jetstream.New(ctx, nc, jetstream.Config{Stream: "ORDERS", Partitions: 8})
//	if err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
func New(ctx context.Context, nc *nats.Conn, cfg Config) (*Client, error) {
	if cfg.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	if cfg.Partitions <= 0 {
		return nil, fmt.Errorf("partition count must be > 0, got %d", cfg.Partitions)
	}
	cfg.setDefaults()

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := ensureStream(ctx, js, cfg)
	if err != nil {
		return nil, err
	}

	epochs, err := kvutil.EnsureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:      cfg.EpochBucket,
		Description: "receiver epochs for stream " + cfg.Stream,
		History:     1,
		Replicas:    cfg.Replicas,
	}, kvutil.DefaultAttempts)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		js:        js,
		stream:    stream,
		epochs:    epochs,
		index:     make(map[string]struct{}, cfg.Partitions),
		logger:    cfg.Logger,
		receivers: make(map[*Receiver]struct{}),
	}
	for i := range cfg.Partitions {
		id := strconv.Itoa(i)
		c.ids = append(c.ids, id)
		c.index[id] = struct{}{}
	}

	return c, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg Config) (jetstream.Stream, error) {
	stream, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: fmt.Sprintf("ephost stream with %d partitions", cfg.Partitions),
		Subjects:    []string{cfg.SubjectPrefix + ".*"},
		Replicas:    cfg.Replicas,
		MaxAge:      cfg.MaxAge,
	})
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Stream, err)
	}

	stream, err = js.Stream(ctx, cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream %s: %w", cfg.Stream, err)
	}

	return stream, nil
}

func (c *Client) subject(partitionID string) string {
	return c.cfg.SubjectPrefix + "." + partitionID
}

func (c *Client) check(partitionID string) error {
	if _, ok := c.index[partitionID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPartition, partitionID)
	}

	return nil
}

// PartitionFor maps a routing key to a partition id.
func (c *Client) PartitionFor(key string) string {
	return c.ids[xxh3.HashString(key)%uint64(len(c.ids))]
}

// Publish appends an event to a partition.
//
// Parameters:
//   - ctx: Context for the publish acknowledgement
//   - partitionID: Target partition
//   - body: Event payload
//   - props: Optional properties, sent as message headers
//
// Returns:
//   - types.EventData: The event as receivers will see it
//   - error: Unknown partition or publish error
func (c *Client) Publish(ctx context.Context, partitionID string, body []byte, props map[string]string) (types.EventData, error) {
	return c.publish(ctx, partitionID, "", body, props)
}

// PublishKeyed appends an event to the partition selected by key.
func (c *Client) PublishKeyed(ctx context.Context, key string, body []byte, props map[string]string) (types.EventData, error) {
	return c.publish(ctx, c.PartitionFor(key), key, body, props)
}

func (c *Client) publish(ctx context.Context, partitionID, key string, body []byte, props map[string]string) (types.EventData, error) {
	if err := c.check(partitionID); err != nil {
		return types.EventData{}, err
	}

	msg := nats.NewMsg(c.subject(partitionID))
	msg.Data = body
	for k, v := range props {
		msg.Header.Set(k, v)
	}
	if key != "" {
		msg.Header.Set(HeaderPartitionKey, key)
	}

	ack, err := c.js.PublishMsg(ctx, msg)
	if err != nil {
		return types.EventData{}, fmt.Errorf("failed to publish to partition %s: %w", partitionID, err)
	}

	seq := int64(ack.Sequence) //nolint:gosec // stream sequences stay far below MaxInt64

	return types.EventData{
		Body:           body,
		Offset:         strconv.FormatInt(seq, 10),
		SequenceNumber: seq,
		EnqueuedTime:   time.Now(),
		PartitionKey:   key,
		Properties:     props,
	}, nil
}

// PartitionIDs implements types.StreamClient.
func (c *Client) PartitionIDs(ctx context.Context) ([]string, error) {
	if _, err := c.stream.Info(ctx); err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", c.cfg.Stream, err)
	}

	out := make([]string, len(c.ids))
	copy(out, c.ids)

	return out, nil
}

// Epoch returns the latest epoch recorded for a partition, or 0.
func (c *Client) Epoch(ctx context.Context, partitionID string) (int64, error) {
	entry, err := c.epochs.Get(ctx, partitionID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return decodeEpoch(entry.Value())
}

func decodeEpoch(data []byte) (int64, error) {
	return strconv.ParseInt(string(data), 10, 64)
}

// claimEpoch records epoch for a partition and returns the revision written.
// Equal epochs are written again so a receiver reopened by the same owner still fences
// the previous one.
func (c *Client) claimEpoch(ctx context.Context, partitionID string, epoch int64) (uint64, error) {
	value := []byte(strconv.FormatInt(epoch, 10))

	for attempt := 1; attempt <= casAttempts; attempt++ {
		entry, err := c.epochs.Get(ctx, partitionID)
		var rev uint64
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			rev, err = c.epochs.Create(ctx, partitionID, value)
		case err != nil:
			return 0, fmt.Errorf("failed to read epoch of partition %s: %w", partitionID, err)
		default:
			current, derr := decodeEpoch(entry.Value())
			if derr != nil {
				return 0, fmt.Errorf("invalid epoch record for partition %s: %w", partitionID, derr)
			}
			if epoch < current {
				return 0, fmt.Errorf("%w: partition %s epoch %d < %d", types.ErrFenced, partitionID, epoch, current)
			}
			rev, err = c.epochs.Update(ctx, partitionID, value, entry.Revision())
		}
		if err == nil {
			return rev, nil
		}
		if !natsutil.IsConflict(err) {
			return 0, fmt.Errorf("failed to record epoch of partition %s: %w", partitionID, err)
		}
		c.logger.Debug("epoch claim conflict", "partition_id", partitionID, "epoch", epoch, "attempt", attempt)
	}

	return 0, fmt.Errorf("failed to record epoch of partition %s: too many concurrent opens", partitionID)
}

func consumerConfig(subject string, pos types.EventPosition) jetstream.OrderedConsumerConfig {
	cfg := jetstream.OrderedConsumerConfig{FilterSubjects: []string{subject}}

	switch pos.Kind {
	case types.PositionEndOfStream:
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
	case types.PositionSequenceNumber:
		start := pos.SequenceNumber
		if !pos.Inclusive {
			start++
		}
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = uint64(max(start, 1)) //nolint:gosec // bounded below by 1
	default:
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}

	return cfg
}

// OpenReceiver implements types.StreamClient.
func (c *Client) OpenReceiver(ctx context.Context, partitionID string, pos types.EventPosition, epoch int64, opts types.ReceiverOptions) (types.Receiver, error) {
	if err := c.check(partitionID); err != nil {
		return nil, err
	}

	rev, err := c.claimEpoch(ctx, partitionID, epoch)
	if err != nil {
		return nil, err
	}

	cons, err := c.js.OrderedConsumer(ctx, c.cfg.Stream, consumerConfig(c.subject(partitionID), pos))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for partition %s: %w", partitionID, err)
	}

	// The watch replays the latest value first, so an open that raced ahead of this one
	// fences it immediately.
	watchCtx, cancel := context.WithCancel(context.Background())
	watcher, err := c.epochs.Watch(watchCtx, partitionID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch epoch of partition %s: %w", partitionID, err)
	}

	r := &Receiver{
		client:      c,
		partitionID: partitionID,
		epoch:       epoch,
		revision:    rev,
		consumer:    cons,
		prefetch:    opts.PrefetchCount,
		cancel:      cancel,
		fenced:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	go r.watch(watcher)

	c.mu.Lock()
	c.receivers[r] = struct{}{}
	c.mu.Unlock()

	c.logger.Debug("receiver opened", "partition_id", partitionID, "epoch", epoch, "position", pos.String())

	return r, nil
}

// Close implements types.StreamClient. Open receivers are closed.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	receivers := make([]*Receiver, 0, len(c.receivers))
	for r := range c.receivers {
		receivers = append(receivers, r)
	}
	c.mu.Unlock()

	var errs []error
	for _, r := range receivers {
		errs = append(errs, r.Close(ctx))
	}

	return errors.Join(errs...)
}

func (c *Client) forget(r *Receiver) {
	c.mu.Lock()
	delete(c.receivers, r)
	c.mu.Unlock()
}
