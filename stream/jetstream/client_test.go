package jetstream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	ephosttest "github.com/arloliu/ephost/testing"
	"github.com/arloliu/ephost/types"
)

const waitTime = 200 * time.Millisecond

func newClient(t *testing.T, nc *nats.Conn, partitions int) *Client {
	t.Helper()

	c, err := New(t.Context(), nc, Config{
		Stream:     "EVENTS",
		Partitions: partitions,
		Logger:     ephosttest.NewTestLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	return c
}

func publishN(t *testing.T, c *Client, partitionID string, n int) []types.EventData {
	t.Helper()

	out := make([]types.EventData, 0, n)
	for i := range n {
		ev, err := c.Publish(t.Context(), partitionID, fmt.Appendf(nil, "%s-%d", partitionID, i), nil)
		require.NoError(t, err)
		out = append(out, ev)
	}

	return out
}

// receiveAll reads until want events arrived or the deadline passes.
func receiveAll(t *testing.T, r types.Receiver, want int) []types.EventData {
	t.Helper()

	var got []types.EventData
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < want && time.Now().Before(deadline) {
		batch, err := r.Receive(t.Context(), 10, waitTime)
		require.NoError(t, err)
		got = append(got, batch...)
	}

	return got
}

func TestNew_Validation(t *testing.T) {
	_, nc := ephosttest.StartEmbeddedNATS(t)

	_, err := New(t.Context(), nc, Config{Partitions: 2})
	require.Error(t, err)

	_, err = New(t.Context(), nc, Config{Stream: "EVENTS"})
	require.Error(t, err)
}

func TestClient_PartitionIDs(t *testing.T) {
	_, nc := ephosttest.StartEmbeddedNATS(t)
	c := newClient(t, nc, 3)

	ids, err := c.PartitionIDs(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"0", "1", "2"}, ids)

	t.Run("second client reuses the stream", func(t *testing.T) {
		again := newClient(t, nc, 3)
		publishN(t, c, "1", 2)

		r, err := again.OpenReceiver(t.Context(), "1", types.StartOfStream(), 1, types.ReceiverOptions{})
		require.NoError(t, err)
		require.Len(t, receiveAll(t, r, 2), 2)
	})
}

func TestNew_AdoptsExistingStream(t *testing.T) {
	_, nc := ephosttest.StartEmbeddedNATS(t)
	ephosttest.CreateJetStream(t, nc, "EVENTS", "EVENTS.*")

	c := newClient(t, nc, 2)
	ev, err := c.Publish(t.Context(), "1", []byte("x"), nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), ev.SequenceNumber)
}

func TestClient_ReceiveInOrder(t *testing.T) {
	_, nc := ephosttest.StartEmbeddedNATS(t)
	c := newClient(t, nc, 2)

	want := publishN(t, c, "0", 5)
	publishN(t, c, "1", 3)

	r, err := c.OpenReceiver(t.Context(), "0", types.StartOfStream(), 1, types.ReceiverOptions{PrefetchCount: 2})
	require.NoError(t, err)

	got := receiveAll(t, r, 5)
	require.Len(t, got, 5)
	for i, ev := range got {
		require.Equal(t, want[i].SequenceNumber, ev.SequenceNumber)
		require.Equal(t, want[i].Offset, ev.Offset)
		require.Equal(t, want[i].Body, ev.Body)
		if i > 0 {
			require.Greater(t, ev.SequenceNumber, got[i-1].SequenceNumber)
		}
	}
}

func TestClient_ReceiveTimeoutReturnsEmptyBatch(t *testing.T) {
	_, nc := ephosttest.StartEmbeddedNATS(t)
	c := newClient(t, nc, 1)

	r, err := c.OpenReceiver(t.Context(), "0", types.StartOfStream(), 1, types.ReceiverOptions{})
	require.NoError(t, err)

	start := time.Now()
	batch, err := r.Receive(t.Context(), 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, batch)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestClient_StartPositions(t *testing.T) {
	_, nc := ephosttest.StartEmbeddedNATS(t)
	c := newClient(t, nc, 1)
	published := publishN(t, c, "0", 4)

	t.Run("after checkpoint", func(t *testing.T) {
		cp := published[1].Checkpoint("0")
		r, err := c.OpenReceiver(t.Context(), "0", types.FromCheckpoint(cp), 1, types.ReceiverOptions{})
		require.NoError(t, err)

		got := receiveAll(t, r, 2)
		require.Len(t, got, 2)
		require.Equal(t, published[2].SequenceNumber, got[0].SequenceNumber)
	})

	t.Run("inclusive sequence", func(t *testing.T) {
		r, err := c.OpenReceiver(t.Context(), "0", types.FromSequenceNumber(published[3].SequenceNumber, true), 2, types.ReceiverOptions{})
		require.NoError(t, err)

		got := receiveAll(t, r, 1)
		require.Len(t, got, 1)
		require.Equal(t, published[3].SequenceNumber, got[0].SequenceNumber)
	})

	t.Run("end of stream", func(t *testing.T) {
		r, err := c.OpenReceiver(t.Context(), "0", types.EndOfStream(), 3, types.ReceiverOptions{})
		require.NoError(t, err)

		batch, err := r.Receive(t.Context(), 10, 100*time.Millisecond)
		require.NoError(t, err)
		require.Empty(t, batch)

		fresh := publishN(t, c, "0", 1)
		got := receiveAll(t, r, 1)
		require.Len(t, got, 1)
		require.Equal(t, fresh[0].SequenceNumber, got[0].SequenceNumber)
	})
}

func TestClient_EpochFencing(t *testing.T) {
	_, nc := ephosttest.StartEmbeddedNATS(t)
	c := newClient(t, nc, 1)

	first, err := c.OpenReceiver(t.Context(), "0", types.StartOfStream(), 2, types.ReceiverOptions{})
	require.NoError(t, err)

	t.Run("lower epoch is rejected", func(t *testing.T) {
		_, err := c.OpenReceiver(t.Context(), "0", types.StartOfStream(), 1, types.ReceiverOptions{})
		require.ErrorIs(t, err, types.ErrFenced)

		epoch, err := c.Epoch(t.Context(), "0")
		require.NoError(t, err)
		require.Equal(t, int64(2), epoch)
	})

	t.Run("higher epoch fences the holder", func(t *testing.T) {
		second, err := c.OpenReceiver(t.Context(), "0", types.StartOfStream(), 3, types.ReceiverOptions{})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, err := first.Receive(t.Context(), 10, 50*time.Millisecond)
			return errors.Is(err, types.ErrFenced)
		}, 5*time.Second, 20*time.Millisecond)

		publishN(t, c, "0", 1)
		require.Len(t, receiveAll(t, second, 1), 1)
	})

	t.Run("closed receiver", func(t *testing.T) {
		require.NoError(t, first.Close(t.Context()))
		_, err := first.Receive(t.Context(), 10, waitTime)
		require.ErrorIs(t, err, ErrReceiverClosed)
	})
}

func TestClient_PublishKeyed(t *testing.T) {
	_, nc := ephosttest.StartEmbeddedNATS(t)
	c := newClient(t, nc, 4)

	partition := c.PartitionFor("customer-42")
	require.Equal(t, partition, c.PartitionFor("customer-42"))

	ev, err := c.PublishKeyed(t.Context(), "customer-42", []byte("hello"), map[string]string{"kind": "greeting"})
	require.NoError(t, err)
	require.Equal(t, "customer-42", ev.PartitionKey)

	r, err := c.OpenReceiver(t.Context(), partition, types.StartOfStream(), 1, types.ReceiverOptions{})
	require.NoError(t, err)

	got := receiveAll(t, r, 1)
	require.Len(t, got, 1)
	require.Equal(t, "customer-42", got[0].PartitionKey)
	require.Equal(t, "greeting", got[0].Properties["kind"])
	require.Equal(t, []byte("hello"), got[0].Body)
	require.False(t, got[0].EnqueuedTime.IsZero())
}

func TestClient_UnknownPartition(t *testing.T) {
	_, nc := ephosttest.StartEmbeddedNATS(t)
	c := newClient(t, nc, 1)

	_, err := c.Publish(t.Context(), "7", nil, nil)
	require.ErrorIs(t, err, ErrUnknownPartition)

	_, err = c.OpenReceiver(t.Context(), "7", types.StartOfStream(), 1, types.ReceiverOptions{})
	require.ErrorIs(t, err, ErrUnknownPartition)
}
