package testing

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
)

func TestStartEmbeddedNATS(t *testing.T) {
	ns, nc := StartEmbeddedNATS(t)

	require.NotNil(t, ns)
	require.NotNil(t, nc)
	require.True(t, nc.IsConnected())
	require.True(t, ns.ReadyForConnections(1*time.Second))

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	_, err = js.AccountInfo(t.Context())
	require.NoError(t, err)
}

// TestStartEmbeddedNATS_ParallelTests verifies parallel test execution.
func TestStartEmbeddedNATS_ParallelTests(t *testing.T) {
	t.Parallel()

	for range 5 {
		t.Run("parallel", func(t *testing.T) {
			t.Parallel()

			_, nc := StartEmbeddedNATS(t)
			require.NotNil(t, nc)
			require.True(t, nc.IsConnected())
		})
	}
}

func TestCreateJetStreamKV(t *testing.T) {
	ctx := t.Context()
	_, nc := StartEmbeddedNATS(t)

	kv := CreateJetStreamKV(t, nc, "test-bucket")
	require.NotNil(t, kv)

	rev, err := kv.Create(ctx, "lease", []byte("v1"))
	require.NoError(t, err)

	_, err = kv.Update(ctx, "lease", []byte("v2"), rev+10)
	require.Error(t, err, "stale revision must be rejected")

	_, err = kv.Update(ctx, "lease", []byte("v2"), rev)
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "lease")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), entry.Value())
}

func TestCreateJetStream(t *testing.T) {
	ctx := t.Context()
	_, nc := StartEmbeddedNATS(t)

	js := CreateJetStream(t, nc, "EVENTS", "events.>")

	ack, err := js.Publish(ctx, "events.0", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), ack.Sequence)

	stream, err := js.Stream(ctx, "EVENTS")
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), info.State.Msgs)
}
