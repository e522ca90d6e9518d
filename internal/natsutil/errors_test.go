package natsutil

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.True(t, IsTransient(nats.ErrTimeout))
	require.True(t, IsTransient(fmt.Errorf("fetch: %w", nats.ErrNoServers)))
	require.True(t, IsTransient(errors.New("dial tcp 127.0.0.1:4222: connect: connection refused")))
	require.False(t, IsTransient(jetstream.ErrKeyNotFound))
	require.False(t, IsTransient(errors.New("bad request")))
}

func TestIsConflict(t *testing.T) {
	require.True(t, IsConflict(jetstream.ErrKeyExists))
	require.True(t, IsConflict(fmt.Errorf("update: %w", jetstream.ErrKeyExists)))
	require.False(t, IsConflict(jetstream.ErrKeyNotFound))

	t.Run("wrong last sequence", func(t *testing.T) {
		err := &jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}
		require.True(t, IsConflict(fmt.Errorf("update: %w", err)))
		require.False(t, IsConflict(&jetstream.APIError{Code: 404, ErrorCode: jetstream.JSErrCodeStreamNotFound}))
	})
}
