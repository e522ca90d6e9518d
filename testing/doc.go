// Package testing provides test utilities for the event processor host.
//
// It follows Go's convention of providing testing utilities in a dedicated package
// (similar to net/http/httptest).
//
// Key utilities:
//   - StartEmbeddedNATS: Single NATS server with JetStream
//   - CreateJetStreamKV: KV bucket for lease store tests
//   - CreateJetStream: stream for stream client tests
//   - RecordingFactory / RecordingProcessor: processor that records every callback
//     and detects overlapping callbacks
//
// Example usage:
//
//	import (
//	    "testing"
//	    ephosttest "github.com/arloliu/ephost/testing"
//	)
//
//	func TestMyHost(t *testing.T) {
//	    factory := ephosttest.NewRecordingFactory()
//	    host, _ := ephost.NewHost(cfg, client, store, store, factory)
//	    // ...
//	    require.True(t, factory.WaitEvents(10, 5*time.Second))
//	}
package testing
