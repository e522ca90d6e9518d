// Package kvutil provides utilities for working with NATS JetStream KeyValue stores.
package kvutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/ephost/internal/natsutil"
	"github.com/arloliu/ephost/internal/retry"
)

// DefaultAttempts is used when EnsureBucket is called with a non-positive attempt count.
const DefaultAttempts = 3

// EnsureBucket creates or opens a KV bucket, retrying transient failures.
//
// Several hosts usually start together and race to create the same bucket; losing the
// race (jetstream.ErrBucketExists) is resolved by opening the existing bucket.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - js: JetStream context
//   - cfg: KV bucket configuration
//   - maxAttempts: Maximum number of attempts (default: 3)
//
// Returns:
//   - jetstream.KeyValue: The KV bucket instance
//   - error: The last error once all attempts failed
//
// Example:
//
//	kv, err := kvutil.EnsureBucket(ctx, js, jetstream.KeyValueConfig{
//	    Bucket:  "ephost-leases",
//	    History: 1,
//	}, 3)
func EnsureBucket(
	ctx context.Context,
	js jetstream.JetStream,
	cfg jetstream.KeyValueConfig,
	maxAttempts int,
) (jetstream.KeyValue, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultAttempts
	}

	res := retry.Do(ctx, maxAttempts, retry.NewPolicy(10*time.Millisecond, 200*time.Millisecond),
		func(ctx context.Context) (jetstream.KeyValue, error) {
			kv, err := js.CreateKeyValue(ctx, cfg)
			if err == nil {
				return kv, nil
			}
			if !errors.Is(err, jetstream.ErrBucketExists) {
				return nil, classify(err)
			}

			kv, err = js.KeyValue(ctx, cfg.Bucket)
			if err != nil {
				return nil, fmt.Errorf("bucket exists but failed to open: %w", err)
			}

			return kv, nil
		})
	if !res.OK() {
		return nil, fmt.Errorf("failed to create/open KV bucket %s after %d attempts: %w",
			cfg.Bucket, res.Attempts, res.Err)
	}

	return res.Value, nil
}

// OpenBucket opens an existing bucket.
//
// Returns:
//   - jetstream.KeyValue: The bucket, or nil when it does not exist
//   - error: Any error other than jetstream.ErrBucketNotFound
func OpenBucket(ctx context.Context, js jetstream.JetStream, bucket string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return kv, nil
}

// classify stops retries for errors that a new attempt cannot fix.
func classify(err error) error {
	if natsutil.IsTransient(err) || errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return err
	}

	return retry.Permanent(err)
}
