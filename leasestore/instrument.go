package leasestore

import (
	"context"
	"time"

	"github.com/arloliu/ephost/types"
)

// StoreMetrics is the subset of types.MetricsCollector used by instrumented stores.
type StoreMetrics interface {
	RecordStoreOperation(operation string, duration float64)
}

// Instrument wraps a lease store so every call records its latency.
func Instrument(store types.LeaseStore, metrics StoreMetrics) types.LeaseStore {
	if metrics == nil {
		return store
	}

	return &instrumented{LeaseStore: store, metrics: metrics}
}

type instrumented struct {
	types.LeaseStore
	metrics StoreMetrics
}

func (s *instrumented) observe(op string, start time.Time) {
	s.metrics.RecordStoreOperation(op, time.Since(start).Seconds())
}

func (s *instrumented) GetLease(ctx context.Context, partitionID string) (*types.Lease, error) {
	defer s.observe("get", time.Now())
	return s.LeaseStore.GetLease(ctx, partitionID)
}

func (s *instrumented) GetAllLeases(ctx context.Context) ([]types.BaseLease, error) {
	defer s.observe("list", time.Now())
	return s.LeaseStore.GetAllLeases(ctx)
}

func (s *instrumented) AcquireLease(ctx context.Context, lease *types.Lease) (bool, error) {
	defer s.observe("acquire", time.Now())
	return s.LeaseStore.AcquireLease(ctx, lease)
}

func (s *instrumented) RenewLease(ctx context.Context, lease *types.Lease) (bool, error) {
	defer s.observe("renew", time.Now())
	return s.LeaseStore.RenewLease(ctx, lease)
}

func (s *instrumented) ReleaseLease(ctx context.Context, lease *types.Lease) error {
	defer s.observe("release", time.Now())
	return s.LeaseStore.ReleaseLease(ctx, lease)
}

func (s *instrumented) UpdateLease(ctx context.Context, lease *types.Lease) (bool, error) {
	defer s.observe("update", time.Now())
	return s.LeaseStore.UpdateLease(ctx, lease)
}
