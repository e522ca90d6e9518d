// Package hooks provides default Hooks callbacks.
package hooks

import (
	"context"

	"github.com/arloliu/ephost/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// This is the default implementation used when no custom hooks are provided,
// eliminating the need for nil checks throughout the codebase.
type NopHooks struct{}

// Compile-time assertions that NopHooks implements hook callbacks.
var (
	_ func(context.Context, types.HostState, types.HostState) error = (*NopHooks)(nil).OnStateChanged
	_ func(context.Context, types.Lease) error                       = (*NopHooks)(nil).OnLeaseAcquired
	_ func(context.Context, string) error                            = (*NopHooks)(nil).OnLeaseLost
	_ func(context.Context, types.ExceptionContext) error            = (*NopHooks)(nil).OnException
)

// NewNop creates a new no-op hooks implementation.
func NewNop() types.Hooks {
	h := &NopHooks{}
	return types.Hooks{
		OnStateChanged:  h.OnStateChanged,
		OnLeaseAcquired: h.OnLeaseAcquired,
		OnLeaseLost:     h.OnLeaseLost,
		OnException:     h.OnException,
	}
}

// Fill returns h with every nil callback replaced by its no-op counterpart.
func Fill(h *types.Hooks) types.Hooks {
	nop := NewNop()
	if h == nil {
		return nop
	}

	out := *h
	if out.OnStateChanged == nil {
		out.OnStateChanged = nop.OnStateChanged
	}
	if out.OnLeaseAcquired == nil {
		out.OnLeaseAcquired = nop.OnLeaseAcquired
	}
	if out.OnLeaseLost == nil {
		out.OnLeaseLost = nop.OnLeaseLost
	}
	if out.OnException == nil {
		out.OnException = nop.OnException
	}

	return out
}

// OnStateChanged is a no-op implementation.
func (h *NopHooks) OnStateChanged(_ context.Context, _, _ types.HostState) error {
	return nil
}

// OnLeaseAcquired is a no-op implementation.
func (h *NopHooks) OnLeaseAcquired(_ context.Context, _ types.Lease) error {
	return nil
}

// OnLeaseLost is a no-op implementation.
func (h *NopHooks) OnLeaseLost(_ context.Context, _ string) error {
	return nil
}

// OnException is a no-op implementation.
func (h *NopHooks) OnException(_ context.Context, _ types.ExceptionContext) error {
	return nil
}
