package types

import "testing"

func TestHostStateString(t *testing.T) {
	tests := []struct {
		state HostState
		want  string
	}{
		{HostStateInit, "Init"},
		{HostStateInitializing, "Initializing"},
		{HostStateRunning, "Running"},
		{HostStateClosing, "Closing"},
		{HostStateClosed, "Closed"},
		{HostState(999), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("HostState.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPumpStateString(t *testing.T) {
	tests := []struct {
		state PumpState
		want  string
	}{
		{PumpStateUninitialized, "Uninitialized"},
		{PumpStateOpening, "Opening"},
		{PumpStateReceiving, "Receiving"},
		{PumpStateClosing, "Closing"},
		{PumpStateClosed, "Closed"},
		{PumpState(-1), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("PumpState.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCloseReasonString(t *testing.T) {
	if got := CloseReasonShutdown.String(); got != "Shutdown" {
		t.Errorf("CloseReasonShutdown.String() = %v", got)
	}
	if got := CloseReasonLeaseLost.String(); got != "LeaseLost" {
		t.Errorf("CloseReasonLeaseLost.String() = %v", got)
	}
	if got := CloseReason(7).String(); got != "Unknown" {
		t.Errorf("CloseReason(7).String() = %v", got)
	}
}
