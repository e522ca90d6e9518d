package logging

import "github.com/arloliu/ephost/types"

// NopLogger is a no-op logger that discards all log messages.
//
// It is the default logger of a Host.
type NopLogger struct{}

// Compile-time assertion that NopLogger implements Logger.
var _ types.Logger = (*NopLogger)(nil)

// NewNop creates a new no-op logger that discards all messages.
func NewNop() *NopLogger {
	return &NopLogger{}
}

// Debug discards the message.
func (n *NopLogger) Debug(_ string, _ ...any) {}

// Info discards the message.
func (n *NopLogger) Info(_ string, _ ...any) {}

// Warn discards the message.
func (n *NopLogger) Warn(_ string, _ ...any) {}

// Error discards the message.
func (n *NopLogger) Error(_ string, _ ...any) {}

// Fatal discards the message and does not exit.
func (n *NopLogger) Fatal(_ string, _ ...any) {}
