package logging

import (
	"fmt"
	"strings"
	"testing"

	"github.com/arloliu/ephost/types"
)

// TestLogger implements types.Logger using testing.TB for output,
// so log lines show up next to the failing test.
type TestLogger struct {
	tb testing.TB
}

// Compile-time assertion that TestLogger implements Logger.
var _ types.Logger = (*TestLogger)(nil)

// NewTest creates a new test logger that writes to tb.
//
// Example:
//
//	func TestSomething(t *testing.T) {
//	    logger := logging.NewTest(t)
//	    logger.Info("test started", "partition_id", "0")
//	}
func NewTest(tb testing.TB) *TestLogger {
	return &TestLogger{tb: tb}
}

// Debug logs a debug-level message with optional key-value pairs.
func (l *TestLogger) Debug(msg string, keysAndValues ...any) {
	l.tb.Helper()
	l.tb.Logf("DEBUG: %s %s", msg, formatKeyValues(keysAndValues))
}

// Info logs an info-level message with optional key-value pairs.
func (l *TestLogger) Info(msg string, keysAndValues ...any) {
	l.tb.Helper()
	l.tb.Logf("INFO: %s %s", msg, formatKeyValues(keysAndValues))
}

// Warn logs a warning-level message with optional key-value pairs.
func (l *TestLogger) Warn(msg string, keysAndValues ...any) {
	l.tb.Helper()
	l.tb.Logf("WARN: %s %s", msg, formatKeyValues(keysAndValues))
}

// Error logs an error-level message with optional key-value pairs.
func (l *TestLogger) Error(msg string, keysAndValues ...any) {
	l.tb.Helper()
	l.tb.Logf("ERROR: %s %s", msg, formatKeyValues(keysAndValues))
}

// Fatal logs a fatal-level message and fails the test.
func (l *TestLogger) Fatal(msg string, keysAndValues ...any) {
	l.tb.Helper()
	l.tb.Fatalf("FATAL: %s %s", msg, formatKeyValues(keysAndValues))
}

func formatKeyValues(keysAndValues []any) string {
	if len(keysAndValues) == 0 {
		return ""
	}

	var sb strings.Builder
	for i := 0; i < len(keysAndValues); i += 2 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if i+1 < len(keysAndValues) {
			fmt.Fprintf(&sb, "%v=%v", keysAndValues[i], keysAndValues[i+1])
		} else {
			fmt.Fprintf(&sb, "%v=<missing>", keysAndValues[i])
		}
	}

	return sb.String()
}
