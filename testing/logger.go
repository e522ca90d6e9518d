package testing

import (
	"testing"

	"github.com/arloliu/ephost/internal/logging"
	"github.com/arloliu/ephost/types"
)

// NewTestLogger creates a logger that writes to the test log, so host and pump
// logs appear next to the failing assertion.
func NewTestLogger(t *testing.T) types.Logger {
	return logging.NewTest(t)
}
