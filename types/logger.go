package types

// Logger defines methods for structured logging.
//
// Compatible with *slog.Logger through internal/logging, zap.SugaredLogger and other
// structured loggers. All methods accept key-value pairs for structured fields; components
// use the keys "host", "partition_id", "epoch", "reason" and "error".
type Logger interface {
	// Debug logs a message at DebugLevel.
	Debug(msg string, keysAndValues ...any)

	// Info logs a message at InfoLevel.
	Info(msg string, keysAndValues ...any)

	// Warn logs a message at WarnLevel.
	Warn(msg string, keysAndValues ...any)

	// Error logs a message at ErrorLevel.
	Error(msg string, keysAndValues ...any)

	// Fatal logs a message at FatalLevel and calls os.Exit(1).
	//
	// The host itself never calls Fatal; it is provided for applications sharing the logger.
	Fatal(msg string, keysAndValues ...any)
}
