package logging

import "github.com/arloliu/ephost/types"

// withLogger is implemented by loggers that can bind fields natively.
type withLogger interface {
	With(keysAndValues ...any) types.Logger
}

// With returns a logger that adds keysAndValues to every message logged through it.
//
// Loggers with a native With method (such as SlogLogger) are asked to bind the fields
// themselves; any other logger is wrapped.
//
// Parameters:
//   - logger: Base logger, nil yields a nop logger
//   - keysAndValues: Fields to bind, e.g. "host", hostName
//
// Returns:
//   - types.Logger: Logger carrying the bound fields
func With(logger types.Logger, keysAndValues ...any) types.Logger {
	if logger == nil {
		return NewNop()
	}
	if len(keysAndValues) == 0 {
		return logger
	}
	if wl, ok := logger.(withLogger); ok {
		return wl.With(keysAndValues...)
	}

	return &boundLogger{base: logger, fields: keysAndValues}
}

type boundLogger struct {
	base   types.Logger
	fields []any
}

func (b *boundLogger) merge(keysAndValues []any) []any {
	out := make([]any, 0, len(b.fields)+len(keysAndValues))
	out = append(out, b.fields...)

	return append(out, keysAndValues...)
}

func (b *boundLogger) With(keysAndValues ...any) types.Logger {
	return &boundLogger{base: b.base, fields: b.merge(keysAndValues)}
}

func (b *boundLogger) Debug(msg string, keysAndValues ...any) {
	b.base.Debug(msg, b.merge(keysAndValues)...)
}

func (b *boundLogger) Info(msg string, keysAndValues ...any) {
	b.base.Info(msg, b.merge(keysAndValues)...)
}

func (b *boundLogger) Warn(msg string, keysAndValues ...any) {
	b.base.Warn(msg, b.merge(keysAndValues)...)
}

func (b *boundLogger) Error(msg string, keysAndValues ...any) {
	b.base.Error(msg, b.merge(keysAndValues)...)
}

func (b *boundLogger) Fatal(msg string, keysAndValues ...any) {
	b.base.Fatal(msg, b.merge(keysAndValues)...)
}
