package pollnet

import "log/slog"

// Logger is the structured logger used by the server loop and the client.
// *slog.Logger satisfies it, so callers can pass slog.New(...) directly.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger returns the process-wide slog logger.
func defaultLogger() Logger {
	return slog.Default()
}

// nopLogger discards everything. Useful in tests and benchmarks.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger returns a Logger that drops all records.
func NopLogger() Logger {
	return nopLogger{}
}
