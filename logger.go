package netframe

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library,
// so LoggerOption(slog.New(handler)) works as is.
//
// Transport goroutines only log through this interface; they never call back
// into application code.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// nopLogger drops everything. Used by the CLI's --quiet flag and by tests
// that would otherwise flood the output with expected disconnects.
type nopLogger struct{}

// NopLogger returns a Logger that discards all records.
func NopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
