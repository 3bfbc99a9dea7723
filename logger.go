package coapfs

import "log/slog"

// Logger is the interface for structured logging.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger returns the slog default logger tagged with this package.
func defaultLogger() Logger {
	return slog.Default().With("component", "coapfs")
}
