// Package observability provides structured logging setup and the
// request-log audit trail for external-capability calls (page fetches and
// structuring calls). Every paid call a job makes lands here regardless of
// outcome, including the raw source payload that price validation ran
// against, so discrepancies can be investigated after the fact.
package observability

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide JSON logger. Level is one of
// "debug", "info", "warn", "error"; anything else means info.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
