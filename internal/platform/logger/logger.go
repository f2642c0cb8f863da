// Package logger constructs the process-wide structured logger. Every log
// line is JSON on stdout; the collector owns routing and retention.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a structured JSON logger. The level is taken from
// BASTION_LOG_LEVEL (debug, info, warn, error), defaulting to info.
func New() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: levelFromEnv(),
	})
	return slog.New(handler).With("service", "bastion")
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("BASTION_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
