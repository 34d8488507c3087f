// Package logging builds the process-wide slog logger from the
// LOG_FORMAT/LOG_LEVEL configuration.
package logging

import (
	"log/slog"
	"os"
)

// New builds a logger with the requested format and level and installs it
// as the slog default. Unknown levels fall back to info, unknown formats
// to JSON.
func New(logFormat, logLevel string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if logFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}
