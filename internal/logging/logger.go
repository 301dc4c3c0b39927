package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New returns the process-wide logger for the ingest worker. Output is JSON
// on stdout so collectors can parse it; LOG_FORMAT=console switches to a
// human-readable handler for local runs, and LOG_LEVEL (debug, info, warn,
// error) raises or lowers verbosity.
func New() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if format := os.Getenv("LOG_FORMAT"); format == "console" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", "community-ingest")
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
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
