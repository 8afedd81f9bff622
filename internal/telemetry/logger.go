// Package telemetry holds the logger constructor and the Prometheus
// collectors shared by every package in the service.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger builds a structured logger writing to stdout. Format is "json"
// or "text"; level is debug/info/warn/error, defaulting to info.
func NewLogger(format, level string) *slog.Logger {
	lvl, ok := levelNames[strings.ToLower(level)]
	if !ok {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
