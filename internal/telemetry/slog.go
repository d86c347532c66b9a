package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupLogger installs the process-wide slog logger.
//
// format "json" selects the JSON handler; anything else gets the text handler.
// level is one of debug, info, warn, error (case-insensitive) and defaults to info.
func SetupLogger(format, level string) {
	handler := NewLogHandler(os.Stdout, format, level)
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialised", "format", format, "level", ParseLevel(level).String())
}

// NewLogHandler builds the handler SetupLogger installs, writing to w.
func NewLogHandler(w io.Writer, format, level string) slog.Handler {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps a config string onto a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
