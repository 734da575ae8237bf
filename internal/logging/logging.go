// internal/logging/logging.go
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"libradispatch/internal/config"
)

// Logger is what components log through. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ParseLevel maps debug/info/warn/error onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// New builds the process logger. Unknown levels fall back to info.
func New(cfg config.Logging, w io.Writer, service string) *slog.Logger {
	level, err := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(h).With("service", service)
	if err != nil {
		logger.Warn("falling back to info level", "error", err)
	}
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
