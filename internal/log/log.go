// Package log provides structured logging for go-panda, wrapping slog.
// The level comes from Init or the PANDA_LOG environment variable, and
// output switches to JSON when GO_ENV=production.
package log

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	logger *slog.Logger
	once   sync.Once
)

// ParseLevel maps a level name to its slog level. Unknown names fall back
// to info so a typo in PANDA_LOG never silences logging.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// Init initializes the global logger. PANDA_LOG, when set, overrides the
// given level so a deployed binary can be turned verbose without flags.
// Only the first call takes effect.
func Init(level string) {
	once.Do(func() {
		if env := os.Getenv("PANDA_LOG"); env != "" {
			level = env
		}
		opts := &slog.HandlerOptions{Level: ParseLevel(level)}

		var handler slog.Handler
		if os.Getenv("GO_ENV") == "production" {
			handler = slog.NewJSONHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(os.Stdout, opts)
		}

		logger = slog.New(handler)
		slog.SetDefault(logger)
	})
}

// L returns the global logger, initializing it at info on first use.
func L() *slog.Logger {
	if logger == nil {
		Init("info")
	}
	return logger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	L().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	L().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	L().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	L().Error(msg, args...)
}

// With returns a logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}
