// Package logging configures structured logging for the session coordinator.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level allows the log level to change at runtime.
var Level slog.LevelVar

// Options describes how the default logger is built.
type Options struct {
	Level   string
	Format  string
	Service string
	Writer  io.Writer
}

// Setup configures the default slog logger from LOG_LEVEL and LOG_FORMAT.
// The stdlib "log" package is bridged so library output stays structured.
func Setup() *slog.Logger {
	return Configure(Options{
		Level:   os.Getenv("LOG_LEVEL"),
		Format:  os.Getenv("LOG_FORMAT"),
		Service: "session-coordinator",
		Writer:  os.Stderr,
	})
}

// Configure builds the default logger from explicit options.
func Configure(opts Options) *slog.Logger {
	Level.Set(ParseLevel(opts.Level))

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: &Level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "text":
		handler = slog.NewTextHandler(w, handlerOpts)
	default:
		handler = slog.NewJSONHandler(w, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	slog.SetDefault(logger)

	log.SetOutput(&stdlibBridge{logger: logger})
	log.SetFlags(0)
	return logger
}

// ParseLevel converts a level name to slog.Level, defaulting to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// RedactToken returns a stable fingerprint for a credential so log lines can
// be correlated without exposing the secret.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "tok_" + hex.EncodeToString(sum[:3])
}

type stdlibBridge struct {
	logger *slog.Logger
}

func (b *stdlibBridge) Write(p []byte) (int, error) {
	b.logger.Info(strings.TrimRight(string(p), "\n"), "source", "stdlib")
	return len(p), nil
}
