// Package logging builds the slog loggers used by the agent and the server.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level, format and destination.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	// File, when set, receives log output through a rotating writer
	// instead of Stderr.
	File string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	Stderr io.Writer
}

// ParseLevel maps a level name onto a slog.Level. Unknown names are info.
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

// New returns a logger for opts and a closer for its destination. The
// closer is a no-op unless File is set.
func New(opts Options) (*slog.Logger, io.Closer) {
	var (
		w      io.Writer = opts.Stderr
		closer io.Closer = nopCloser{}
	)
	if w == nil {
		w = os.Stderr
	}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		w, closer = lj, lj
	}

	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	if strings.ToLower(opts.Format) == "json" {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	return slog.New(handler), closer
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
