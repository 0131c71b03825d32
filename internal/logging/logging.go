// Package logging configures streamgate's structured logger: slog to
// stderr for operators, plus a rotating file handler (streambot.log) per
// spec.md S6's persisted-state requirement.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the logger's level, output format, and log-file rotation.
type Config struct {
	Level      string
	Structured bool

	// File, when non-empty, is also written to via a rotating handler
	// (MaxSizeMB per file, MaxBackups retained).
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Configure builds the process-wide slog.Logger and installs it as the
// slog default.
func Configure(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	writers := []io.Writer{os.Stderr}
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    nonZero(cfg.MaxSizeMB, 100),
			MaxBackups: nonZero(cfg.MaxBackups, 5),
			Compress:   false,
		})
	}
	out := io.MultiWriter(writers...)

	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func parseLevel(s string) slog.Level {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
