// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// =============================================================================
// LOGGING
// =============================================================================

// ParseLevel maps a level name to a slog.Level. Unknown names are Info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Levels holds the live levels of a logger built by SetupLogger. Changing
// them takes effect on the next record.
type Levels struct {
	stderr slog.LevelVar
	file   slog.LevelVar
}

// Set applies a level name. Stderr only shows warnings and above unless
// the level is debug, so log lines do not interleave with streamed replies.
func (l *Levels) Set(name string) {
	level := ParseLevel(name)
	l.file.Set(level)
	if level == slog.LevelDebug {
		l.stderr.Set(level)
	} else {
		l.stderr.Set(max(level, slog.LevelWarn))
	}
}

// Level returns the file level, which is the configured one.
func (l *Levels) Level() slog.Level {
	return l.file.Level()
}

// SetupLogger creates a dual-output logger: text to stderr, JSON to file.
// If the file cannot be opened the logger writes to stderr only. The
// returned function closes the file.
func SetupLogger(cfg LoggingConfig, logFile string) (*slog.Logger, *Levels, func() error) {
	levels := &Levels{}
	levels.Set(cfg.Level)
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &levels.stderr})
	noop := func() error { return nil }

	if logFile == "" {
		return slog.New(stderrHandler), levels, noop
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		logger := slog.New(stderrHandler)
		logger.Warn("failed to create log directory, using stderr only", "error", err, "file", logFile)
		return logger, levels, noop
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		logger := slog.New(stderrHandler)
		logger.Warn("failed to open log file, using stderr only", "error", err, "file", logFile)
		return logger, levels, noop
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: &levels.file})
	logger := slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
	return logger, levels, file.Close
}

// SetupLoggerWithWriters creates a fan-out logger over custom writers.
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
}
