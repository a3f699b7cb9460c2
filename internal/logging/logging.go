// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level names accepted in configuration.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config controls the process-wide logger.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output io.Writer
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// Logger is a structured logger bound to a component.
type Logger struct {
	sl *slog.Logger
}

var (
	mu      sync.RWMutex
	root    *Logger
	rootCfg Config
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a Logger from cfg and installs it as the process default.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}

	l := &Logger{sl: slog.New(h)}

	mu.Lock()
	root = l
	rootCfg = cfg
	mu.Unlock()

	return l
}

// Default returns the process default logger, creating one if needed.
func Default() *Logger {
	mu.RLock()
	l := root
	mu.RUnlock()
	if l != nil {
		return l
	}
	return New(DefaultConfig())
}

// WithComponent returns a child of the default logger tagged with a component name.
func WithComponent(name string) *Logger {
	return &Logger{sl: Default().sl.With("component", name)}
}

// With returns a child logger carrying the given attributes on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{sl: l.sl.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.sl.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.sl.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.sl.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.sl.Error(msg, args...) }

// Package-level helpers logging through the process default.

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
