// Package logging provides the structured logger shared by every package.
//
// The call shape (message plus a field map) follows the HTTP layer's
// historical jsonlog helpers; output goes through log/slog so that the
// JSON and text encodings stay consistent.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// Level is a configured minimum log level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls how log lines are rendered.
type Config struct {
	Level  string
	Format string // "json" or "text"
	Output io.Writer
}

// Logger emits structured entries at or above its minimum level.
type Logger struct {
	slog *slog.Logger
}

var (
	mu            sync.RWMutex
	defaultLogger = New(Config{Level: "info", Format: "text"})
)

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(out, opts)
	default:
		h = slog.NewTextHandler(out, opts)
	}
	return &Logger{slog: slog.New(h)}
}

// Init replaces the package-level logger.
func Init(cfg Config) {
	l := New(cfg)
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// Default returns the package-level logger.
func Default() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

func parseLevel(s string) slog.Level {
	switch Level(strings.ToLower(s)) {
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

// ValidLevel reports whether s names a known level.
func ValidLevel(s string) bool {
	switch Level(strings.ToLower(s)) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// fieldsToAttrs flattens fields in key order so text output is stable.
func fieldsToAttrs(fields map[string]any, err error) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys)*2+2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	if err != nil {
		args = append(args, "error", err.Error())
	}
	return args
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields map[string]any) {
	l.slog.Debug(msg, fieldsToAttrs(fields, nil)...)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields map[string]any) {
	l.slog.Info(msg, fieldsToAttrs(fields, nil)...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields map[string]any) {
	l.slog.Warn(msg, fieldsToAttrs(fields, nil)...)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields map[string]any, err error) {
	l.slog.Error(msg, fieldsToAttrs(fields, err)...)
}

// Global logging functions

func Debug(msg string, fields map[string]any) { Default().Debug(msg, fields) }

func Info(msg string, fields map[string]any) { Default().Info(msg, fields) }

func Warn(msg string, fields map[string]any) { Default().Warn(msg, fields) }

func Error(msg string, fields map[string]any, err error) { Default().Error(msg, fields, err) }
