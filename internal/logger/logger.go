// Package logger provides leveled structured logging.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLevel maps a config string to a Level. Unknown strings select InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger provides leveled logging.
type Logger struct {
	level  Level
	logger *slog.Logger
}

var defaultLogger *Logger

// Init initializes the default logger with the specified level and format, writing to stderr.
func Init(level string, format string) {
	InitWriter(os.Stderr, level, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level string, format string) {
	l := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: l.slog()}

	var h slog.Handler
	if strings.ToLower(format) == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	defaultLogger = &Logger{
		level:  l,
		logger: slog.New(h),
	}
}

func logf(l Level, format string, args ...interface{}) {
	if defaultLogger == nil || defaultLogger.level > l {
		return
	}
	defaultLogger.logger.Log(context.Background(), l.slog(), fmt.Sprintf(format, args...))
}

func Debug(format string, args ...interface{}) {
	logf(DebugLevel, format, args...)
}

func Info(format string, args ...interface{}) {
	logf(InfoLevel, format, args...)
}

func Warn(format string, args ...interface{}) {
	logf(WarnLevel, format, args...)
}

func Error(format string, args ...interface{}) {
	logf(ErrorLevel, format, args...)
}

func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if defaultLogger != nil {
		defaultLogger.logger.Log(context.Background(), slog.LevelError+4, msg)
	} else {
		fmt.Fprintln(os.Stderr, "[FATAL] "+msg)
	}
	os.Exit(1)
}
