// Package logger provides structured logging utilities for the application.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Logger()
)

// Init initializes the global logger with the specified level and optional log file.
func Init(level string, logFile string) error {
	var writers []io.Writer

	// Console writer with pretty formatting
	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	writers = append(writers, consoleWriter)

	// File writer if specified
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, file)
	}

	multi := zerolog.MultiLevelWriter(writers...)

	mu.Lock()
	log = zerolog.New(multi).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Caller().
		Logger()
	mu.Unlock()

	return nil
}

// SetOutput replaces the log sink, keeping JSON encoding. Used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	log = zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	mu.Unlock()
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := log
	return &l
}

// Debug logs a debug message.
func Debug() *zerolog.Event {
	return current().Debug()
}

// Info logs an info message.
func Info() *zerolog.Event {
	return current().Info()
}

// Warn logs a warning message.
func Warn() *zerolog.Event {
	return current().Warn()
}

// Error logs an error message.
func Error() *zerolog.Event {
	return current().Error()
}

// Fatal logs a fatal message and exits.
func Fatal() *zerolog.Event {
	return current().Fatal()
}

// WithField returns a logger with the specified field.
func WithField(key string, value interface{}) zerolog.Logger {
	return current().With().Interface(key, value).Logger()
}
