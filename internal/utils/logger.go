// Package utils provides utility functions for the Antigravity proxy.
package utils

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel mirrors the proxy's own level names onto zerolog's levels, kept
// distinct from zerolog.Level so callers and the log history buffer don't
// need to import zerolog directly.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "INFO"
	LogLevelSuccess LogLevel = "SUCCESS"
	LogLevelWarn    LogLevel = "WARN"
	LogLevelError   LogLevel = "ERROR"
	LogLevelDebug   LogLevel = "DEBUG"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

// LogListener is a function that receives log entries, used by the web UI's
// live console to tail proxy activity without polling a file.
type LogListener func(entry LogEntry)

// Logger wraps a zerolog.Logger with a bounded in-memory history and a
// fan-out to LogListeners, so the same stream that goes to stdout can also
// be replayed to a dashboard.
type Logger struct {
	mu         sync.RWMutex
	zl         zerolog.Logger
	history    []LogEntry
	maxHistory int
	listeners  []LogListener
}

// NewLogger creates a new Logger instance writing colored, human-readable
// lines to stdout via zerolog's ConsoleWriter, giving callers the same
// bracketed prefix style as a hand-rolled print loop but backed by
// zerolog's leveling and structured fields.
func NewLogger() *Logger {
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339Nano}
	zl := zerolog.New(console).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	return &Logger{
		zl:         zl,
		history:    make([]LogEntry, 0),
		maxHistory: 1000,
		listeners:  make([]LogListener, 0),
	}
}

// SetDebug enables or disables debug mode
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if enabled {
		l.zl = l.zl.Level(zerolog.DebugLevel)
	} else {
		l.zl = l.zl.Level(zerolog.InfoLevel)
	}
}

// IsDebugEnabled returns whether debug mode is enabled
func (l *Logger) IsDebugEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zl.GetLevel() <= zerolog.DebugLevel
}

// AddListener adds a log listener
func (l *Logger) AddListener(listener LogListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// GetHistory returns the log history
func (l *Logger) GetHistory() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]LogEntry, len(l.history))
	copy(result, l.history)
	return result
}

// record formats the message, emits it through zerolog, and fans it out to
// the history buffer and any registered listeners.
func (l *Logger) record(level LogLevel, zlevel zerolog.Level, message string, args ...interface{}) {
	formatted := message
	if len(args) > 0 {
		formatted = fmt.Sprintf(message, args...)
	}

	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()
	zl.WithLevel(zlevel).Msg(formatted)

	entry := LogEntry{Timestamp: time.Now().UTC().Format(time.RFC3339Nano), Level: level, Message: formatted}

	l.mu.Lock()
	l.history = append(l.history, entry)
	if len(l.history) > l.maxHistory {
		l.history = l.history[1:]
	}
	listeners := make([]LogListener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	for _, listener := range listeners {
		listener(entry)
	}
}

// Info logs a standard info message
func (l *Logger) Info(message string, args ...interface{}) {
	l.record(LogLevelInfo, zerolog.InfoLevel, message, args...)
}

// Success logs a success message. zerolog has no dedicated success level, so
// it rides on Info with its own history tag for the web UI to style.
func (l *Logger) Success(message string, args ...interface{}) {
	l.record(LogLevelSuccess, zerolog.InfoLevel, message, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, args ...interface{}) {
	l.record(LogLevelWarn, zerolog.WarnLevel, message, args...)
}

// Error logs an error message
func (l *Logger) Error(message string, args ...interface{}) {
	l.record(LogLevelError, zerolog.ErrorLevel, message, args...)
}

// Debug logs a debug message (only if debug mode is enabled)
func (l *Logger) Debug(message string, args ...interface{}) {
	l.record(LogLevelDebug, zerolog.DebugLevel, message, args...)
}

// Log prints a raw message without level decoration, for banner-style output.
func (l *Logger) Log(message string, args ...interface{}) {
	l.zl.Log().Msg(fmt.Sprintf(message, args...))
}

// Header prints a section header
func (l *Logger) Header(title string) {
	l.zl.Log().Msg("=== " + title + " ===")
}

// Global logger instance
var (
	globalLogger     *Logger
	globalLoggerOnce sync.Once
)

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	globalLoggerOnce.Do(func() {
		globalLogger = NewLogger()
	})
	return globalLogger
}

// Convenience functions using the global logger

// Info logs a standard info message using the global logger
func Info(message string, args ...interface{}) {
	GetLogger().Info(message, args...)
}

// Success logs a success message using the global logger
func Success(message string, args ...interface{}) {
	GetLogger().Success(message, args...)
}

// Warn logs a warning message using the global logger
func Warn(message string, args ...interface{}) {
	GetLogger().Warn(message, args...)
}

// Error logs an error message using the global logger
func Error(message string, args ...interface{}) {
	GetLogger().Error(message, args...)
}

// Debug logs a debug message using the global logger
func Debug(message string, args ...interface{}) {
	GetLogger().Debug(message, args...)
}

// SetDebug enables or disables debug mode on the global logger
func SetDebug(enabled bool) {
	GetLogger().SetDebug(enabled)
}

// IsDebug returns whether debug mode is enabled on the global logger
func IsDebug() bool {
	return GetLogger().IsDebugEnabled()
}
