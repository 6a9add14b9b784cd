package utils

import (
	"go.uber.org/zap"
)

// Logger provides leveled key/value logging for a named component.
type Logger struct {
	name  string
	sugar *zap.SugaredLogger
}

// NewLogger creates a logger for the given component name on top of base.
// A nil base produces a logger that discards everything.
func NewLogger(base *zap.Logger, name string) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{
		name:  name,
		sugar: base.Named(name).Sugar(),
	}
}

// NopLogger returns a logger that discards all output
func NopLogger() *Logger {
	return NewLogger(nil, "nop")
}

// Name returns the component name
func (l *Logger) Name() string {
	return l.name
}

// With returns a child logger carrying the given key/value pairs on every entry
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{
		name:  l.name,
		sugar: l.sugar.With(keyvals...),
	}
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.sugar.Infow(msg, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.sugar.Errorw(msg, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.sugar.Warnw(msg, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.sugar.Debugw(msg, keyvals...)
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
