package observability

import (
	"fmt"
	"log"
	"sort"
)

// StandardLogger is a Logger implementation backed by the standard log package.
// Fields are rendered as sorted key=value pairs so log lines are stable.
type StandardLogger struct {
	prefix string
	level  LogLevel
}

// NewStandardLogger creates a new StandardLogger with the given prefix
func NewStandardLogger(prefix string) Logger {
	return &StandardLogger{
		prefix: prefix,
		level:  LogLevelInfo,
	}
}

// NewStandardLoggerWithLevel creates a StandardLogger with an explicit minimum level
func NewStandardLoggerWithLevel(prefix string, level LogLevel) Logger {
	return &StandardLogger{
		prefix: prefix,
		level:  level,
	}
}

// Debug logs a debug message
func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelDebug) {
		l.log(LogLevelDebug, msg, fields)
	}
}

// Info logs an info message
func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelInfo) {
		l.log(LogLevelInfo, msg, fields)
	}
}

// Warn logs a warning message
func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelWarn) {
		l.log(LogLevelWarn, msg, fields)
	}
}

// Error logs an error message
func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, fields)
}

// WithPrefix returns a new logger with the given prefix
func (l *StandardLogger) WithPrefix(prefix string) Logger {
	return &StandardLogger{
		prefix: prefix,
		level:  l.level,
	}
}

func (l *StandardLogger) levelEnabled(level LogLevel) bool {
	hierarchy := map[LogLevel]int{
		LogLevelDebug: 0,
		LogLevelInfo:  1,
		LogLevelWarn:  2,
		LogLevelError: 3,
	}
	return hierarchy[level] >= hierarchy[l.level]
}

func (l *StandardLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	log.Printf("[%s] [%s] %s%s", level, l.prefix, msg, formatFields(fields))
}

func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := ""
	for _, k := range keys {
		result += fmt.Sprintf(" %s=%v", k, fields[k])
	}
	return result
}

// NoopLogger is a Logger that discards everything. Used in tests.
type NoopLogger struct{}

// NewNoopLogger creates a logger that does nothing
func NewNoopLogger() Logger { return &NoopLogger{} }

// Debug is a no-op
func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}

// Info is a no-op
func (l *NoopLogger) Info(msg string, fields map[string]interface{}) {}

// Warn is a no-op
func (l *NoopLogger) Warn(msg string, fields map[string]interface{}) {}

// Error is a no-op
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}

// WithPrefix returns the same no-op logger
func (l *NoopLogger) WithPrefix(prefix string) Logger { return l }
