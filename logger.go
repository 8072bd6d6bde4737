package kp184

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel type defines the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelNone // Disables logging
)

var levelNames = [...]string{
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
	LevelNone:    "NONE",
}

func (l LogLevel) String() string {
	if l < LevelDebug || l > LevelNone {
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLogLevel parses a level name, case-insensitive.
func ParseLogLevel(s string) (LogLevel, error) {
	for i, name := range levelNames {
		if strings.EqualFold(name, s) {
			return LogLevel(i), nil
		}
	}
	return LevelNone, fmt.Errorf("invalid log level: %s. Available levels: %s", s, strings.Join(levelNames[:], ", "))
}

// Logger is a level-filtered io.Writer. Components write messages
// starting with "[DEBUG]", "[INFO]", "[WARNING]" or "[ERROR]" through
// fmt.Fprintf; messages without a tag count as INFO.
type Logger struct {
	mu         sync.Mutex
	level      LogLevel
	output     io.Writer
	timeFormat string
	prefix     string
}

// NewLogger creates a Logger writing to output, os.Stderr if nil.
func NewLogger(output io.Writer, level LogLevel, prefix string) *Logger {
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		level:      level,
		output:     output,
		timeFormat: time.RFC3339,
		prefix:     prefix,
	}
}

// SetLevel sets the logging level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Write implements io.Writer. Messages below the level are dropped but
// reported as written.
func (l *Logger) Write(p []byte) (int, error) {
	level, msg := splitLevel(string(p))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level == LevelNone || level < l.level {
		return len(p), nil
	}
	line := fmt.Sprintf("%s [%s] <%s> %s\n", time.Now().Format(l.timeFormat), level, l.prefix, msg)
	if _, err := io.WriteString(l.output, line); err != nil {
		return 0, err
	}
	return len(p), nil
}

// splitLevel infers the level from the message tag and strips it.
func splitLevel(message string) (LogLevel, string) {
	message = strings.TrimSpace(message)
	upper := strings.ToUpper(message)
	for _, tag := range []struct {
		prefix string
		level  LogLevel
	}{
		{"[DEBUG]", LevelDebug},
		{"DEBUG:", LevelDebug},
		{"[INFO]", LevelInfo},
		{"INFO:", LevelInfo},
		{"[WARNING]", LevelWarning},
		{"WARNING:", LevelWarning},
		{"WARN:", LevelWarning},
		{"[ERROR]", LevelError},
		{"ERROR:", LevelError},
	} {
		if strings.HasPrefix(upper, tag.prefix) {
			return tag.level, strings.TrimSpace(message[len(tag.prefix):])
		}
	}
	return LevelInfo, message
}
