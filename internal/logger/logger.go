// Package logger provides a small leveled logger used for process
// startup and CLI output. Service internals use log/slog instead; this
// logger exists for the banner/progress lines a human watches on a
// terminal.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// LogLevel names one of the five levels this logger recognizes.
type LogLevel string

const (
	LogLevelLog   LogLevel = "log"
	LogLevelError LogLevel = "error"
	LogLevelWarn  LogLevel = "warn"
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
)

var logLevels = []LogLevel{"log", "error", "warn", "info", "debug"}

// Logger is a small named, leveled logger writing single-line (or, for
// Debug, single-line JSON) records to an io.Writer.
type Logger struct {
	name   string
	level  int // index into logLevels
	output io.Writer
}

// New creates a Logger defaulting to the "info" level.
func New(name string) *Logger {
	return NewWithLevel(name, "info", os.Stdout)
}

// NewWebapp creates a Logger for the API/webapp process, defaulting to
// "debug" unless GRIMOIRELAB_LOG_LEVEL overrides it.
func NewWebapp(name string) *Logger {
	defaultLevel := "debug"
	if envLevel := os.Getenv("GRIMOIRELAB_LOG_LEVEL"); envLevel != "" {
		defaultLevel = envLevel
	}
	return NewWithLevel(name, defaultLevel, os.Stdout)
}

// NewWithLevel creates a Logger with an explicit level and output,
// overridden by GRIMOIRELAB_LOG_LEVEL if set.
func NewWithLevel(name string, levelStr string, output io.Writer) *Logger {
	if envLevel := os.Getenv("GRIMOIRELAB_LOG_LEVEL"); envLevel != "" {
		levelStr = envLevel
	}

	levelIndex := -1
	for i, l := range logLevels {
		if string(l) == levelStr {
			levelIndex = i
			break
		}
	}
	if levelIndex == -1 {
		levelIndex = 3 // info
	}

	return &Logger{name: name, level: levelIndex, output: output}
}

func formattedDateTime() string {
	now := time.Now()
	return fmt.Sprintf("%02d:%02d:%02d.%03d", now.Hour(), now.Minute(), now.Second(), now.Nanosecond()/1_000_000)
}

func joinArgs(args []interface{}) string {
	switch len(args) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%v", args[0])
	default:
		return fmt.Sprint(args...)
	}
}

func (l *Logger) write(minLevel int, args []interface{}) {
	if l.level < minLevel {
		return
	}
	fmt.Fprintf(l.output, "[%s] [%s] %s\n", formattedDateTime(), l.name, joinArgs(args))
}

func (l *Logger) Log(args ...interface{})   { l.write(0, args) }
func (l *Logger) Error(args ...interface{}) { l.write(1, args) }
func (l *Logger) Warn(args ...interface{})  { l.write(2, args) }
func (l *Logger) Info(args ...interface{})  { l.write(3, args) }

// Debug writes a structured JSON record, since debug lines tend to carry
// a payload worth grepping for rather than free text.
func (l *Logger) Debug(message string, args ...interface{}) {
	if l.level < 4 {
		return
	}

	record := map[string]interface{}{
		"timestamp": time.Now(),
		"name":      l.name,
		"message":   message,
	}
	if len(args) == 1 {
		record["args"] = args[0]
	} else if len(args) > 1 {
		record["args"] = args
	}

	jsonBytes, err := json.Marshal(record)
	if err != nil {
		fmt.Fprintf(l.output, "[%s] [%s] DEBUG: %s (marshal error: %v)\n", formattedDateTime(), l.name, message, err)
		return
	}
	fmt.Fprintln(l.output, string(jsonBytes))
}

// GetName returns the logger's name.
func (l *Logger) GetName() string { return l.name }

func (l *Logger) Logf(format string, args ...interface{})   { l.Log(fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.Error(fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.Warn(fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...interface{})  { l.Info(fmt.Sprintf(format, args...)) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.Debug(fmt.Sprintf(format, args...)) }
