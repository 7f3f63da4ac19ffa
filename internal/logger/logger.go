package logger

import (
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a case-insensitive level name into a Level.
// Unknown names map to LevelInfo.
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LevelDebug
	case "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a leveled printf-style logger.
//
// Components receive a *Logger through their constructors. A nil *Logger is
// valid and logs through the package default.
type Logger struct {
	mu     sync.RWMutex
	level  Level
	json   bool
	out    *stdlog.Logger
	closer io.Closer
	fields string
}

// New creates a logger writing to w.
func New(w io.Writer, level string, format string) *Logger {
	return &Logger{
		level: ParseLevel(level),
		json:  strings.EqualFold(format, "json"),
		out:   stdlog.New(w, "", 0),
	}
}

// Open creates a logger for an output target: "stdout", "stderr" or a
// file path (opened for append).
func Open(output, level, format string) (*Logger, error) {
	switch output {
	case "", "stdout":
		return New(os.Stdout, level, format), nil
	case "stderr":
		return New(os.Stderr, level, format), nil
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	l := New(f, level, format)
	l.closer = f
	return l, nil
}

var defaultLogger = New(os.Stdout, "INFO", "text")

// Default returns the package default logger.
func Default() *Logger {
	return defaultLogger
}

// SetDefault replaces the package default logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// With returns a child logger that prefixes every message with the given
// component name.
func (l *Logger) With(component string) *Logger {
	parent := l.resolve()
	parent.mu.RLock()
	defer parent.mu.RUnlock()

	fields := component
	if parent.fields != "" {
		fields = parent.fields + "." + component
	}
	return &Logger{
		level:  parent.level,
		json:   parent.json,
		out:    parent.out,
		fields: fields,
	}
}

// SetLevel changes the minimum level emitted by l.
func (l *Logger) SetLevel(level string) {
	target := l.resolve()
	target.mu.Lock()
	target.level = ParseLevel(level)
	target.mu.Unlock()
}

// Enabled reports whether messages at level would be emitted.
func (l *Logger) Enabled(level Level) bool {
	target := l.resolve()
	target.mu.RLock()
	defer target.mu.RUnlock()
	return level >= target.level
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) resolve() *Logger {
	if l == nil {
		return defaultLogger
	}
	return l
}

func (l *Logger) log(level Level, format string, v ...any) {
	target := l.resolve()
	if !target.Enabled(level) {
		return
	}

	now := time.Now()
	message := fmt.Sprintf(format, v...)

	if target.json {
		entry := map[string]string{
			"time":  now.Format(time.RFC3339Nano),
			"level": level.String(),
			"msg":   message,
		}
		if target.fields != "" {
			entry["component"] = target.fields
		}
		line, err := json.Marshal(entry)
		if err != nil {
			return
		}
		target.out.Println(string(line))
		return
	}

	prefix := fmt.Sprintf("[%s] [%s] ", now.Format("2006-01-02 15:04:05"), level.String())
	if target.fields != "" {
		prefix += "[" + target.fields + "] "
	}
	target.out.Println(prefix + message)
}

func (l *Logger) Debug(format string, v ...any) {
	l.log(LevelDebug, format, v...)
}

func (l *Logger) Info(format string, v ...any) {
	l.log(LevelInfo, format, v...)
}

func (l *Logger) Warn(format string, v ...any) {
	l.log(LevelWarn, format, v...)
}

func (l *Logger) Error(format string, v ...any) {
	l.log(LevelError, format, v...)
}

// SetLevel sets the level of the package default logger.
func SetLevel(level string) {
	defaultLogger.SetLevel(level)
}

func Debug(format string, v ...any) {
	defaultLogger.log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	defaultLogger.log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	defaultLogger.log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	defaultLogger.log(LevelError, format, v...)
}
