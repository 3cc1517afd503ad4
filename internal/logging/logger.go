package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents log severity
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Fields is a set of structured key/value pairs attached to log lines
type Fields map[string]interface{}

// Logger writes structured, component-scoped log lines.
// Child loggers created with WithContext, WithFields or Named share the
// underlying writer and its lock.
type Logger struct {
	level     Level
	component string
	output    io.Writer
	fields    Fields
	formatter *LogFormatter
	mu        *sync.Mutex
}

// NewLogger creates a logger for a component. A nil output writes to stdout.
func NewLogger(component string, level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		level:     level,
		component: component,
		output:    output,
		formatter: NewLogFormatter(),
		mu:        &sync.Mutex{},
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewLogger("discard", ERROR+1, io.Discard)
}

// Named returns a logger for another component writing to the same output
func (l *Logger) Named(component string) *Logger {
	child := l.clone(nil)
	child.component = component
	return child
}

// Level returns the minimum level this logger writes
func (l *Logger) Level() Level {
	return l.level
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// WithContext returns a child logger with one extra field
func (l *Logger) WithContext(key string, value interface{}) *Logger {
	return l.clone(Fields{key: value})
}

// WithFields returns a child logger with the given fields merged in
func (l *Logger) WithFields(fields Fields) *Logger {
	return l.clone(fields)
}

// WithError is shorthand for WithContext("error", err.Error())
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.clone(Fields{"error": err.Error()})
}

func (l *Logger) clone(extra Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(extra))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return &Logger{
		level:     l.level,
		component: l.component,
		output:    l.output,
		fields:    merged,
		formatter: l.formatter,
		mu:        l.mu,
	}
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}

	// frame 2 is the caller of Debug/Info/Warn/Error
	src := SourceLocation{File: "unknown", Function: "unknown"}
	if pc, file, line, ok := runtime.Caller(2); ok {
		src.File = filepath.Base(file)
		src.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			src.Function = filepath.Base(fn.Name())
		}
	}

	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	line := l.formatter.Format(LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Component: l.component,
		Source:    src,
		Message:   msg,
		Context:   l.fields,
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// ParseLevel converts a string to a Level, defaulting to INFO
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}
