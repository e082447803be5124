package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity levels.
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

// ParseLevel maps a config string ("debug", "info", "warn", "error") to a Level.
// Unknown or empty values fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

// F creates a new Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger is the interface for all logger implementations.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
}

// writerLogger formats entries as single lines on an io.Writer.
type writerLogger struct {
	mu     *sync.Mutex
	writer io.Writer
	level  Level
	fields []Field
	now    func() time.Time
}

// New creates a logger writing to w at the given minimum level.
func New(w io.Writer, level Level) Logger {
	return &writerLogger{
		mu:     &sync.Mutex{},
		writer: w,
		level:  level,
		now:    time.Now,
	}
}

// NewStdoutLogger creates a logger that writes to stdout.
func NewStdoutLogger(level Level) Logger {
	return New(os.Stdout, level)
}

// NewStderrLogger creates a logger that writes to stderr.
func NewStderrLogger(level Level) Logger {
	return New(os.Stderr, level)
}

func (l *writerLogger) log(level Level, msg string, fields ...Field) {
	if level < l.level {
		return
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] %s: %s", l.now().Format("2006-01-02 15:04:05"), level.String(), msg))
	for _, f := range l.fields {
		b.WriteString(fmt.Sprintf(" %s=%v", f.Key, f.Value))
	}
	for _, f := range fields {
		b.WriteString(fmt.Sprintf(" %s=%v", f.Key, f.Value))
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.writer, b.String())
}

func (l *writerLogger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields...) }
func (l *writerLogger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields...) }
func (l *writerLogger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields...) }
func (l *writerLogger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields...) }

func (l *writerLogger) WithFields(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &writerLogger{
		mu:     l.mu,
		writer: l.writer,
		level:  l.level,
		fields: merged,
		now:    l.now,
	}
}

// FileLogger logs to a file.
type FileLogger struct {
	Logger
	file *os.File
}

// NewFileLogger creates a logger that appends to the file at path.
func NewFileLogger(path string, level Level) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{Logger: New(file, level), file: file}, nil
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	return l.file.Close()
}

// MultiLogger composes multiple loggers together.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger that writes to multiple destinations.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

func (m *MultiLogger) Debug(msg string, fields ...Field) {
	for _, l := range m.loggers {
		l.Debug(msg, fields...)
	}
}

func (m *MultiLogger) Info(msg string, fields ...Field) {
	for _, l := range m.loggers {
		l.Info(msg, fields...)
	}
}

func (m *MultiLogger) Warn(msg string, fields ...Field) {
	for _, l := range m.loggers {
		l.Warn(msg, fields...)
	}
}

func (m *MultiLogger) Error(msg string, fields ...Field) {
	for _, l := range m.loggers {
		l.Error(msg, fields...)
	}
}

func (m *MultiLogger) WithFields(fields ...Field) Logger {
	scoped := make([]Logger, len(m.loggers))
	for i, l := range m.loggers {
		scoped[i] = l.WithFields(fields...)
	}
	return &MultiLogger{loggers: scoped}
}

// NoopLogger discards everything.
type NoopLogger struct{}

// NewNoopLogger returns a logger that drops all entries.
func NewNoopLogger() NoopLogger { return NoopLogger{} }

func (NoopLogger) Debug(string, ...Field)       {}
func (NoopLogger) Info(string, ...Field)        {}
func (NoopLogger) Warn(string, ...Field)        {}
func (NoopLogger) Error(string, ...Field)       {}
func (n NoopLogger) WithFields(...Field) Logger { return n }
