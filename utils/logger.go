package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level orders log severities.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// tag returns the fixed-width marker rendered into each line.
func (l Level) tag() string {
	switch l {
	case LevelDebug:
		return "DBG"
	case LevelInfo:
		return "INF"
	case LevelWarn:
		return "WRN"
	case LevelError:
		return "ERR"
	case LevelFatal:
		return "FTL"
	default:
		return "???"
	}
}

// Field is one key=value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

func String(key, value string) Field        { return Field{key, value} }
func Int(key string, value int) Field       { return Field{key, value} }
func Uint32(key string, value uint32) Field { return Field{key, value} }
func Uint64(key string, value uint64) Field { return Field{key, value} }
func Bool(key string, value bool) Field     { return Field{key, value} }
func Duration(key string, value time.Duration) Field {
	return Field{key, value}
}
func Err(err error) Field                     { return Field{"error", err} }
func Any(key string, value interface{}) Field { return Field{key, value} }

// Logger writes single-line, key=value structured records:
//
//	15:04:05.000 INF arena-server allocation failed id=42 error="out of memory"
//
// A Logger is cheap to derive: With returns a child sharing the parent's
// writer and lock, carrying extra fields on every line.
type Logger struct {
	mu        *sync.Mutex
	w         io.Writer
	min       Level
	component string
	fields    []Field
}

// New builds a logger writing to w at the given threshold.
func New(w io.Writer, min Level, component string) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{mu: &sync.Mutex{}, w: w, min: min, component: component}
}

// DefaultLogger writes to stdout at Info.
func DefaultLogger(component string) *Logger {
	return New(os.Stdout, LevelInfo, component)
}

// With derives a child logger whose lines carry the given fields.
func (l *Logger) With(fields ...Field) *Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{mu: l.mu, w: l.w, min: l.min, component: l.component, fields: merged}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

// Fatal logs and exits the process.
func (l *Logger) Fatal(msg string, fields ...Field) {
	l.emit(LevelFatal, msg, fields)
	os.Exit(1)
}

func (l *Logger) emit(level Level, msg string, fields []Field) {
	if level < l.min {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(level.tag())
	if l.component != "" {
		b.WriteByte(' ')
		b.WriteString(l.component)
	}
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range l.fields {
		writeField(&b, f)
	}
	for _, f := range fields {
		writeField(&b, f)
	}
	b.WriteByte('\n')

	l.mu.Lock()
	_, _ = io.WriteString(l.w, b.String())
	l.mu.Unlock()
}

func writeField(b *strings.Builder, f Field) {
	b.WriteByte(' ')
	b.WriteString(f.Key)
	b.WriteByte('=')
	b.WriteString(formatValue(f.Value))
}

// formatValue renders a field value, quoting only when the bare form would
// be ambiguous on the line.
func formatValue(v interface{}) string {
	var s string
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case string:
		s = val
	case error:
		if val == nil {
			return "<nil>"
		}
		s = val.Error()
	case time.Duration:
		return val.String()
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		s = fmt.Sprintf("%v", val)
	}
	if s == "" || strings.ContainsAny(s, " =\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
