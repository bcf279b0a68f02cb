// Package logging provides structured, newline-delimited JSON logging for
// every component of the engine.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Entry is one structured log line.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger writes structured log entries to an output writer.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string

	onceMu sync.Mutex
	once   map[string]bool
}

// New creates a logger at Info level writing to stdout.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
		once:     make(map[string]bool),
	}
}

// WithComponent returns a derived logger tagged with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		traceID:   l.traceID,
		once:      l.once,
	}
}

// WithTraceID returns a derived logger tagged with a trace/correlation ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   traceID,
		once:      l.once,
	}
}

// SetLevel sets the minimum level this logger emits.
func (l *Logger) SetLevel(level Level) { l.minLevel = level }

// SetOutput redirects log output (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// WarnOnce emits a Warn entry at most once per logger lineage for the given
// key. Used for the filter pipeline's MinHash-inflection and
// empty-pipeline warnings, which must not spam on every request.
func (l *Logger) WarnOnce(key, msg string, fields ...map[string]interface{}) {
	l.onceMu.Lock()
	fired := l.once[key]
	if !fired {
		l.once[key] = true
	}
	l.onceMu.Unlock()
	if fired {
		return
	}
	l.Warn(msg, fields...)
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Component: l.component,
		TraceID:   l.traceID,
	}
	if len(fields) > 0 && fields[0] != nil {
		entry.Fields = fields[0]
	}

	data, err := json.Marshal(entry)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.output.Write([]byte(msg + "\n"))
		return
	}
	l.output.Write(append(data, '\n'))
}

// Default is the process-wide fallback logger.
var Default = New()

// SetDefaultLevel sets the minimum level on the Default logger, used by
// config.Load to apply LOG_LEVEL at process start.
func SetDefaultLevel(level Level) { Default.SetLevel(level) }
