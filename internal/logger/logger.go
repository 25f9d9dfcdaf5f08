package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents the logging level
type Level int

const (
	TRACE Level = iota
	DEBUG
	INFO
	WARN
	ERROR
)

var zerologLevels = map[Level]zerolog.Level{
	TRACE: zerolog.TraceLevel,
	DEBUG: zerolog.DebugLevel,
	INFO:  zerolog.InfoLevel,
	WARN:  zerolog.WarnLevel,
	ERROR: zerolog.ErrorLevel,
}

// Component represents the logging component
type Component string

const (
	ComponentApp       Component = "app"
	ComponentServer    Component = "server"
	ComponentSession   Component = "session"
	ComponentMinter    Component = "minter"
	ComponentPOTCache  Component = "potcache"
	ComponentChallenge Component = "challenge"
	ComponentVM        Component = "vm"
	ComponentHTTP      Component = "http"
)

// Format represents the log output format
type Format int

const (
	FormatText Format = iota
	FormatJSON
	FormatColor
)

// Config holds logger configuration
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	Components map[Component]bool
	ShowCaller bool
	Timestamp  bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  INFO,
		Format: FormatText,
		Output: os.Stdout,
		Components: map[Component]bool{
			ComponentApp:       true,
			ComponentServer:    true,
			ComponentSession:   true,
			ComponentMinter:    true,
			ComponentPOTCache:  true,
			ComponentChallenge: true,
			ComponentVM:        true,
			ComponentHTTP:      true,
		},
		ShowCaller: false,
		Timestamp:  true,
	}
}

// Logger provides structured logging backed by zerolog. It keeps the
// teacher's component/level-gated API shape; the formatting engine
// underneath is zerolog rather than hand-rolled fmt.Fprintln calls.
type Logger struct {
	mu     sync.RWMutex
	config *Config
	zl     zerolog.Logger
}

// New creates a new logger instance
func New(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	l := &Logger{config: config}
	l.rebuild()
	return l
}

// rebuild reconstructs the underlying zerolog.Logger from config. Caller
// must hold l.mu (write lock) or be in New before the Logger escapes.
func (l *Logger) rebuild() {
	out := l.config.Output
	if out == nil {
		out = os.Stdout
	}

	var w io.Writer = out
	switch l.config.Format {
	case FormatText, FormatColor:
		w = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    l.config.Format != FormatColor,
			TimeFormat: time.RFC3339,
		}
	case FormatJSON:
		w = out
	}

	ctx := zerolog.New(w).With()
	if l.config.Timestamp {
		ctx = ctx.Timestamp()
	}
	if l.config.ShowCaller {
		ctx = ctx.Caller()
	}
	zl := ctx.Logger().Level(zerologLevels[l.config.Level])
	l.zl = zl
}

// WithComponent creates a new logger instance for a specific component
func (l *Logger) WithComponent(component Component) *ComponentLogger {
	return &ComponentLogger{
		logger:    l,
		component: component,
	}
}

// SetLevel changes the logging level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Level = level
	l.rebuild()
}

// SetFormat changes the log format
func (l *Logger) SetFormat(format Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Format = format
	l.rebuild()
}

// SetOutput changes the log output
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Output = w
	l.rebuild()
}

// EnableComponent enables logging for a specific component
func (l *Logger) EnableComponent(component Component) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.config.Components == nil {
		l.config.Components = map[Component]bool{}
	}
	l.config.Components[component] = true
}

// DisableComponent disables logging for a specific component
func (l *Logger) DisableComponent(component Component) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.config.Components == nil {
		l.config.Components = map[Component]bool{}
	}
	l.config.Components[component] = false
}

// componentEnabled reports whether component logging is on. Absent
// entries default to enabled so that new components aren't silently
// dropped by a stale Components map loaded from an older config file.
func (l *Logger) componentEnabled(component Component) bool {
	enabled, ok := l.config.Components[component]
	return !ok || enabled
}

// log writes a log entry for the given level/component if both are enabled.
func (l *Logger) log(level Level, component Component, message string, fields map[string]interface{}) {
	l.mu.RLock()
	zl := l.zl
	enabled := l.componentEnabled(component)
	l.mu.RUnlock()

	if !enabled {
		return
	}

	ev := zl.WithLevel(zerologLevels[level])
	if ev == nil {
		return
	}
	ev = ev.Str("component", string(component))
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(message)
}

// ComponentLogger provides component-specific logging
type ComponentLogger struct {
	logger    *Logger
	component Component
}

// Trace logs a trace message
func (cl *ComponentLogger) Trace(message string, fields ...map[string]interface{}) {
	cl.log(TRACE, message, fields...)
}

// Debug logs a debug message
func (cl *ComponentLogger) Debug(message string, fields ...map[string]interface{}) {
	cl.log(DEBUG, message, fields...)
}

// Info logs an info message
func (cl *ComponentLogger) Info(message string, fields ...map[string]interface{}) {
	cl.log(INFO, message, fields...)
}

// Warn logs a warning message
func (cl *ComponentLogger) Warn(message string, fields ...map[string]interface{}) {
	cl.log(WARN, message, fields...)
}

// Error logs an error message
func (cl *ComponentLogger) Error(message string, fields ...map[string]interface{}) {
	cl.log(ERROR, message, fields...)
}

// log writes a log entry for the component
func (cl *ComponentLogger) log(level Level, message string, fields ...map[string]interface{}) {
	var mergedFields map[string]interface{}
	if len(fields) > 0 {
		mergedFields = fields[0]
	}
	cl.logger.log(level, cl.component, message, mergedFields)
}

// Global logger instance
var globalLogger = New(DefaultConfig())

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	globalLogger = logger
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	return globalLogger
}

// WithComponent returns a component logger from global logger
func WithComponent(component Component) *ComponentLogger {
	return globalLogger.WithComponent(component)
}
