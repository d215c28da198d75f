// Package logging provides structured logging for MindFlora.
//
// The package-level helpers keep a printf-style call shape while the
// records themselves are produced by zap, so fields attached with
// WithField/WithFields come out as structured keys.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log level
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

func (l Level) zap() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Config selects the output encoding and threshold
type Config struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "console" or "json"
}

// Logger is a structured logger
type Logger struct {
	z *zap.Logger
}

var (
	atomicLevel   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	format        atomic.Value
	defaultLogger atomic.Pointer[Logger]
)

func init() {
	format.Store("console")
	defaultLogger.Store(&Logger{z: build(os.Stdout, "console")})
}

func build(w io.Writer, f string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if f == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), atomicLevel))
}

// Init configures the global logger from config.
func Init(cfg Config) {
	SetLevel(ParseLevel(cfg.Level))
	f := cfg.Format
	if f == "" {
		f = "console"
	}
	format.Store(f)
	defaultLogger.Store(&Logger{z: build(os.Stdout, f)})
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	atomicLevel.SetLevel(level.zap())
}

// GetLevel returns the global log level
func GetLevel() Level {
	switch atomicLevel.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return ERROR
	default:
		return INFO
	}
}

// SetOutput sets the output writer
func SetOutput(w io.Writer) {
	defaultLogger.Store(&Logger{z: build(w, format.Load().(string))})
}

// SetFormat switches between console and json encoding.
func SetFormat(f string) {
	format.Store(f)
}

// Zap exposes the underlying zap logger for components that want typed fields.
func Zap() *zap.Logger {
	return defaultLogger.Load().z
}

// Sync flushes buffered entries.
func Sync() error {
	return defaultLogger.Load().z.Sync()
}

// WithField returns a logger with a field added
func WithField(key string, value interface{}) *Logger {
	return defaultLogger.Load().WithField(key, value)
}

// WithFields returns a logger with multiple fields added
func WithFields(fields map[string]interface{}) *Logger {
	return defaultLogger.Load().WithFields(fields)
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{z: l.z.With(zap.Any(key, value))}
}

// WithFields adds multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &Logger{z: l.z.With(zf...)}
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	ce := l.z.Check(level.zap(), "")
	if ce == nil {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	ce.Message = msg
	ce.Write()
}

// Debug logs a debug message
func Debug(msg string, args ...interface{}) {
	defaultLogger.Load().log(DEBUG, msg, args...)
}

// Info logs an info message
func Info(msg string, args ...interface{}) {
	defaultLogger.Load().log(INFO, msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...interface{}) {
	defaultLogger.Load().log(WARN, msg, args...)
}

// Error logs an error message
func Error(msg string, args ...interface{}) {
	defaultLogger.Load().log(ERROR, msg, args...)
}

// Logger methods
func (l *Logger) Debug(msg string, args ...interface{}) { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log(ERROR, msg, args...) }
