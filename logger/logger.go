// Package logger provides a thread-safe, levelled logger backed by zap.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a structured, levelled logger.
//
// It wraps a zap.SugaredLogger so call sites can use printf-style methods
// (Infof, Errorf) on hot paths without allocating field slices, while still
// emitting structured output. zap serialises writes internally, so a single
// Logger may be shared by any number of goroutines.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New creates a Logger at the given minimum level. environment selects the
// encoding: "development" produces human-readable console lines with colored
// levels, anything else produces JSON suitable for log shippers.
//
// Returns an error when level is not one of debug, info, warn, error.
func New(level, environment string) (*Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logger: parse level %q: %w", level, err)
	}

	dev := environment == "development"
	zapCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		Development:       dev,
		Encoding:          encoding(dev),
		EncoderConfig:     encoderConfig(dev),
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     true,
		DisableStacktrace: !dev,
	}

	z, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logger: build: %w", err)
	}
	return &Logger{sugar: z.Sugar()}, nil
}

// NewNop returns a Logger that discards everything. Tests use it so
// components that demand a logger stay quiet.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// With returns a child logger that attaches the given key/value pairs to
// every message it emits.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(args...)}
}

// Sync flushes buffered log entries. Call before process exit.
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}

// Info logs a message at INFO level.
func (l *Logger) Info(msg string) { l.sugar.Info(msg) }

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a message at WARN level.
func (l *Logger) Warn(msg string) { l.sugar.Warn(msg) }

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string) { l.sugar.Error(msg) }

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string) { l.sugar.Debug(msg) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// encoding returns the zap encoding name for the environment.
func encoding(dev bool) string {
	if dev {
		return "console"
	}
	return "json"
}

// encoderConfig mirrors zap's recommended encoder settings for each
// environment; the production keys match what log pipelines expect.
func encoderConfig(dev bool) zapcore.EncoderConfig {
	if dev {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.MessageKey = "message"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}
