package fairdraw

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements Logger on top of a zap SugaredLogger
type ZapLogger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// NewZapLogger builds a ZapLogger writing to stdout.
// format is "json" or "console"; level is any zap level name.
func NewZapLogger(level, format string) (*ZapLogger, error) {
	atomicLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if err := atomicLevel.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	switch format {
	case "json", "console":
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	config := zap.Config{
		Encoding:         format,
		Level:            atomicLevel,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
	}

	zapLogger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &ZapLogger{sugar: zapLogger.Sugar().Named("fairdraw"), level: atomicLevel}, nil
}

// NewZapLoggerFrom wraps an existing zap logger
func NewZapLoggerFrom(l *zap.Logger) *ZapLogger {
	return &ZapLogger{
		sugar: l.WithOptions(zap.AddCallerSkip(1)).Sugar(),
		level: zap.NewAtomicLevelAt(l.Level()),
	}
}

// Info logs an info message
func (l *ZapLogger) Info(msg string, args ...any) { l.sugar.Infof(msg, args...) }

// Error logs an error message
func (l *ZapLogger) Error(msg string, args ...any) { l.sugar.Errorf(msg, args...) }

// Debug logs a debug message
func (l *ZapLogger) Debug(msg string, args ...any) { l.sugar.Debugf(msg, args...) }

// SetLevel changes the level at runtime, used by config hot reload
func (l *ZapLogger) SetLevel(level string) error {
	return l.level.UnmarshalText([]byte(strings.ToLower(level)))
}

// Level returns the current level name
func (l *ZapLogger) Level() string { return l.level.Level().String() }

// Sync flushes buffered log entries
func (l *ZapLogger) Sync() error { return l.sugar.Sync() }

// SilentLogger implements Logger interface but does not output any logs
// This is useful for testing environments where log output is not desired
type SilentLogger struct{}

// NewSilentLogger creates a new silent logger instance
func NewSilentLogger() *SilentLogger {
	return &SilentLogger{}
}

func (l *SilentLogger) Info(msg string, args ...any)  {}
func (l *SilentLogger) Error(msg string, args ...any) {}
func (l *SilentLogger) Debug(msg string, args ...any) {}

// defaultLogger falls back to a production zap logger and never fails
func defaultLogger() Logger {
	l, err := NewZapLogger(DefaultLogLevel, DefaultLogFormat)
	if err != nil {
		return NewZapLoggerFrom(zap.NewNop())
	}
	return l
}
