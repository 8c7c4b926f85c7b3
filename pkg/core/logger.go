package core

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the printf-style logging surface every stage depends on. The
// CLI backs it with zap; library callers may plug in their own.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelSilent
)

// ParseLogLevel reads logging.level; anything unrecognised means info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	case "silent", "off", "none":
		return LogLevelSilent
	}
	return LogLevelInfo
}

// zap has no "off" level; Fatal is never logged by the engine.
var zapLevels = map[LogLevel]zapcore.Level{
	LogLevelDebug:  zapcore.DebugLevel,
	LogLevelInfo:   zapcore.InfoLevel,
	LogLevelWarn:   zapcore.WarnLevel,
	LogLevelError:  zapcore.ErrorLevel,
	LogLevelSilent: zapcore.FatalLevel,
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

// ZapLogger adapts a zap SugaredLogger to Logger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{sugar: l.Sugar()}
}

// NewZapLoggerFromConfig builds the CLI logger on stderr. format "console"
// selects zap's development encoder; anything else logs JSON.
func NewZapLoggerFromConfig(level, format string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	if strings.EqualFold(format, "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(zapLevels[ParseLogLevel(level)])

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return NewZapLogger(l), nil
}

// With returns a child logger carrying the given key/value pairs.
func (l *ZapLogger) With(keysAndValues ...any) *ZapLogger {
	return &ZapLogger{sugar: l.sugar.With(keysAndValues...)}
}

func (l *ZapLogger) Debug(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *ZapLogger) Info(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *ZapLogger) Warn(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *ZapLogger) Error(format string, args ...any) { l.sugar.Errorf(format, args...) }

func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

// OrNop returns l, or a NopLogger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}

var (
	_ Logger = NopLogger{}
	_ Logger = (*ZapLogger)(nil)
)
