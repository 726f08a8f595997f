// Package logging provides structured logging backed by zap, exposing the
// typed attribute-bag ILogger contract rather than a variadic keyword-style
// API. There is no package-level default logger: every component receives
// one explicitly at construction.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dispatchcore/internal/core"
)

// ZapLogger implements core.ILogger on top of *zap.Logger.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds a console-encoded logger at the given level
// ("debug", "info", "warn", "error").
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	level, err := parseZapLevel(levelStr)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	zcore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(os.Stdout),
		level,
	)

	logger := zap.New(zcore, zap.AddCaller(), zap.AddCallerSkip(1))
	return &ZapLogger{logger: logger}, nil
}

func parseZapLevel(levelStr string) (zapcore.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zap.DebugLevel, nil
	case "info":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("logging: invalid log level %q", levelStr)
	}
}

func attrsToFields(attrs map[string]any) []zap.Field {
	fields := make([]zap.Field, 0, len(attrs))
	for k, v := range attrs {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

func (l *ZapLogger) Debug(evt core.LogEvent) { l.logger.Debug(evt.Name, attrsToFields(evt.Attrs)...) }
func (l *ZapLogger) Info(evt core.LogEvent)  { l.logger.Info(evt.Name, attrsToFields(evt.Attrs)...) }
func (l *ZapLogger) Warn(evt core.LogEvent)  { l.logger.Warn(evt.Name, attrsToFields(evt.Attrs)...) }
func (l *ZapLogger) Error(evt core.LogEvent) { l.logger.Error(evt.Name, attrsToFields(evt.Attrs)...) }

// With returns a derived logger that always carries the given attributes.
func (l *ZapLogger) With(attrs map[string]any) core.ILogger {
	return &ZapLogger{logger: l.logger.With(attrsToFields(attrs)...)}
}

// Sync flushes any buffered log entries; call during shutdown.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
