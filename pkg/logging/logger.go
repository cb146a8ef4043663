// Package logging implements core.ILogger over zap, teeing every entry
// into the OpenTelemetry log bridge.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/flyingwolf1701/hypertrader/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts zap to the variadic key/value ILogger contract.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds a console logger at the given level name with the
// OTel bridge attached. Unknown level names fall back to info.
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stdout), level),
		otelzap.NewCore("hypertrader", otelzap.WithLoggerProvider(global.GetLoggerProvider())),
	)

	return &ZapLogger{
		logger: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)),
	}, nil
}

// kvFields pairs up the variadic arguments into zap fields. A trailing
// odd value is dropped; non-string keys are stringified.
func kvFields(kv []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

func (l *ZapLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug(msg, kvFields(kv)...) }
func (l *ZapLogger) Info(msg string, kv ...interface{})  { l.logger.Info(msg, kvFields(kv)...) }
func (l *ZapLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn(msg, kvFields(kv)...) }
func (l *ZapLogger) Error(msg string, kv ...interface{}) { l.logger.Error(msg, kvFields(kv)...) }
func (l *ZapLogger) Fatal(msg string, kv ...interface{}) { l.logger.Fatal(msg, kvFields(kv)...) }

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zf...)}
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

var globalLogger core.ILogger

func init() {
	logger, _ := NewZapLogger("info")
	globalLogger = logger
}

// SetGlobalLogger replaces the process-wide logger installed by init.
func SetGlobalLogger(logger core.ILogger) {
	globalLogger = logger
}

// GetGlobalLogger returns the process-wide logger.
func GetGlobalLogger() core.ILogger {
	return globalLogger
}
