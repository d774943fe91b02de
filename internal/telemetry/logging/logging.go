// Package logging wraps zap with the correlation fields every PulseOne
// component threads through its logs: device and point. Grounded
// on the teacher's telemetry/logging package's structured-field logger
// shape, narrowed to the fields the collector's domain actually has.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.Logger with PulseOne's correlation-field helpers.
type Logger struct {
	z *zap.Logger
}

// New builds a production JSON logger at the given level.
func New(level string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Noop returns a Logger that discards everything, for tests.
func Noop() *Logger {
	return &Logger{z: zap.NewNop()}
}

func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

// ForDevice scopes the logger to one device, the correlation key almost
// every worker/driver log line carries.
func (l *Logger) ForDevice(deviceID string) *Logger {
	return l.With(zap.String("device", deviceID))
}

// ForPoint further scopes the logger to one point within a device.
func (l *Logger) ForPoint(pointID string) *Logger {
	return l.With(zap.String("point", pointID))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

func (l *Logger) Sync() error { return l.z.Sync() }

// Raw exposes the underlying zap.Logger for callers that need direct access
// (e.g. wiring into a third-party library's logger adapter).
func (l *Logger) Raw() *zap.Logger { return l.z }
