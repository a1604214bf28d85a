package env

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MakeLogger builds the process-wide logger: production JSON with
// ISO8601 timestamps, so bridge access lines and connection events
// share one machine-readable shape.
func MakeLogger() (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logConfig.Encoding = "json"
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return logConfig.Build()
}
