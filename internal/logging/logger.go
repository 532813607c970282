// Package logging provides zap logger helpers for the scanner.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger. Development mode enables colored console
// output; production mode emits JSON. Verbose lowers the level to Debug.
func New(development, verbose bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ForWorker returns a child logger tagged with the worker's identity so
// per-worker activity can be filtered out of a shared stream.
func ForWorker(logger *zap.Logger, workerID int) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.With(zap.Int("worker_id", workerID))
}
