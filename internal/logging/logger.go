// Package logging provides zap logger helpers with credential redaction.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module tags attached to loggers so records can be routed and filtered.
const (
	ModuleStream = "STREAM"
	ModuleDB     = "DB"
	ModuleWorker = "WORKER"
	ModuleAPI    = "API"
)

// New builds a zap.Logger configured for development or production. All
// records pass through the redaction core before encoding.
func New(development bool, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
		cfg.EncoderConfig.TimeKey = "ts"
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return NewRedactingCore(core)
	}))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ForModule returns a child logger tagged with the given module.
func ForModule(logger *zap.Logger, module string) *zap.Logger {
	return logger.With(zap.String("module", module))
}
