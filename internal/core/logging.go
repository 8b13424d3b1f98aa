package core

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger builds the process logger. Debug selects zap's development
// config writing to stdout; otherwise the production JSON config is used.
// LogLevel applies to both.
func NewLogger(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if cfg.LogLevel != "" {
		parsed, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}

	var zc zap.Config
	if cfg.Debug {
		zc = zap.NewDevelopmentConfig()
		zc.OutputPaths = []string{"stdout"}
		if cfg.LogLevel == "" {
			level.SetLevel(zap.DebugLevel)
		}
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger.Named("graphmerge"), nil
}
