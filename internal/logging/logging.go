// Package logging builds the zap logger used across bizsync.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/roach88/bizsync/internal/config"
)

// New builds a logger from cfg: production JSON for "json", development
// console output for "console". Output goes to stderr so command output on
// stdout stays machine readable.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}

	var zc zap.Config
	switch cfg.Encoding {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("logging encoding %q: want json or console", cfg.Encoding)
	}

	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Verbose lowers the level to debug.
func Verbose(cfg config.LoggingConfig) config.LoggingConfig {
	cfg.Level = zapcore.DebugLevel.String()
	return cfg
}
