// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level       string
	File        string
	Development bool
	// Quiet keeps stdout and stderr free, for the terminal UI. Logs still go
	// to File when it is set.
	Quiet bool
}

func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if s := strings.TrimSpace(cfg.Level); s != "" {
		parsed, err := zapcore.ParseLevel(s)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	config := zap.NewProductionConfig()
	if cfg.Development {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(level)

	var outputs []string
	if !cfg.Quiet {
		outputs = append(outputs, "stderr")
	}
	if f := strings.TrimSpace(cfg.File); f != "" {
		outputs = append(outputs, f)
	}
	if len(outputs) == 0 {
		return zap.NewNop(), nil
	}
	config.OutputPaths = outputs
	config.ErrorOutputPaths = outputs

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
