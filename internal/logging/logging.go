// Package logging builds the daemon's zap logger.
package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/djkazic/retargetd/internal/config"
)

// New builds a production JSON logger with a human readable timestamp at
// the configured level.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	loggerConfig := zap.NewProductionConfig()
	// Change timestamp key name
	loggerConfig.EncoderConfig.TimeKey = "timestamp"
	// Use a human readable time format
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("error configuring logger: %w", err)
		}
		loggerConfig.Level.SetLevel(level)
	}

	return loggerConfig.Build()
}
