// Package logging builds the zap logger of a node.
package logging

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

// New builds a logger for mode at level. Production logs JSON without
// caller information; development logs to the console with colour.
func New(level, mode string) (*zap.Logger, error) {
	var cfg zap.Config
	switch mode {
	case ModeProduction, "":
		cfg = zap.NewProductionConfig()
		cfg.DisableCaller = true
	case ModeDevelopment:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, errors.Errorf("unknown logging mode %q", mode)
	}

	if level != "" {
		if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, errors.Wrapf(err, "logging level %q", level)
		}
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger, nil
}
