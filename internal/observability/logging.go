// Package observability provides logging and metrics for the gateway.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/mudbridge/internal/config"
)

// tokenPrefixLen is how much of an owner token may appear in a log line.
const tokenPrefixLen = 8

// baseConfigs maps a log format to the zap preset it starts from.
var baseConfigs = map[string]func() zap.Config{
	"json":    zap.NewProductionConfig,
	"console": zap.NewDevelopmentConfig,
}

// NewLogger builds the process logger. Every entry carries app=mudbridge.
//
// Precondition: cfg.Level is a zap level name; cfg.Format is "json" or "console".
// Postcondition: Returns a logger at cfg.Level, or a non-nil error.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	base, ok := baseConfigs[cfg.Format]
	if !ok {
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	zc := base()
	zc.Level = level
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	// Backend output bursts would otherwise be dropped by the sampler.
	zc.Sampling = nil

	logger, err := zc.Build(zap.Fields(zap.String("app", "mudbridge")))
	if err != nil {
		return nil, fmt.Errorf("building %s logger: %w", cfg.Format, err)
	}
	return logger, nil
}

// TokenPrefix returns the part of an owner token that is safe to log.
//
// Postcondition: len(result) <= 8 and result is a prefix of token.
func TokenPrefix(token string) string {
	return token[:min(len(token), tokenPrefixLen)]
}
