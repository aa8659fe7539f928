package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a structured logger based on environment. Every entry
// carries service and env fields.
func NewLogger(env, level string) (*zap.Logger, error) {
	return NewServiceLogger("herald", env, level)
}

// NewServiceLogger is NewLogger with an explicit service name.
func NewServiceLogger(service, env, level string) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	// Parse level
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config.Build(zap.Fields(
		zap.String("service", service),
		zap.String("env", env),
	))
}
