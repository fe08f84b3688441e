package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// JSON構造化ログ（ts, msg, 小文字level, service/env固定フィールド）
func New(service string, env string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	if env != "prod" {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	if lv := os.Getenv("LOG_LEVEL"); lv != "" {
		level, err := zap.ParseAtomicLevel(lv)
		if err != nil {
			return nil, err
		}
		cfg.Level = level
	}

	cfg.InitialFields = map[string]any{
		"service": service,
		"env":     env,
	}
	return cfg.Build()
}
