// Package logging constructs the structured logger used across the engine.
//
// internal/sync logs under short dotted keys
// (github_sync.untrusted_issue_skipped, github_sync.max_pages_reached) so
// log consumers can filter by subsystem; other packages log plain-sentence
// messages.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process-wide logger. Production builds emit JSON; set
// PAID_LOG_DEV=1 for human-readable console output during development.
func New() *zap.Logger {
	if os.Getenv("PAID_LOG_DEV") != "" {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		l, err := cfg.Build()
		if err != nil {
			return zap.NewNop()
		}
		return l
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}
