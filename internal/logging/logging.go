// Package logging builds the process-wide zap logger. The proxy is an
// interactive console tool, so output goes to a colored console encoder
// rather than JSON.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a sugared console logger. With verbose enabled the level
// drops to debug, which covers the per-cycle poller and lifecycle logging;
// per-frame traffic logging is additionally gated by the very-verbose
// switch at its call sites.
func New(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		// The development config only fails on invalid sink paths, which
		// are not user-controlled here.
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

// Nop returns a no-op logger for tests and optional components.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
