// Package logger provides the process-wide structured logger used by every
// package in this module, matching the teacher's one-sugared-logger-per-process
// convention (package-level `var log = logger.Logger()`).
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once    sync.Once
	sugar   *zap.SugaredLogger
	base    *zap.Logger
	verbose bool
	level   = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// SetVerbose toggles debug-level logging; it takes effect whether it is
// called before or after the first Logger() call (the updater binary calls
// it while parsing its own --verbose flag).
func SetVerbose(v bool) {
	verbose = v
	if v {
		level.SetLevel(zap.DebugLevel)
	} else {
		level.SetLevel(zap.InfoLevel)
	}
}

// Logger returns the process-wide sugared logger, constructing it lazily on
// first use.
func Logger() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.Level = level
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		base = l
		sugar = l.Sugar()
	})
	return sugar
}

// Sync flushes any buffered log entries; the updater binary calls this on
// exit via defer.
func Sync() {
	if base != nil {
		_ = base.Sync()
	}
}
