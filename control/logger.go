// control/logger.go
// Author: momentics <momentics@gmail.com>
//
// Structured logging, in the same thin-wrapper style as ConfigStore and
// MetricsRegistry: a small struct around a third-party library rather than
// a hand-rolled writer, swappable in tests via NewNopLogger.

package control

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.Logger, tracked so OnReload hooks can swap its level
// without restarting the process.
type Logger struct {
	base  *zap.Logger
	level zap.AtomicLevel
}

// NewLogger builds a JSON production logger at the given level name
// (debug, info, warn, error); an unrecognized name falls back to info.
func NewLogger(levelName string) (*Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{base: base, level: level}, nil
}

// NewNopLogger returns a Logger that discards everything, for tests and
// libraries that accept a nil *zap.Logger.
func NewNopLogger() *Logger {
	return &Logger{base: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// Zap exposes the underlying *zap.Logger for packages that take one
// directly (internal/shm.Manager, internal/bus.ChannelManager).
func (l *Logger) Zap() *zap.Logger { return l.base }

// SetLevel changes the active log level in place; wired as a ConfigStore
// reload hook so a SIGUSR1 reload of --proc-conf's log_level applies
// without a restart.
func (l *Logger) SetLevel(levelName string) error {
	return l.level.UnmarshalText([]byte(levelName))
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.base.Sync()
}
