package logbase

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels understood by New. They mirror the module's log_level
// parameter: higher values include everything below.
const (
	LevelWarn  = 0
	LevelInfo  = 1
	LevelTrace = 2 // per-tick accounting and sync traces
	LevelDebug = 3 // registry changes (enroll, withdraw, ratio)
)

// New builds a development-style console logger for the given verbosity.
func New(verbosity int) (*zap.Logger, error) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.EncoderConfig.EncodeCaller = func(
		caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		p := caller.TrimmedPath()
		if len(p) > 30 {
			p = "..." + p[len(p)-27:]
		}
		enc.AppendString(fmt.Sprintf("%30s", p))
	}
	c.Level = zap.NewAtomicLevelAt(Level(verbosity))
	return c.Build()
}

// Level maps a verbosity to the minimum zap level that is emitted.
func Level(verbosity int) zapcore.Level {
	switch {
	case verbosity <= LevelWarn:
		return zap.WarnLevel
	case verbosity == LevelInfo:
		return zap.InfoLevel
	default:
		return zap.DebugLevel
	}
}
