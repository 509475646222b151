// Package logutil carries a zap logger through contexts so every restore
// phase logs with its backup, node and lane fields attached.
package logutil

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// The global logger is looked up lazily so a later InitLogger is picked up
// by contexts created afterwards.
var globalLogger *zap.Logger

// ResetGlobalLogger replaces the logger used by contexts without one.
// Contexts already built with ContextWithField keep their logger.
func ResetGlobalLogger(l *zap.Logger) {
	globalLogger = l
}

type loggingContextKey struct{}

var keyLogger = loggingContextKey{}

// ContextWithField wraps a context with a logger carrying the given fields.
func ContextWithField(c context.Context, fields ...zap.Field) context.Context {
	logger := LoggerFromContext(c).With(fields...)
	return context.WithValue(c, keyLogger, logger)
}

// LoggerFromContext returns the contextual logger, or the global logger.
func LoggerFromContext(c context.Context) *zap.Logger {
	logger, ok := c.Value(keyLogger).(*zap.Logger)
	if !ok {
		if globalLogger != nil {
			return globalLogger
		}
		return log.L()
	}
	return logger
}

// CL is the shorthand for LoggerFromContext.
func CL(c context.Context) *zap.Logger {
	return LoggerFromContext(c)
}

// Config selects level, format and optional file output.
type Config struct {
	Level  string
	Format string
	File   string
}

// InitLogger builds a pingcap/log logger from cfg and installs it globally.
func InitLogger(cfg Config) error {
	lc := &log.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		File:   log.FileLogConfig{Filename: cfg.File},
	}
	if lc.Level == "" {
		lc.Level = "info"
	}
	if lc.Format == "" {
		lc.Format = "text"
	}
	gl, props, err := log.InitLogger(lc, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(gl, props)
	ResetGlobalLogger(gl)
	return nil
}

// ShortError logs only the message of err, without the stack pingcap/errors attaches.
func ShortError(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error", err.Error())
}

// Lane tags logs of one coordinator lane.
func Lane(lane int) zap.Field { return zap.Int("lane", lane) }

// Backup tags logs with the backup id and node id of the part.
func Backup(backupID, nodeID uint32) zap.Field {
	return zap.Dict("backup", zap.Uint32("id", backupID), zap.Uint32("node", nodeID))
}

func Table(name string) zap.Field { return zap.String("table", name) }
