// Package logger exposes a process-wide zap logger behind package-level
// functions so call sites stay terse: logger.Info("msg", zap.String(...)).
package logger

import (
	"os"

	"go.uber.org/zap"
)

var log *zap.Logger

func init() {
	var err error
	if os.Getenv("LOG_DEV") == "true" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		log = zap.NewNop()
	}
}

// L returns the underlying zap logger for components that carry their own
// logger reference.
func L() *zap.Logger { return log }

// Debug logs at debug level.
func Debug(msg string, fields ...zap.Field) { log.Debug(msg, fields...) }

// Info logs at info level.
func Info(msg string, fields ...zap.Field) { log.Info(msg, fields...) }

// Warn logs at warn level.
func Warn(msg string, fields ...zap.Field) { log.Warn(msg, fields...) }

// Error logs at error level.
func Error(msg string, fields ...zap.Field) { log.Error(msg, fields...) }

// Fatal logs at fatal level and exits.
func Fatal(msg string, fields ...zap.Field) { log.Fatal(msg, fields...) }

// Sync flushes buffered log entries. Call before process exit.
func Sync() { _ = log.Sync() }
