// Package dcontext carries a logrus logger through context.Context so that
// storage brokers and the dataset layer can log with request-scoped fields
// (dataset uri, broker scheme) without threading a logger argument through
// every call.
package dcontext

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	defaultLogger   = logrus.NewEntry(logrus.StandardLogger())
	defaultLoggerMu sync.RWMutex
)

type loggerKey struct{}

// Background returns a context seeded with the default logger. Command
// entry points start from this instead of context.Background so that any
// code below them can call GetLogger.
func Background() context.Context {
	return WithLogger(context.Background(), getDefaultLogger())
}

// WithLogger creates a new context with the provided logger attached.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger returns the logger from the current context, if present,
// falling back to the default logger otherwise.
func GetLogger(ctx context.Context) *logrus.Entry {
	if logger, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return logger
	}
	return getDefaultLogger()
}

// GetLoggerWithField returns the context logger with an extra field set,
// without modifying the context.
func GetLoggerWithField(ctx context.Context, key string, value any) *logrus.Entry {
	return GetLogger(ctx).WithField(key, value)
}

// GetLoggerWithFields returns the context logger with extra fields set,
// without modifying the context.
func GetLoggerWithFields(ctx context.Context, fields map[string]any) *logrus.Entry {
	return GetLogger(ctx).WithFields(logrus.Fields(fields))
}

// SetDefaultLogger sets the logger used when a context carries none.
func SetDefaultLogger(logger *logrus.Entry) {
	defaultLoggerMu.Lock()
	defaultLogger = logger
	defaultLoggerMu.Unlock()
}

func getDefaultLogger() *logrus.Entry {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}
