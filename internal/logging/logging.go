package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type entryContextKey struct{}

// New builds the process logger. format is "json" (default) or "text".
func New(level string, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// Discard is a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func WithContext(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, entryContextKey{}, entry)
}

// FromContext returns the request-scoped entry, or one built on fallback.
func FromContext(ctx context.Context, fallback *logrus.Logger) *logrus.Entry {
	if entry, ok := ctx.Value(entryContextKey{}).(*logrus.Entry); ok && entry != nil {
		return entry
	}
	if fallback == nil {
		fallback = logrus.StandardLogger()
	}
	return logrus.NewEntry(fallback)
}
