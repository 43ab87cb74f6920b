// Package log provides the logging interface used across vtrt's
// components: a leveled application logger, plus a logr.Logger shape
// for lower-level libraries that expect one (here: gRPC's internal
// diagnostics).
package log

import (
	"github.com/bombsimon/logrusr/v4"
	"github.com/go-logr/logr"
	"github.com/sirupsen/logrus"
)

// Logger represents the ability to log informational and error messages.
type Logger interface {
	InfoLogger

	// Error logs an error message.
	Error(args ...interface{})

	// Errorf logs a formatted error message.
	Errorf(format string, args ...interface{})

	// WithPrefix returns a Logger which prefixes all messages, used to
	// scope a logger to a single runtime component.
	WithPrefix(prefix string) Logger

	// WithField returns a Logger with a structured field attached.
	WithField(key string, value interface{}) Logger
}

// InfoLogger represents the ability to log informational messages.
type InfoLogger interface {
	Infof(format string, args ...interface{})
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New returns a Logger backed by a standard logrus.Logger.
func New() Logger {
	l := logrus.New()
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// NewWithLogrus wraps an existing *logrus.Logger, for callers that need
// to share formatter/output configuration across components.
func NewWithLogrus(l *logrus.Logger) Logger {
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *logrusLogger) Error(args ...interface{}) {
	l.entry.Error(args...)
}

func (l *logrusLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *logrusLogger) WithPrefix(prefix string) Logger {
	return &logrusLogger{entry: l.entry.WithField("component", prefix)}
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

// AsLogr adapts a Logger backed by logrus into a logr.Logger, for
// passing into libraries (grpc, transport) that expect the logr shape.
func AsLogr(l Logger) logr.Logger {
	ll, ok := l.(*logrusLogger)
	if !ok {
		// Fall back to a fresh logrus-backed logr.Logger; every Logger
		// in this package is logrus-backed in practice.
		return logrusr.New(logrus.StandardLogger())
	}
	return logrusr.New(ll.entry.Logger)
}
