// Package klog is the injected-logger seam: logging is a side effect,
// never a dependency of the core's control flow. Core packages take a
// Logger, never a concrete logging library, so a bare-metal build can
// swap in a serial-console writer without internal/sched or
// internal/apic knowing the difference. The default implementation
// wraps logrus.
package klog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the leveled logging surface every core package depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Nop discards everything; useful as a zero-value default so callers
// never need a nil check.
type Nop struct{}

func (Nop) Debugf(string, ...interface{}) {}
func (Nop) Infof(string, ...interface{})  {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Errorf(string, ...interface{}) {}

// logrusLogger adapts *logrus.Logger to the Logger interface.
type logrusLogger struct {
	l *logrus.Logger
}

// New returns a Logger backed by logrus (full timestamps, text format),
// writing to stdout at Info level by default.
func New() Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return &logrusLogger{l: l}
}

// NewWithLevel returns a logrus-backed Logger at the given level name
// ("debug", "info", "warn", "error"); an unrecognized level returns
// logrus.ParseLevel's error and a nil Logger rather than falling back to
// Info — callers surface that error at config-load time instead of from
// inside the logger.
func NewWithLevel(level string) (Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(lvl)
	return &logrusLogger{l: l}, nil
}

func (r *logrusLogger) Debugf(format string, args ...interface{}) { r.l.Debugf(format, args...) }
func (r *logrusLogger) Infof(format string, args ...interface{})  { r.l.Infof(format, args...) }
func (r *logrusLogger) Warnf(format string, args ...interface{})  { r.l.Warnf(format, args...) }
func (r *logrusLogger) Errorf(format string, args ...interface{}) { r.l.Errorf(format, args...) }
