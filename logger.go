// Copyright (c) 2026 Nlaak Studios (https://nlaak.com)
// Author: Andrew Donelson (https://www.linkedin.com/in/andrew-donelson/)
//
// logger.go — Logger interface and noop implementation used internally by
// stash for structured logging, plus an adapter that routes it to zap.

package stash

import "go.uber.org/zap"

// Logger is the logging interface used internally by stash.
// Implement this to route logs to slog, logrus, etc.; NewZapLogger covers zap.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Info(_ string, _ ...any)  {}
func (noopLogger) Warn(_ string, _ ...any)  {}
func (noopLogger) Error(_ string, _ ...any) {}
func (noopLogger) Debug(_ string, _ ...any) {}

// zapLogger adapts a zap SugaredLogger to Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger returns a Logger writing to l under the "stash" name.
// A nil l yields a no-op logger.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return zapLogger{s: l.Named("stash").Sugar()}
}

func (z zapLogger) Info(msg string, kv ...any)  { z.s.Infow(msg, kv...) }
func (z zapLogger) Warn(msg string, kv ...any)  { z.s.Warnw(msg, kv...) }
func (z zapLogger) Error(msg string, kv ...any) { z.s.Errorw(msg, kv...) }
func (z zapLogger) Debug(msg string, kv ...any) { z.s.Debugw(msg, kv...) }
