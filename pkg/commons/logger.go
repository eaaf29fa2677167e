// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package commons provides the structured logging interface shared by
// every component in this module.
package commons

import (
	"time"

	"go.uber.org/zap"
)

// Logger is the logging surface every component depends on. It is an
// interface rather than a concrete zap type so components can be unit
// tested with a no-op or recording implementation.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Fatalf(format string, args ...interface{})
	// Benchmark logs the duration of a named operation at debug level.
	Benchmark(name string, d time.Duration)
	// With returns a derived logger carrying the given key/value pairs on
	// every subsequent line, mirroring zap's SugaredLogger.With.
	With(keysAndValues ...interface{}) Logger
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger builds a Logger backed by zap, using the production JSON
// encoder in "production" mode and the human-readable console encoder
// otherwise.
func NewZapLogger(level string, production bool) (Logger, error) {
	var cfg zap.Config
	if production {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: base.Sugar()}, nil
}

func (l *zapLogger) Debug(args ...interface{})                          { l.sugar.Debug(args...) }
func (l *zapLogger) Debugf(format string, args ...interface{})          { l.sugar.Debugf(format, args...) }
func (l *zapLogger) Debugw(msg string, keysAndValues ...interface{})    { l.sugar.Debugw(msg, keysAndValues...) }
func (l *zapLogger) Info(args ...interface{})                           { l.sugar.Info(args...) }
func (l *zapLogger) Infof(format string, args ...interface{})           { l.sugar.Infof(format, args...) }
func (l *zapLogger) Infow(msg string, keysAndValues ...interface{})     { l.sugar.Infow(msg, keysAndValues...) }
func (l *zapLogger) Warn(args ...interface{})                           { l.sugar.Warn(args...) }
func (l *zapLogger) Warnf(format string, args ...interface{})           { l.sugar.Warnf(format, args...) }
func (l *zapLogger) Warnw(msg string, keysAndValues ...interface{})     { l.sugar.Warnw(msg, keysAndValues...) }
func (l *zapLogger) Error(args ...interface{})                          { l.sugar.Error(args...) }
func (l *zapLogger) Errorf(format string, args ...interface{})          { l.sugar.Errorf(format, args...) }
func (l *zapLogger) Errorw(msg string, keysAndValues ...interface{})    { l.sugar.Errorw(msg, keysAndValues...) }
func (l *zapLogger) Fatalf(format string, args ...interface{})          { l.sugar.Fatalf(format, args...) }

func (l *zapLogger) Benchmark(name string, d time.Duration) {
	l.sugar.Debugw("benchmark", "operation", name, "durationMs", d.Milliseconds())
}

func (l *zapLogger) With(keysAndValues ...interface{}) Logger {
	return &zapLogger{sugar: l.sugar.With(keysAndValues...)}
}

// NewNopLogger returns a Logger that discards everything, for tests that
// don't care about log output.
func NewNopLogger() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar()}
}
