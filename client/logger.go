// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug. pion is very chatty at debug level.
const levelTrace = slog.LevelDebug - 4

type pionLoggerFactory struct {
	log *slog.Logger
}

func newPionLoggerFactory(log *slog.Logger) *pionLoggerFactory {
	return &pionLoggerFactory{log: log}
}

func (f *pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: f.log.With(slog.String("origin", "pion/"+scope))}
}

type pionLogger struct {
	log *slog.Logger
}

func (l *pionLogger) logf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Trace(msg string) {
	l.log.Log(context.Background(), levelTrace, msg)
}

func (l *pionLogger) Tracef(format string, args ...interface{}) {
	l.logf(levelTrace, format, args...)
}

func (l *pionLogger) Debug(msg string) {
	l.log.Log(context.Background(), levelTrace, msg)
}

func (l *pionLogger) Debugf(format string, args ...interface{}) {
	l.logf(levelTrace, format, args...)
}

func (l *pionLogger) Info(msg string) {
	l.log.Info(msg)
}

func (l *pionLogger) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}

func (l *pionLogger) Warn(msg string) {
	l.log.Warn(msg)
}

func (l *pionLogger) Warnf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}

func (l *pionLogger) Error(msg string) {
	l.log.Error(msg)
}

func (l *pionLogger) Errorf(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}
