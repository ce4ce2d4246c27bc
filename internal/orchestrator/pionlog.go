package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLevelTrace sits below slog.LevelDebug so pion's trace output is only
// visible when explicitly enabled.
const slogLevelTrace = slog.LevelDebug - 4

// loggerFactory routes pion's ICE/DTLS/SCTP logging into slog.
type loggerFactory struct {
	log *slog.Logger
}

func newLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	return loggerFactory{log: log}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{log: f.log.With("pion", scope)}
}

type pionLogger struct {
	log *slog.Logger
}

func (l pionLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l pionLogger) Trace(msg string) { l.emit(slogLevelTrace, msg) }
func (l pionLogger) Tracef(format string, args ...interface{}) {
	l.emit(slogLevelTrace, fmt.Sprintf(format, args...))
}
func (l pionLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) {
	l.emit(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l pionLogger) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l pionLogger) Infof(format string, args ...interface{}) {
	l.emit(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l pionLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l pionLogger) Warnf(format string, args ...interface{}) {
	l.emit(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l pionLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) {
	l.emit(slog.LevelError, fmt.Sprintf(format, args...))
}
