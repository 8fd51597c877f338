// Package zaplog adapts a *zap.Logger to the reqstream.Logger interface.
package zaplog

import (
	"github.com/fabiofenoglio/reqstream"
	"go.uber.org/zap"
)

// Logger forwards reqstream log lines to zap.
type Logger struct {
	l *zap.Logger
}

var _ reqstream.Logger = (*Logger)(nil)

// New wraps l. A nil logger discards everything.
func New(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{l: l.WithOptions(zap.AddCallerSkip(1))}
}

// Named returns a logger for a sub-component, e.g. "router".
func (l *Logger) Named(name string) *Logger {
	return &Logger{l: l.l.Named(name)}
}

func (l *Logger) Debug(text string) {
	l.l.Debug(text)
}
func (l *Logger) Info(text string) {
	l.l.Info(text)
}
func (l *Logger) Warning(text string) {
	l.l.Warn(text)
}
func (l *Logger) Error(text string) {
	l.l.Error(text)
}

// Zap returns the underlying logger.
func (l *Logger) Zap() *zap.Logger {
	return l.l
}
