package zap

import (
	"github.com/3rs4lg4d0/eventbox/evbx"
	"go.uber.org/zap"
)

// zap implementation of evbx.Logger interface.
type Logger struct {
	logger *zap.Logger
}

var _ evbx.Logger = (*Logger)(nil)

func New(l *zap.Logger) *Logger {
	if l == nil {
		panic("logger is mandatory")
	}
	return &Logger{logger: l.With(zap.String("component", "eventbox"))}
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug(msg)
}

func (l *Logger) Warn(msg string) {
	l.logger.Warn(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.logger.Error(msg, zap.Error(err))
}

func (l *Logger) Info(msg string) {
	l.logger.Info(msg)
}
