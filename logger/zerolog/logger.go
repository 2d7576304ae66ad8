package zerolog

import (
	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/rs/zerolog"
)

// zerolog implementation of evbx.Logger interface.
type Logger struct {
	Logger zerolog.Logger
}

var _ evbx.Logger = (*Logger)(nil)

// New tags every entry written through l with the eventbox component.
func New(l zerolog.Logger) *Logger {
	return &Logger{Logger: l.With().Str("component", "eventbox").Logger()}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Err(err).Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}
