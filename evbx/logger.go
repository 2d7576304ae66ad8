package evbx

// Logger is the logging contract used across eventbox. Adapters for zerolog
// and zap live under the logger directory.
type Logger interface {
	Info(msg string)
	Debug(msg string)
	Warn(msg string)
	Error(msg string, err error)
}

// Loggable is implemented by collaborators (repositories, publishers, lockers)
// that accept the logger configured in the Outbox.
type Loggable interface {
	SetLogger(Logger)
}

// injectLogger hands l to every target implementing Loggable. Nil targets are
// ignored.
func injectLogger(l Logger, targets ...any) {
	for _, t := range targets {
		if lg, ok := t.(Loggable); ok && lg != nil {
			lg.SetLogger(l)
		}
	}
}

// NopLogger discards everything.
type NopLogger struct{}

var _ Logger = (*NopLogger)(nil)

func (*NopLogger) Debug(string) {}

func (*NopLogger) Info(string) {}

func (*NopLogger) Warn(string) {}

func (*NopLogger) Error(string, error) {}
