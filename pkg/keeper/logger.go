package keeper

import "github.com/sirupsen/logrus"

// Logger receives every failure the keeper recovers from.
type Logger interface {
	Error(msg string)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Error(string) {}

type logrusLogger struct {
	entry logrus.FieldLogger
}

// NewLogrusLogger adapts a logrus logger (or entry with fields) to Logger.
func NewLogrusLogger(l logrus.FieldLogger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return logrusLogger{entry: l.WithField("component", "keeper")}
}

func (l logrusLogger) Error(msg string) {
	l.entry.Error(msg)
}
