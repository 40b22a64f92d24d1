package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Debug  bool
	Output io.Writer
}

// New returns a text logger writing to opts.Output, or stderr when unset.
func New(opts Options) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	if opts.Debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// OpenFile opens path for appending log lines.
func OpenFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}
