package persist

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger with the Critical/Severe vocabulary the
// teacher's persist.Logger exposes, so that call sites that used to read
// "log.Critical(...)" against the C++ original's logging still read
// naturally in Go.
type Logger struct {
	*logrus.Logger
	file *os.File
}

// NewFileLogger returns a Logger that writes to the named file, creating it
// if necessary.
func NewFileLogger(filename string) (*Logger, error) {
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(f)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.DebugLevel)
	return &Logger{Logger: l, file: f}, nil
}

// NewLogger returns a Logger that writes to the given writer instead of a
// file; used in tests and for the personalization-area/CLI tooling where no
// on-disk log file is desired.
func NewLogger(w io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{Logger: l}
}

// Critical logs a critical-severity message. Unlike build.Critical, this does
// not panic - it is for conditions that are critical to the operator but
// which the caller still intends to handle explicitly.
func (l *Logger) Critical(args ...interface{}) {
	l.Logger.Error(args...)
}

// Severe logs a severe-but-recoverable message.
func (l *Logger) Severe(args ...interface{}) {
	l.Logger.Warn(args...)
}

// Close closes the underlying log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
