package util

import (
	"github.com/sirupsen/logrus"
	"io"
	"os"
)

// Logger is the process wide logger
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLogLevel sets the logging level by name ("debug", "info", ...)
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

func SetLogOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// WithNode returns a logger carrying the emulated node name
func WithNode(name string) *logrus.Entry {
	return Logger.WithField("node", name)
}

// WithOperation returns a logger carrying the setup step
func WithOperation(operation string) *logrus.Entry {
	return Logger.WithField("operation", operation)
}
