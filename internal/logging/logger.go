package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/config"
)

// New builds the process logger from configuration.
// Unknown levels fall back to info.
func New(cfg config.LogConfig, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}

	logger := logrus.New()
	logger.SetOutput(out)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// Component returns an entry tagged with the component name.
// A nil entry falls back to the standard logger.
func Component(entry *logrus.Entry, name string) *logrus.Entry {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return entry.WithField("component", name)
}
