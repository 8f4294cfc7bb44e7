// Package logging builds the structured logger shared by all components.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a JSON logger for production and a text logger elsewhere.
func New(env string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if env == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logger.SetLevel(logrus.DebugLevel)
	}

	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	}

	return logger
}

// Discard returns a logger that drops every record. Components fall back to it
// when no logger is injected.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// OrDiscard returns logger, or a discarding logger when it is nil.
func OrDiscard(logger *logrus.Logger) *logrus.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}
