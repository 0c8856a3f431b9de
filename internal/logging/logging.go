// Package logging builds the sirupsen/logrus logger every service in
// this module takes as a constructor option.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger writing JSON-formatted entries to stdout at
// the given level name ("debug", "info", "warn", "error"). An
// unrecognized level falls back to "info" rather than failing startup.
func New(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}
