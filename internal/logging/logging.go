// Package logging builds the process-wide structured logger.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger configured from levelName ("debug",
// "info", "warn", "error" — case-insensitive, defaulting to "info"
// on an empty or unrecognized value) and jsonFormat, writing to
// stderr.
func New(levelName string, jsonFormat bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(parseLevel(levelName))
	if jsonFormat {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func parseLevel(levelName string) logrus.Level {
	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(levelName)))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
