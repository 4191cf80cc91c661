// Package logging provides a structured logger shared by every component.
package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/mcfalli/patternstream/internal/config"
)

// Logger is the structured logger type used across the service.
type Logger = *logrus.Logger

// Fields is a set of structured logging fields.
type Fields = logrus.Fields

// NewLogger creates a configured logger instance with JSON output.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithComponent creates a logger that stamps a "component" field
// onto every entry, so logs from C1..C8 can be filtered independently.
func NewLoggerWithComponent(component string) *logrus.Logger {
	logger := NewLogger()
	logger.AddHook(componentHook{component: component})
	return logger
}

// componentHook adds a fixed "component" field to every entry it fires on.
type componentHook struct{ component string }

func (h componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h componentHook) Fire(entry *logrus.Entry) error {
	entry.Data["component"] = h.component
	return nil
}
