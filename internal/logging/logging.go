// Package logging provides the structured logger shared by the worker,
// queue, executor and HTTP layers.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so call sites depend on this package instead
// of importing logrus directly.
type Logger struct {
	*logrus.Logger
}

// Config controls level and format; zero value behaves like New(Config{}).
type Config struct {
	Level  string
	Format string
}

// New builds a Logger from Config, defaulting to info/text when fields are
// empty or unparsable.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l.SetOutput(os.Stdout)
	return &Logger{Logger: l}
}

// NewDefault returns a Logger with info level, text format.
func NewDefault() *Logger {
	return New(Config{Level: "info", Format: "text"})
}

// WithFields returns a log entry carrying the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
