// Package vlog is the leveled structured logging facade used across
// vtsd. It wraps logrus the way an application embeds a logging
// library behind its own small interface, so call sites never import
// logrus directly.
package vlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the facade every vtsd package logs through.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

var std Logger = New(Config{Level: "info"})

// Config configures the default facade. Pattern selects the wire
// format of each log line ("json" or "text"; anything else falls back
// to text) the way firestige-Otus's log.format config key does.
type Config struct {
	Level   string
	Pattern string
	Output  io.Writer
}

// New builds a Logger from Config. Unrecognized levels fall back to Info.
func New(cfg Config) Logger {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stderr)
	}
	if cfg.Pattern == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// SetDefault installs l as the package-level default returned by Default.
func SetDefault(l Logger) { std = l }

// Default returns the current package-level logger.
func Default() Logger { return std }

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *logrusLogger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}
