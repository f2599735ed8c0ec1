// Package logging wraps logrus with the adapter's conventions: a single
// process-wide logger, optional rotated file output, and a runtime debug
// toggle exposed through the management surface.
package logging

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var debugMode atomic.Bool

// SetupBaseLogger configures the logrus defaults used by every command.
func SetupBaseLogger() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetOutput(os.Stdout)
}

// ConfigureLogOutput redirects log output to a rotated file when path is
// non-empty. Console output is kept alongside the file so docker logs
// stay useful.
func ConfigureLogOutput(path string) error {
	if path == "" {
		return nil
	}
	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	logrus.SetOutput(io.MultiWriter(os.Stdout, rotated))
	return nil
}

// SetDebugMode flips the process-wide debug flag and the logrus level
// with it. Safe for concurrent use; backs the GET /debug endpoint.
func SetDebugMode(enabled bool) {
	debugMode.Store(enabled)
	if enabled {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// DebugEnabled reports the current debug flag.
func DebugEnabled() bool {
	return debugMode.Load()
}

func Debugf(format string, args ...any) { logrus.Debugf(format, args...) }
func Infof(format string, args ...any)  { logrus.Infof(format, args...) }
func Warnf(format string, args ...any)  { logrus.Warnf(format, args...) }
func Errorf(format string, args ...any) { logrus.Errorf(format, args...) }
func Fatalf(format string, args ...any) { logrus.Fatalf(format, args...) }

// WithError returns an entry carrying err for structured reporting.
func WithError(err error) *logrus.Entry { return logrus.WithError(err) }

// WithField returns an entry carrying a single structured field.
func WithField(key string, value any) *logrus.Entry { return logrus.WithField(key, value) }
