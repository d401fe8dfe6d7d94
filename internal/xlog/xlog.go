// Package xlog is the thin structured-logging shim every other arsync
// package logs through, the way rclone's fs.Debugf/fs.Errorf wrap its
// logger. It exists so call sites never import logrus directly and so
// a subject (a path, an Fs, nil) can be attached uniformly.
package xlog

import (
	"github.com/sirupsen/logrus"
)

var std = logrus.New()

// SetLevel adjusts verbosity; cmd/arsync wires --verbose/--quiet here.
func SetLevel(level logrus.Level) { std.SetLevel(level) }

// Logger returns the underlying logrus.Logger for collaborators (e.g. a
// progress-bar renderer) that want a shared sink.
func Logger() *logrus.Logger { return std }

func fields(subject any) logrus.Fields {
	if subject == nil {
		return logrus.Fields{}
	}
	return logrus.Fields{"subject": subject}
}

// Debugf logs at debug level, tagged with subject (typically a path).
func Debugf(subject any, format string, args ...any) {
	std.WithFields(fields(subject)).Debugf(format, args...)
}

// Infof logs at info level.
func Infof(subject any, format string, args ...any) {
	std.WithFields(fields(subject)).Infof(format, args...)
}

// Errorf logs at error level — per-entry failures that don't abort the
// overall run are logged here, never silently dropped.
func Errorf(subject any, format string, args ...any) {
	std.WithFields(fields(subject)).Errorf(format, args...)
}

// Warnf logs at warning level — used for unpreserved attributes and
// skipped special files.
func Warnf(subject any, format string, args ...any) {
	std.WithFields(fields(subject)).Warnf(format, args...)
}
