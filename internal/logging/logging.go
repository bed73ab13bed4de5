// Package logging wraps logrus with the leveled, field-based logger used by
// every component, plus an optional audit stream for committed blocks.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is a set of structured log fields.
type Fields = logrus.Fields

// Logger is a leveled structured logger. Loggers derived with WithFields share
// the output and audit stream of their parent.
type Logger struct {
	entry *logrus.Entry
	audit *logrus.Logger
	files []*os.File
}

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn, error. Unknown values mean info.
	Level string
	// Format is "json" or "text".
	Format string
	// File, when set, receives log output in addition to stderr.
	File string
	// AuditFile, when set, receives one JSON record per Audit call.
	AuditFile string
}

// New builds a logger from opts.
func New(opts Options) (*Logger, error) {
	base := logrus.New()
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)
	if opts.Format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l := &Logger{entry: logrus.NewEntry(base)}
	out := io.Writer(os.Stderr)
	if opts.File != "" {
		f, err := openAppend(opts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.files = append(l.files, f)
		out = io.MultiWriter(os.Stderr, f)
	}
	base.SetOutput(out)

	if opts.AuditFile != "" {
		f, err := openAppend(opts.AuditFile)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.files = append(l.files, f)
		l.audit = logrus.New()
		l.audit.SetFormatter(&logrus.JSONFormatter{})
		l.audit.SetOutput(f)
	}
	return l, nil
}

// NewWriter returns an info-level text logger writing to w. Tests use it with
// io.Discard or a buffer.
func NewWriter(w io.Writer, level string) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	if lv, err := logrus.ParseLevel(level); err == nil {
		base.SetLevel(lv)
	}
	return &Logger{entry: logrus.NewEntry(base)}
}

// Discard returns a logger that drops everything.
func Discard() *Logger { return NewWriter(io.Discard, "panic") }

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Close closes the log and audit files.
func (l *Logger) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = nil
	return first
}

// WithFields returns a logger that adds fields to every entry.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields), audit: l.audit}
}

// WithField is WithFields with a single field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(Fields{key: value})
}

// WithError adds err under the "error" field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err), audit: l.audit}
}

// IsDebug reports whether debug entries are emitted.
func (l *Logger) IsDebug() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }

// Fatalf logs and exits the process.
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

// Audit records event with details on the audit stream, if one is configured.
func (l *Logger) Audit(event string, details Fields) {
	if l.audit == nil {
		return
	}
	l.audit.WithFields(details).Info(event)
}
