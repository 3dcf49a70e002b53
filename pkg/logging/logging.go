// Package logging configures the process-wide logrus logger and exposes
// helpers for attaching call/job scoped fields.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options configures the root logger.
type Options struct {
	Level      string
	JSON       bool
	Output     io.Writer
	ReportFile bool
}

// New builds a *logrus.Logger according to Options. An empty or invalid
// Level falls back to "info".
func New(opts Options) *logrus.Logger {
	logger := logrus.New()

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stdout)
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetReportCaller(opts.ReportFile)

	if opts.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}

// WithCall returns an entry pre-populated with the call's identifying
// fields, the way handlers throughout the module annotate their logs.
func WithCall(logger *logrus.Logger, callID, tenantID string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"call_id":   callID,
		"tenant_id": tenantID,
	})
}

// WithJob returns an entry pre-populated with job identity fields.
func WithJob(logger *logrus.Logger, jobID, kind string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"kind":   kind,
	})
}
