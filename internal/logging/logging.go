// Package logging builds the session's structured logger: a rotating
// file sink when a log path is configured, a stderr sink otherwise, both
// through logrus. Unlike the ambient logging package this is modeled on,
// the logger here is constructor-injected rather than held in a package
// global — there is exactly one process-wide logger per abeansd run, and
// threading it explicitly keeps every component's dependencies visible.
package logging

import (
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Options controls where and how verbosely the logger writes.
type Options struct {
	// Path is the rotating log file's base path. Empty means log to
	// stderr instead.
	Path string
	// Level is one of logrus's level names ("debug", "info", "warn",
	// "error"); invalid or empty defaults to "info".
	Level string
	// MaxAge bounds how long a rotated log file is kept. Zero means 7
	// days, matching the teacher's default retention.
	MaxAge time.Duration
}

// New builds a *logrus.Logger per opts.
func New(opts Options) (*logrus.Logger, error) {
	log := logrus.New()
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if opts.Path == "" {
		log.SetOutput(os.Stderr)
		return log, nil
	}

	maxAge := opts.MaxAge
	if maxAge == 0 {
		maxAge = 7 * 24 * time.Hour
	}

	writer, err := rotatelogs.New(
		opts.Path+".%Y%m%d",
		rotatelogs.WithLinkName(opts.Path),
		rotatelogs.WithMaxAge(maxAge),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "logging: create rotating writer at %s", opts.Path)
	}
	log.SetOutput(writer)
	return log, nil
}
