package logging

import (
	"io"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

const (
	messageKey = "msg"
	errorKey   = "error"
)

// Options configures the root logger.
type Options struct {
	// JSON selects JSON output instead of logfmt.
	JSON bool

	// Level is the minimum level emitted: "debug", "info", "warn" or "error".
	// Empty means everything.
	Level string
}

// MessageKey returns the key under which human-readable messages are logged.
func MessageKey() interface{} {
	return messageKey
}

// ErrorKey returns the key under which error values are logged.
func ErrorKey() interface{} {
	return errorKey
}

// New constructs the root logger for the process.
func New(o *Options) log.Logger {
	if o == nil {
		o = new(Options)
	}

	return NewWriterLogger(o, log.NewSyncWriter(os.Stdout))
}

// NewWriterLogger constructs a logger writing to the given writer.
// Mostly useful to tests that want to capture output.
func NewWriterLogger(o *Options, w io.Writer) log.Logger {
	if o == nil {
		o = new(Options)
	}

	var logger log.Logger
	if o.JSON {
		logger = log.NewJSONLogger(w)
	} else {
		logger = log.NewLogfmtLogger(w)
	}

	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	switch o.Level {
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	}

	return logger
}

// DefaultLogger returns a logger suitable as a fallback when a component is
// constructed without one.
func DefaultLogger() log.Logger {
	return log.NewNopLogger()
}

// Info returns a logger that emits at info level.
func Info(logger log.Logger, keyvals ...interface{}) log.Logger {
	return log.WithPrefix(level.Info(logger), keyvals...)
}

// Error returns a logger that emits at error level.
func Error(logger log.Logger, keyvals ...interface{}) log.Logger {
	return log.WithPrefix(level.Error(logger), keyvals...)
}

// Debug returns a logger that emits at debug level.
func Debug(logger log.Logger, keyvals ...interface{}) log.Logger {
	return log.WithPrefix(level.Debug(logger), keyvals...)
}
