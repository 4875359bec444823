package jaxmpp

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

type LogLevel int
type LogMode int

const (
	Debug   = LogLevel(0)
	Info    = LogLevel(1)
	Warning = LogLevel(2)
	Error   = LogLevel(3)
	Fatal   = LogLevel(4)

	DebugMode      = LogMode(0)
	ProductionMode = LogMode(1)
)

type Logger interface {
	Printf(level LogLevel, format string, v ...interface{})
	Writer() io.Writer
}

// XLogger adapts an hclog.Logger to Logger. Fatal is logged at error level
// and never exits the process; connectors report fatal conditions as events.
type XLogger struct {
	underlying hclog.Logger
	w          io.Writer
	mode       LogMode
}

func NewLogger(w io.Writer) *XLogger {
	if w == nil {
		w = os.Stderr
	}
	underlying := hclog.New(&hclog.LoggerOptions{
		Name:   "jaxmpp",
		Level:  hclog.Debug,
		Output: w,
	})
	return &XLogger{underlying: underlying, w: w, mode: DebugMode}
}

// WrapLogger uses an existing hclog.Logger, e.g. one shared with an application.
func WrapLogger(l hclog.Logger) *XLogger {
	return &XLogger{underlying: l, w: l.StandardWriter(&hclog.StandardLoggerOptions{InferLevels: true}), mode: DebugMode}
}

func (logger *XLogger) SetMode(mode LogMode) {
	logger.mode = mode
	if mode == ProductionMode {
		logger.underlying.SetLevel(hclog.Info)
		return
	}
	logger.underlying.SetLevel(hclog.Debug)
}

// Named returns a logger for one component, sharing output and mode.
func (logger *XLogger) Named(name string) *XLogger {
	return &XLogger{underlying: logger.underlying.Named(name), w: logger.w, mode: logger.mode}
}

// Hclog exposes the underlying logger for libraries that take one directly.
func (logger *XLogger) Hclog() hclog.Logger {
	return logger.underlying
}

func (logger *XLogger) Writer() io.Writer {
	return logger.w
}

func (logger *XLogger) Printf(level LogLevel, format string, v ...interface{}) {
	lowest := Debug
	if logger.mode == ProductionMode {
		lowest = Info
	}
	if level < lowest {
		return
	}
	msg := fmt.Sprintf(format, v...)
	switch level {
	case Debug:
		logger.underlying.Debug(msg)
	case Info:
		logger.underlying.Info(msg)
	case Warning:
		logger.underlying.Warn(msg)
	case Error, Fatal:
		logger.underlying.Error(msg, "level", logger.levelString(level))
	default:
		panic("log level overflow")
	}
}

func (logger *XLogger) levelString(level LogLevel) string {
	if level > 4 {
		panic("log level overflow")
	}
	return []string{"DEBUG", "INFO", "WARNING", "ERROR", "FATAL"}[level]
}

type nopLogger struct{}

func (nopLogger) Printf(LogLevel, string, ...interface{}) {}
func (nopLogger) Writer() io.Writer { return io.Discard }

func loggerOrNop(logger Logger) Logger {
	if logger == nil {
		return nopLogger{}
	}
	return logger
}
