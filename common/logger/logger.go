package logger

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

type Log interface {
	WithField(name string, value interface{}) Log
	WithFields(fields Fields) Log
	Trace(args ...interface{})
	Tracef(msg string, args ...interface{})
	Debug(args ...interface{})
	Debugf(msg string, args ...interface{})
	Info(args ...interface{})
	Infof(msg string, args ...interface{})
	Warn(args ...interface{})
	Warnf(msg string, args ...interface{})
	Error(args ...interface{})
	Errorf(msg string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(msg string, args ...interface{})
	Panic(args ...interface{})
	Panicf(msg string, args ...interface{})
	Print(args ...interface{})
}

// Fields is a set of keys/values to include in a structured log message.
type Fields map[string]interface{}

// LogFactory produces a logger that can be used to log messages for the
// specified subsystem.
type LogFactory func(subsystem string) Log

// LogrusLogger is a Log implementation using the Logrus library.
type LogrusLogger struct {
	*logrus.Entry
}

func (l *LogrusLogger) WithField(name string, value interface{}) Log {
	return &LogrusLogger{Entry: l.Entry.WithFields(map[string]interface{}{name: value})}
}

func (l *LogrusLogger) WithFields(fields Fields) Log {
	return &LogrusLogger{Entry: l.Entry.WithFields(logrus.Fields(fields))}
}

func makeLogFactory(logRegistry *LogRegistry, out *os.File) LogFactory {
	return func(subsystem string) Log {
		log := logrus.New()
		log.SetLevel(logRegistry.GetLogLevel(subsystem))
		log.SetOutput(out)

		if isatty.IsTerminal(out.Fd()) {
			log.SetFormatter(&logrus.TextFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
				FullTimestamp:   true,
				DisableQuote:    true,
			})
		} else {
			log.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
			})
		}
		entry := log.WithFields(logrus.Fields{
			"system": subsystem,
		})
		logRegistry.RegisterLogger(subsystem, log)
		return &LogrusLogger{Entry: entry}
	}
}

// MakeLogFactoryStdOut creates a log factory suitable for long-running daemons
// that own their stdout (the queue runner).
func MakeLogFactoryStdOut(logRegistry *LogRegistry) LogFactory {
	return makeLogFactory(logRegistry, os.Stdout)
}

// MakeLogFactoryStdErr creates a log factory that writes to stderr. The
// evaluator uses this so that the aggregated jobs JSON on stdout stays clean.
func MakeLogFactoryStdErr(logRegistry *LogRegistry) LogFactory {
	return makeLogFactory(logRegistry, os.Stderr)
}

// MakeNopLogFactory creates a log factory that discards all messages.
func MakeNopLogFactory() LogFactory {
	return func(subsystem string) Log {
		log := logrus.New()
		log.SetOutput(io.Discard)
		return &LogrusLogger{Entry: log.WithFields(logrus.Fields{})}
	}
}
