package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields are structured key/value pairs attached to a log line.
type Fields map[string]interface{}

// Log is the relay's logger. The embedded logrus.Logger stays reachable for
// level checks and output redirection.
type Log struct {
	*logrus.Logger

	mu     sync.Mutex
	closer io.Closer
}

// Entry is a log line under construction.
type Entry struct {
	*logrus.Entry
}

var std = New()

// GetLogger returns the process-wide logger.
func GetLogger() *Log {
	return std
}

// New builds a JSON logger on stdout. LOG_LEVEL sets the initial level.
func New() *Log {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	if lvl, err := logrus.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL"))); err == nil {
		l.SetLevel(lvl)
	}
	l.SetReportCaller(true)
	l.SetFormatter(jsonFormatter())
	l.AddHook(&callerHook{})
	l.AddHook(countingHook{})
	return &Log{Logger: l}
}

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

// Flow records at debug level a batch of records handed from one stage to another.
func (e *Entry) Flow(from, to string, records int) {
	e.WithFields(Fields{
		"source":       from,
		"destination":  to,
		"record_count": records,
		"flow_type":    "data_flow",
	}).Debug("data flow")
}

// Configure applies level, format and output. LOG_LEVEL wins over level.
// Output is stdout, stderr or a file path rotated by lumberjack, keeping
// rotated files for maxAgeDays (0 keeps them forever). On error the logger is
// left untouched.
func (l *Log) Configure(level, format, output string, maxAgeDays int) error {
	if env := strings.TrimSpace(os.Getenv("LOG_LEVEL")); env != "" {
		level = env
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level '%s'", level)
	}

	var formatter logrus.Formatter
	switch format {
	case "json", "":
		formatter = jsonFormatter()
	case "text":
		formatter = &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		}
	default:
		return fmt.Errorf("invalid log format '%s'", format)
	}

	w, closer, err := openOutput(output, maxAgeDays)
	if err != nil {
		return err
	}

	l.mu.Lock()
	prev := l.closer
	l.closer = closer
	l.Logger.SetLevel(lvl)
	l.Logger.SetFormatter(formatter)
	l.Logger.SetOutput(w)
	l.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return nil
}

// Close releases a file output opened by Configure and reverts to stdout.
func (l *Log) Close() error {
	l.mu.Lock()
	closer := l.closer
	l.closer = nil
	if closer != nil {
		l.Logger.SetOutput(os.Stdout)
	}
	l.mu.Unlock()

	if closer == nil {
		return nil
	}
	return closer.Close()
}

func openOutput(output string, maxAgeDays int) (io.Writer, io.Closer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	if maxAgeDays < 0 {
		return nil, nil, fmt.Errorf("invalid log max age %d", maxAgeDays)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory for '%s': %w", output, err)
	}
	rotating := &lumberjack.Logger{
		Filename: output,
		MaxAge:   maxAgeDays,
		MaxSize:  100,
		Compress: true,
	}
	return rotating, rotating, nil
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func jsonFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: callerPrettyfier,
	}
}
