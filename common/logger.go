package common

import (
	"fmt"
	"os"
	"sync"
)

// Logger represents a minimal levelled logger
type Logger interface {
	// Debugf handles debug level messages
	Debugf(format string, args ...interface{})
	// Infof handles info level messages
	Infof(format string, args ...interface{})
	// Warnf handles warn level messages
	Warnf(format string, args ...interface{})
	// Errorf handles error level messages
	Errorf(format string, args ...interface{})
	// Fatalf handles fatal level messages, and must exit the application
	Fatalf(format string, args ...interface{})
	// Panicf handles panic level messages, and must panic the application
	Panicf(format string, args ...interface{})
}

// StubLogger satisfies the Logger interface, and simply does nothing with
// received messages
type StubLogger struct{}

// Debugf handles debug level messages
func (l *StubLogger) Debugf(format string, args ...interface{}) {}

// Infof handles info level messages
func (l *StubLogger) Infof(format string, args ...interface{}) {}

// Warnf handles warn level messages
func (l *StubLogger) Warnf(format string, args ...interface{}) {}

// Errorf handles error level messages
func (l *StubLogger) Errorf(format string, args ...interface{}) {}

// Fatalf handles fatal level messages, exits the application
func (l *StubLogger) Fatalf(format string, args ...interface{}) {
	os.Exit(1)
}

// Panicf handles panic level messages, and panics the application
func (l *StubLogger) Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

// logPrefixer tags every message with a fixed prefix. The wrapped logger is
// looked up on each call so that scoped loggers created before SetLogger still
// follow the global one.
type logPrefixer struct {
	tag string
	log func() Logger
}

func (l *logPrefixer) Debugf(format string, args ...interface{}) {
	l.log().Debugf(l.prefix(format), args...)
}

func (l *logPrefixer) Infof(format string, args ...interface{}) {
	l.log().Infof(l.prefix(format), args...)
}

func (l *logPrefixer) Warnf(format string, args ...interface{}) {
	l.log().Warnf(l.prefix(format), args...)
}

func (l *logPrefixer) Errorf(format string, args ...interface{}) {
	l.log().Errorf(l.prefix(format), args...)
}

func (l *logPrefixer) Fatalf(format string, args ...interface{}) {
	l.log().Fatalf(l.prefix(format), args...)
}

func (l *logPrefixer) Panicf(format string, args ...interface{}) {
	l.log().Panicf(l.prefix(format), args...)
}

func (l *logPrefixer) prefix(format string) string {
	return `[` + l.tag + `] ` + format
}

var (
	// Log holds the global logger used by patterngen, can be set via
	// SetLogger() in the patterngen package
	Log Logger

	logMu   sync.RWMutex
	backend Logger = new(StubLogger)
)

func init() {
	Log = &logPrefixer{tag: `patterngen`, log: current}
}

func current() Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return backend
}

// SetLogger replaces the logger that receives all patterngen messages
func SetLogger(logger Logger) {
	if logger == nil {
		logger = new(StubLogger)
	}
	logMu.Lock()
	backend = logger
	logMu.Unlock()
}

// Scoped returns a Logger that tags messages with the named component, eg
// `[patterngen:resolve]`
func Scoped(component string) Logger {
	return &logPrefixer{tag: `patterngen:` + component, log: current}
}
