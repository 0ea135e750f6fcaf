// Package logging plugs a line-oriented formatter into dragonboat's logger
// registry and configures the named loggers used across linkvm.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

// Names of the loggers linkvm packages create with logger.GetLogger.
var Names = []string{
	"class/load",
	"class/link",
	"class/init",
	"rewriter",
	"redefine",
	"deps",
	"archive",
	"vm",
}

var (
	output   io.Writer = os.Stderr
	outputMu sync.Mutex
	once     sync.Once
)

// lineLogger implements logger.ILogger with "LEVEL | name | message" lines.
type lineLogger struct {
	name   string
	mu     sync.Mutex
	level  logger.LogLevel
	logger *log.Logger
}

func (l *lineLogger) SetLevel(level logger.LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *lineLogger) enabled(level logger.LogLevel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level >= level
}

func (l *lineLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		l.log("DEBUG", format, args...)
	}
}

func (l *lineLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		l.log("INFO", format, args...)
	}
}

func (l *lineLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		l.log("WARN", format, args...)
	}
}

func (l *lineLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		l.log("ERROR", format, args...)
	}
}

func (l *lineLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log("PANIC", "%s", msg)
	panic(msg)
}

func (l *lineLogger) log(levelStr string, format string, args ...interface{}) {
	l.logger.Printf("%-5s | %-10s | %s", levelStr, l.name, fmt.Sprintf(format, args...))
}

type syncWriter struct{}

func (syncWriter) Write(p []byte) (int, error) {
	outputMu.Lock()
	defer outputMu.Unlock()
	return output.Write(p)
}

// CreateLogger is the logger.Factory installed by Init.
func CreateLogger(pkgName string) logger.ILogger {
	return &lineLogger{
		name:   pkgName,
		level:  logger.WARNING,
		logger: log.New(syncWriter{}, "", log.Ldate|log.Ltime),
	}
}

// SetOutput redirects every logger created by CreateLogger.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
}

// ParseLevel converts a configuration string to a logger.LogLevel.
func ParseLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", level)
	}
}

// Init installs the factory (once per process) and sets every named logger
// to level.
func Init(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	once.Do(func() { logger.SetLoggerFactory(CreateLogger) })
	for _, name := range Names {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
