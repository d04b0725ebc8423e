package logger

import (
	"fmt"
	"log"
	"os"

	"go.uber.org/atomic"
)

var (
	infoLogger  = log.New(os.Stdout, "INFO:  ", log.Ldate|log.Ltime)
	warnLogger  = log.New(os.Stderr, "WARN:  ", log.Ldate|log.Ltime)
	errorLogger = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime)
	fatalLogger = log.New(os.Stderr, "FATAL: ", log.Ldate|log.Ltime)
	traceLogger = log.New(os.Stdout, "TRACE: ", log.Ldate|log.Ltime)

	traceEnabled = atomic.NewBool(false)
)

// Info logs informational messages to stdout
func Info(format string, v ...interface{}) {
	infoLogger.Printf(format, v...)
}

// Warn logs warning messages to stderr
func Warn(format string, v ...interface{}) {
	warnLogger.Printf(format, v...)
}

// Error logs error messages to stderr
func Error(format string, v ...interface{}) {
	errorLogger.Printf(format, v...)
}

// Fatal logs fatal error messages to stderr and exits with status 1
func Fatal(format string, v ...interface{}) {
	fatalLogger.Printf(format, v...)
	os.Exit(1)
}

// Trace logs diagnostic messages to stdout when trace mode is on.
// The gate can be flipped at runtime through the trace control command.
func Trace(format string, v ...interface{}) {
	if traceEnabled.Load() {
		traceLogger.Printf(format, v...)
	}
}

// SetTrace turns trace logging on or off.
func SetTrace(on bool) {
	traceEnabled.Store(on)
}

// TraceEnabled reports whether trace logging is currently on.
func TraceEnabled() bool {
	return traceEnabled.Load()
}

// RedirectOutput sends informational and trace output to the named file,
// appending to it when it already exists.
func RedirectOutput(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to redirect output to %s: %w", path, err)
	}
	infoLogger.SetOutput(f)
	traceLogger.SetOutput(f)
	return nil
}

// RedirectError sends warning, error and fatal output to the named file,
// appending to it when it already exists.
func RedirectError(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to redirect errors to %s: %w", path, err)
	}
	warnLogger.SetOutput(f)
	errorLogger.SetOutput(f)
	fatalLogger.SetOutput(f)
	return nil
}
