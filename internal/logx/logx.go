// Package logx is a thin leveled wrapper around the standard library's
// log.Logger, matching the plain, unadorned logging the rest of this
// lineage does directly with fmt.Fprintf(os.Stderr, ...).
package logx

import (
	"io"
	"log"
	"os"

	"github.com/google/uuid"
)

// Logger writes leveled, prefixed lines to an underlying log.Logger.
type Logger struct {
	base *log.Logger
}

// New returns a Logger writing to w with the standard date/time flags.
func New(w io.Writer) *Logger {
	return &Logger{base: log.New(w, "", log.LstdFlags)}
}

// Default returns a Logger writing to os.Stderr.
func Default() *Logger {
	return New(os.Stderr)
}

// Info logs an informational line.
func (l *Logger) Info(format string, args ...interface{}) {
	l.base.Printf("INFO "+format, args...)
}

// Warn logs a warning line.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.base.Printf("WARN "+format, args...)
}

// Error logs an error line.
func (l *Logger) Error(format string, args ...interface{}) {
	l.base.Printf("ERROR "+format, args...)
}

// NewCorrelationID returns an opaque identifier for tying together every
// log line produced while handling a single request or connection.
func NewCorrelationID() string {
	return uuid.NewString()
}
